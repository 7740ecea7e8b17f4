package runtimeconfig

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/J1aDong/codexproxy/pkg/transform"
)

func TestSnapshot_ReturnsInitialConfig(t *testing.T) {
	h := NewHandle(Config{TargetURL: "https://a.example", APIKey: "k1"})
	snap := h.Snapshot()
	assert.Equal(t, "https://a.example", snap.TargetURL)
	assert.Equal(t, "k1", snap.APIKey)
}

func TestApplyUpdate_OnlyTouchesSpecifiedFields(t *testing.T) {
	h := NewHandle(Config{TargetURL: "https://a.example", APIKey: "k1", IgnoreProbeRequests: true})

	newTarget := "https://b.example"
	updated := h.ApplyUpdate(Update{TargetURL: &newTarget})

	assert.Equal(t, "https://b.example", updated.TargetURL)
	assert.Equal(t, "k1", updated.APIKey)
	assert.True(t, updated.IgnoreProbeRequests)

	assert.Equal(t, updated, h.Snapshot())
}

func TestApplyUpdate_ContextReplacesWhole(t *testing.T) {
	h := NewHandle(Config{Context: transform.Context{Converter: "codex"}})
	newCtx := transform.Context{Converter: "gemini", GeminiModel: "gemini-3-pro-preview"}
	updated := h.ApplyUpdate(Update{Context: &newCtx})

	assert.Equal(t, "gemini", updated.Context.Converter)
	assert.Equal(t, "gemini-3-pro-preview", updated.Context.GeminiModel)
}

func TestApplyUpdate_SetBalancerNilIsDistinctFromUntouched(t *testing.T) {
	h := NewHandle(Config{})

	// First, confirm a balancer-less update leaves Balancer nil (it already
	// is, so this only exercises the no-op path).
	name := "x"
	untouched := h.ApplyUpdate(Update{APIKey: &name})
	assert.Nil(t, untouched.Balancer)

	// Explicitly setting SetBalancer with a nil Balancer value must still
	// be treated as an intentional assignment, not skipped.
	cleared := h.ApplyUpdate(Update{SetBalancer: true, Balancer: nil})
	assert.Nil(t, cleared.Balancer)
}

func TestSnapshot_ConcurrentReadsAndWritesDoNotRace(t *testing.T) {
	h := NewHandle(Config{TargetURL: "https://a.example"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.Snapshot()
		}()
		go func(n int) {
			defer wg.Done()
			key := "k"
			h.ApplyUpdate(Update{APIKey: &key})
		}(i)
	}
	wg.Wait()
	require.NotNil(t, h.Snapshot())
}
