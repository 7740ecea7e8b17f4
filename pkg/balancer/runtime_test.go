package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func testRuntime(t *testing.T, policy EndpointPolicy) (*Runtime, ResolvedEndpoint) {
	t.Helper()
	cfg := Config{
		SelectedProfileID: "p1",
		Profiles: []Profile{{
			ID: "p1",
			ModelMapping: SlotMapping{
				Sonnet: []EndpointRef{{EndpointID: "ep1"}},
			},
		}},
		EndpointPolicies: map[string]EndpointPolicy{"ep1": policy},
	}
	directory := map[string]Endpoint{
		"ep1": {ID: "ep1", TargetURL: "https://example.com", Converter: "codex"},
	}
	rt := NewRuntime(cfg, directory, nil)

	resolved, permit, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	require.True(t, ok)
	permit.Release()
	return rt, resolved
}

func TestResolveAndAcquire_PicksConfiguredEndpointBySlot(t *testing.T) {
	rt, resolved := testRuntime(t, DefaultEndpointPolicy())
	assert.Equal(t, "ep1", resolved.EndpointID)
	assert.Equal(t, SlotSonnet, resolved.Slot)
	assert.Equal(t, "https://example.com", resolved.TargetURL)
	_ = rt
}

func TestResolveAndAcquire_NoSelectedProfileFails(t *testing.T) {
	rt := NewRuntime(Config{}, map[string]Endpoint{}, nil)
	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok)
}

func TestResolveAndAcquire_DisabledEndpointSkipped(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.Enabled = false
	cfg := Config{
		SelectedProfileID: "p1",
		Profiles: []Profile{{
			ID:           "p1",
			ModelMapping: SlotMapping{Sonnet: []EndpointRef{{EndpointID: "ep1"}}},
		}},
		EndpointPolicies: map[string]EndpointPolicy{"ep1": policy},
	}
	rt := NewRuntime(cfg, map[string]Endpoint{"ep1": {ID: "ep1", TargetURL: "https://example.com"}}, nil)
	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok)
}

func TestResolveAndAcquire_FallsThroughToSecondCandidateWhenFirstBusy(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.MaxConcurrency = 1
	cfg := Config{
		SelectedProfileID: "p1",
		Profiles: []Profile{{
			ID: "p1",
			ModelMapping: SlotMapping{
				Sonnet: []EndpointRef{{EndpointID: "ep1"}, {EndpointID: "ep2"}},
			},
		}},
		EndpointPolicies: map[string]EndpointPolicy{"ep1": policy, "ep2": policy},
	}
	directory := map[string]Endpoint{
		"ep1": {ID: "ep1", TargetURL: "https://one.example.com"},
		"ep2": {ID: "ep2", TargetURL: "https://two.example.com"},
	}
	rt := NewRuntime(cfg, directory, nil)

	_, permit1, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	require.True(t, ok)
	defer permit1.Release()

	resolved2, permit2, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	require.True(t, ok)
	defer permit2.Release()
	assert.Equal(t, "ep2", resolved2.EndpointID, "first endpoint is saturated at max_concurrency=1")
}

func TestRecordResult_ErrorThresholdTransitionsHealthyToConstrainedToCooldown(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.ErrorThreshold = 2
	rt, resolved := testRuntime(t, policy)

	rt.RecordResult(resolved, intPtr(500), false)
	rt.RecordResult(resolved, intPtr(500), false)

	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.True(t, ok, "still acquirable while only Constrained")

	rt.RecordResult(resolved, intPtr(500), false)
	rt.RecordResult(resolved, intPtr(500), false)

	_, _, ok = rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok, "Cooldown route must reject acquisition")
}

func TestRecordResult_SuccessDoesNotCountAsError(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.ErrorThreshold = 1
	rt, resolved := testRuntime(t, policy)

	rt.RecordResult(resolved, intPtr(200), false)
	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.True(t, ok)
}

func TestHandleUpstreamOutcome_AuthErrorForcesImmediateCooldown(t *testing.T) {
	rt, resolved := testRuntime(t, DefaultEndpointPolicy())
	rt.HandleUpstreamOutcome(resolved, intPtr(401), false, "invalid api key")

	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok, "a single 401 should force cooldown without needing the error threshold")
}

func TestHandleUpstreamOutcome_QuotaSignalOn429ForcesCooldown(t *testing.T) {
	rt, resolved := testRuntime(t, DefaultEndpointPolicy())
	rt.HandleUpstreamOutcome(resolved, intPtr(429), false, "insufficient_quota: please add credits")

	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok)
}

func TestHandleUpstreamOutcome_PlainRateLimitIsTransientBackoffNotCooldown(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.TransientBackoffSeconds = 3600 // long enough that the second acquire attempt still sees it
	rt, resolved := testRuntime(t, policy)

	rt.HandleUpstreamOutcome(resolved, intPtr(429), false, "rate limited, try again")

	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok, "endpoint backoff should reject acquisition same as cooldown, but via a different mechanism")
}

func TestHandleUpstreamOutcome_ModelNotFoundOn400ForcesCooldown(t *testing.T) {
	rt, resolved := testRuntime(t, DefaultEndpointPolicy())
	rt.HandleUpstreamOutcome(resolved, intPtr(400), false, "error: model_not_found")

	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok)
}

func TestHandleUpstreamOutcome_NetworkErrorRecordsAsCountedError(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.ErrorThreshold = 1
	rt, resolved := testRuntime(t, policy)

	rt.HandleUpstreamOutcome(resolved, nil, true, "")
	rt.HandleUpstreamOutcome(resolved, nil, true, "")

	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok)
}

func TestMarkUnavailable_SkipsErrorThresholdEntirely(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.ErrorThreshold = 100
	rt, resolved := testRuntime(t, policy)

	rt.MarkUnavailable(resolved, "manual")
	_, _, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	assert.False(t, ok)
}

func TestPermit_ReleaseIsIdempotent(t *testing.T) {
	policy := DefaultEndpointPolicy()
	policy.MaxConcurrency = 1
	cfg := Config{
		SelectedProfileID: "p1",
		Profiles:          []Profile{{ID: "p1", ModelMapping: SlotMapping{Sonnet: []EndpointRef{{EndpointID: "ep1"}}}}},
		EndpointPolicies:  map[string]EndpointPolicy{"ep1": policy},
	}
	rt := NewRuntime(cfg, map[string]Endpoint{"ep1": {ID: "ep1"}}, nil)

	_, permit, ok := rt.ResolveAndAcquire("claude-sonnet-4")
	require.True(t, ok)
	permit.Release()
	permit.Release() // must not double-decrement or panic

	_, _, ok = rt.ResolveAndAcquire("claude-sonnet-4")
	assert.True(t, ok, "released slot must be reusable")
}

func TestSanitizeToken_ReplacesWhitespaceAndPipe(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitizeToken("a b|c"))
}

func TestBuildRouteKey_IsStableForSameInputs(t *testing.T) {
	k1 := buildRouteKey(SlotOpus, "ep1", "codex", "_default")
	k2 := buildRouteKey(SlotOpus, "ep1", "codex", "_default")
	assert.Equal(t, k1, k2)
}

func TestPruneErrors_DropsEntriesOutsideWindow(t *testing.T) {
	policy := EndpointPolicy{ErrorWindowSeconds: 1}
	route := &routeState{errors: []time.Time{time.Now().Add(-2 * time.Second), time.Now()}}
	pruneErrors(route, policy, time.Now())
	assert.Len(t, route.errors, 1)
}
