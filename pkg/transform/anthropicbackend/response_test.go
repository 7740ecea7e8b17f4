package anthropicbackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseTransformer_EventDataPairIsJoinedIntoOneChunk(t *testing.T) {
	tr := &ResponseTransformer{}
	assert.Empty(t, tr.TransformLine("event: message_start"))

	chunks := tr.TransformLine(`data: {"type":"message_start"}`)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "event: message_start")
	assert.Contains(t, chunks[0], `data: {"type":"message_start"}`)
}

func TestResponseTransformer_DataOnlyPassesThroughUnchanged(t *testing.T) {
	tr := &ResponseTransformer{}
	chunks := tr.TransformLine(`data: {"ok":true}`)
	require.Len(t, chunks, 1)
	assert.Equal(t, "data: {\"ok\":true}\n\n", chunks[0])
}

func TestResponseTransformer_PendingEventDoesNotLeakAcrossUnrelatedData(t *testing.T) {
	tr := &ResponseTransformer{}
	tr.TransformLine("event: ping")
	first := tr.TransformLine("data: {}")
	require.Len(t, first, 1)
	assert.Contains(t, first[0], "event: ping")

	second := tr.TransformLine("data: {}")
	require.Len(t, second, 1)
	assert.NotContains(t, second[0], "event: ping", "pending event name is consumed once")
}

func TestResponseTransformer_CommentLinePassesThroughFramed(t *testing.T) {
	tr := &ResponseTransformer{}
	chunks := tr.TransformLine(": keep-alive")
	require.Len(t, chunks, 1)
	assert.Equal(t, ": keep-alive\n\n", chunks[0])
}

func TestResponseTransformer_BlankLineProducesNoChunk(t *testing.T) {
	tr := &ResponseTransformer{}
	assert.Empty(t, tr.TransformLine(""))
}
