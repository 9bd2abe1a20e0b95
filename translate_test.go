package ccrelay_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
)

func TestPassthroughFormatter_AttachesProject(t *testing.T) {
	f := ccrelay.PassthroughFormatter{}
	payload, err := f.BuildCloudCodeRequest(ccrelay.MessageRequest{Model: "gemini-2.5-pro"}, "proj-123")
	require.NoError(t, err)
	require.Contains(t, string(payload), `"project":"proj-123"`)
	require.Contains(t, string(payload), `"model":"gemini-2.5-pro"`)
}

func TestPassthroughTranslator_TranslateResponseAttachesUsage(t *testing.T) {
	tr := ccrelay.PassthroughTranslator{}
	raw := &ccrelay.UpstreamResponse{
		Raw:   []byte(`{"id":"msg_1","role":"assistant"}`),
		Usage: ccrelay.Usage{InputTokens: 10, OutputTokens: 20},
	}
	resp, err := tr.TranslateResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "msg_1", resp.ID)
	require.Equal(t, int64(10), resp.Usage.InputTokens)
}

func TestPassthroughTranslator_TranslateChunkSkipsDoneAndEmpty(t *testing.T) {
	tr := ccrelay.PassthroughTranslator{}

	_, ok, err := tr.TranslateChunk(ccrelay.UpstreamChunk{Done: true})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = tr.TranslateChunk(ccrelay.UpstreamChunk{})
	require.NoError(t, err)
	require.False(t, ok)

	ev, ok, err := tr.TranslateChunk(ccrelay.UpstreamChunk{Raw: []byte(`{"type":"content_block_delta"}`)})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "content_block_delta", ev.Type)
}
