package ccrelay_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
)

func TestHTTPUpstreamClient_GenerateSendsBearerAndReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"model":"gemini-2.5-pro"}`, string(body))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()

	c := ccrelay.NewHTTPUpstreamClient()
	resp, err := c.Generate(context.Background(), srv.URL, "test-token", []byte(`{"model":"gemini-2.5-pro"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"msg_1"}`, string(resp.Raw))
}

func TestHTTPUpstreamClient_GenerateNonOkReturnsUpstreamResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := ccrelay.NewHTTPUpstreamClient()
	_, err := c.Generate(context.Background(), srv.URL, "test-token", []byte(`{}`))
	require.Error(t, err)

	var upErr *ccrelay.UpstreamResponseError
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, http.StatusTooManyRequests, upErr.Status)
	require.Contains(t, upErr.Body, "rate limited")
	require.Equal(t, "5", upErr.Header.Get("Retry-After"))
}

func TestHTTPUpstreamClient_StreamGenerateParsesSSEUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"type\":\"content_block_delta\"}\n\n")
		flusher.Flush()
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := ccrelay.NewHTTPUpstreamClient()
	stream, err := c.StreamGenerate(context.Background(), srv.URL, "test-token", []byte(`{}`))
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next()
	require.NoError(t, err)
	require.False(t, chunk.Done)
	require.Contains(t, string(chunk.Raw), "content_block_delta")

	done, err := stream.Next()
	require.NoError(t, err)
	require.True(t, done.Done)

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestHTTPUpstreamClient_StreamGenerateEmptyBodyReturnsErrEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := ccrelay.NewHTTPUpstreamClient()
	stream, err := c.StreamGenerate(context.Background(), srv.URL, "test-token", []byte(`{}`))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.ErrorIs(t, err, ccrelay.ErrEmptyResponse)
}

func TestHTTPUpstreamClient_StreamGenerateNonOkReturnsUpstreamResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	c := ccrelay.NewHTTPUpstreamClient()
	_, err := c.StreamGenerate(context.Background(), srv.URL, "test-token", []byte(`{}`))
	require.Error(t, err)

	var upErr *ccrelay.UpstreamResponseError
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, http.StatusServiceUnavailable, upErr.Status)
}
