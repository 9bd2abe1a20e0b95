// Package mock provides a scriptable ccrelay.UpstreamClient for tests,
// standing in for a real Cloud Code backend.
package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/oakline-labs/ccrelay"
)

// Response describes one canned upstream reply, keyed by call order.
type Response struct {
	Status int    // 0 means success
	Body   string // response body on success, or error body on failure
	Header map[string][]string
}

// Client is a mock ccrelay.UpstreamClient whose replies are scripted
// per call via WithResponses, or computed with a ResponseFunc.
type Client struct {
	mu        sync.Mutex
	responses []Response
	next      int
	callCount atomic.Int64

	streamChunks [][]byte
	streamErr    error

	responseFunc func(callNum int, endpoint, bearer string, payload []byte) Response
}

var _ ccrelay.UpstreamClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// New creates a mock UpstreamClient.
func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithResponses scripts a fixed sequence of replies, one per call;
// once exhausted, the last response repeats.
func WithResponses(responses ...Response) Option {
	return func(c *Client) { c.responses = responses }
}

// WithResponseFunc scripts replies computed from the call number and
// request, overriding WithResponses.
func WithResponseFunc(fn func(callNum int, endpoint, bearer string, payload []byte) Response) Option {
	return func(c *Client) { c.responseFunc = fn }
}

// WithStreamChunks scripts the raw SSE data payloads a StreamGenerate
// call replays, in order.
func WithStreamChunks(chunks ...[]byte) Option {
	return func(c *Client) { c.streamChunks = chunks }
}

// WithStreamError makes StreamGenerate itself fail (e.g. a non-2xx
// upstream response before any chunk is read).
func WithStreamError(err error) Option {
	return func(c *Client) { c.streamErr = err }
}

// CallCount returns the number of Generate/StreamGenerate calls made
// so far.
func (c *Client) CallCount() int64 { return c.callCount.Load() }

func (c *Client) nextResponse(endpoint, bearer string, payload []byte) Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := int(c.callCount.Load()) - 1
	if c.responseFunc != nil {
		return c.responseFunc(call, endpoint, bearer, payload)
	}
	if len(c.responses) == 0 {
		return Response{Body: `{}`}
	}
	i := c.next
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	} else {
		c.next++
	}
	return c.responses[i]
}

func (c *Client) Generate(_ context.Context, endpoint, bearer string, payload []byte) (*ccrelay.UpstreamResponse, error) {
	c.callCount.Add(1)
	r := c.nextResponse(endpoint, bearer, payload)
	if r.Status != 0 {
		return nil, &ccrelay.UpstreamResponseError{Status: r.Status, Body: r.Body, Header: r.Header}
	}
	return &ccrelay.UpstreamResponse{Raw: []byte(r.Body)}, nil
}

func (c *Client) StreamGenerate(_ context.Context, endpoint, bearer string, payload []byte) (ccrelay.UpstreamStream, error) {
	c.callCount.Add(1)
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	r := c.nextResponse(endpoint, bearer, payload)
	if r.Status != 0 {
		return nil, &ccrelay.UpstreamResponseError{Status: r.Status, Body: r.Body, Header: r.Header}
	}
	return &mockStream{chunks: c.streamChunks}, nil
}

type mockStream struct {
	chunks [][]byte
	index  int
	closed bool
}

func (s *mockStream) Next() (ccrelay.UpstreamChunk, error) {
	if s.index >= len(s.chunks) {
		if s.index == 0 {
			return ccrelay.UpstreamChunk{}, ccrelay.ErrEmptyResponse
		}
		return ccrelay.UpstreamChunk{}, io.EOF
	}
	c := s.chunks[s.index]
	s.index++
	return ccrelay.UpstreamChunk{Raw: c}, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
