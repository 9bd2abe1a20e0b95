package ccrelay

// EndpointRoster is the C8 component: an ordered list of upstream base
// URLs tried in sequence for a single account before giving up on it.
// The core is agnostic to what the URLs point at; it only ever walks
// the roster in order, once, and does not wrap back to the first entry.
type EndpointRoster struct {
	endpoints []string
}

// NewEndpointRoster creates a roster from the given base URLs, tried in
// the order given.
func NewEndpointRoster(endpoints ...string) *EndpointRoster {
	cp := make([]string, len(endpoints))
	copy(cp, endpoints)
	return &EndpointRoster{endpoints: cp}
}

// Len returns the number of endpoints in the roster.
func (r *EndpointRoster) Len() int { return len(r.endpoints) }

// At returns the endpoint at index i.
func (r *EndpointRoster) At(i int) string { return r.endpoints[i] }

// Exhausted reports whether index i has walked past the last endpoint.
func (r *EndpointRoster) Exhausted(i int) bool { return i >= len(r.endpoints) }

// generateContentSuffix and streamGenerateContentSuffix are appended to
// a roster entry before it reaches the UpstreamClient, matching Cloud
// Code's two distinct upstream paths for non-streaming and streaming
// calls.
const (
	generateContentSuffix       = ":generateContent"
	streamGenerateContentSuffix = ":streamGenerateContent?alt=sse"
)

// endpointFor returns the roster entry at i with the correct
// :generateContent / :streamGenerateContent?alt=sse suffix applied.
// Thinking-model requests always use the streaming suffix, even when
// the caller made a non-streaming call, since the core assembles the
// final response from the SSE stream itself.
func (r *EndpointRoster) endpointFor(i int, streaming bool) string {
	base := r.At(i)
	if streaming {
		return base + streamGenerateContentSuffix
	}
	return base + generateContentSuffix
}
