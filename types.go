package ccrelay

import "time"

// Account is a single authenticated upstream identity used to send one
// request at a time. Its identity is stable across restarts: the email.
type Account struct {
	Email   string
	Enabled bool

	// IsInvalid is set by the core when credentials permanently fail
	// (e.g. a revoked OAuth grant). Once set, the account is never
	// selected again until an operator clears it out of band.
	IsInvalid bool

	// LastUsed is the monotonic wall-clock time of the account's most
	// recent selection, used by the hybrid strategy's LRU term.
	LastUsed time.Time

	ModelRateLimits map[string]RateLimitEntry
	Quota           AccountQuota
}

// Eligible reports whether the account may be selected for model m,
// per the invariant in spec §3: enabled, not permanently invalid, and
// either not rate limited for m or past its reset time.
func (a *Account) Eligible(m string, now time.Time) bool {
	if a == nil || !a.Enabled || a.IsInvalid {
		return false
	}
	if rl, ok := a.ModelRateLimits[m]; ok {
		if rl.IsRateLimited && now.Before(rl.ResetTime) {
			return false
		}
	}
	return true
}

// RateLimitEntry records a cooldown window for one (account, model) pair.
type RateLimitEntry struct {
	IsRateLimited bool
	ResetTime     time.Time
}

// AccountQuota is the last-known quota snapshot for an account, broken
// down per model.
type AccountQuota struct {
	LastChecked time.Time
	Models      map[string]ModelQuota
}

// ModelQuota is the remaining-fraction reading for one (account, model)
// pair.
type ModelQuota struct {
	RemainingFraction float64
}

// RequestContext is per-dispatch scratch state. Its lifetime is exactly
// one call to a dispatcher; it is never shared across goroutines.
type RequestContext struct {
	Attempt            int
	EndpointIndex      int
	RetriedOnce        bool
	CapacityRetryCount int
	EmptyRetries       int
}

// Message is a single turn in an Anthropic-shaped conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Thinking configures extended-thinking mode on a request.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// MessageRequest is the parsed body of an inbound POST /v1/messages call.
type MessageRequest struct {
	Model      string         `json:"model"`
	Messages   []Message      `json:"messages"`
	System     string         `json:"system,omitempty"`
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Tools      []Tool         `json:"tools,omitempty"`
	ToolChoice map[string]any `json:"tool_choice,omitempty"`
	Thinking   *Thinking      `json:"thinking,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
}

// Tool describes a single callable tool made available to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ContentBlock is one block of an Anthropic message response.
type ContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Index int    `json:"-"`
}

// Usage mirrors Anthropic's token accounting shape.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// MessageResponse is the Anthropic-shaped response returned for a
// non-streaming request.
type MessageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`

	// Routing describes which account/endpoint served the request. It
	// is core bookkeeping, not part of the wire response.
	Routing RoutingInfo `json:"-"`
}

// RoutingInfo describes which account and endpoint served a dispatch.
type RoutingInfo struct {
	AccountEmail  string
	Model         string
	EndpointIndex int
	Attempts      int
	Fallback      bool
}

// StreamEvent is one Anthropic SSE event as emitted by the streaming
// dispatcher.
type StreamEvent struct {
	Type         string        `json:"type"`
	Message      *StreamMsg    `json:"message,omitempty"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// StreamMsg is the envelope carried by a message_start event.
type StreamMsg struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

// StreamDelta carries the incremental payload of a content_block_delta
// or message_delta event.
type StreamDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// UpstreamResponse is the parsed non-streaming Cloud Code response,
// prior to Anthropic translation.
type UpstreamResponse struct {
	Raw   []byte
	Usage Usage
}

// UpstreamChunk is a single parsed SSE frame from a Cloud Code stream,
// prior to Anthropic translation.
type UpstreamChunk struct {
	Raw   []byte
	Usage *Usage
	Done  bool
}

// DispatchAttempt describes a single account/endpoint attempt, reported
// to a DispatchMeter before the upstream call is issued.
type DispatchAttempt struct {
	Model         string
	AccountEmail  string
	EndpointIndex int
	AttemptNum    int
	Streaming     bool
}

// DispatchOutcome describes the result of one upstream attempt within a
// dispatch, reported to a DispatchMeter.
type DispatchOutcome struct {
	Model        string
	AccountEmail string
	Success      bool
	Duration     time.Duration
	Usage        Usage
	Err          error
	Fallback     bool
}
