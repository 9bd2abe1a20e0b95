package ccrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// emptyResponseBackoffMs is the fixed exponential backoff schedule for
// the empty-response recovery sub-loop (spec §4.9): 500ms, 1000ms,
// 2000ms.
var emptyResponseBackoffMs = []int64{500, 1000, 2000}

// DispatchStream yields the translated Anthropic SSE events of one
// streaming dispatch. Next returns io.EOF once the stream is
// exhausted; the caller must call Close when done, including on early
// abandonment.
type DispatchStream interface {
	Next() (StreamEvent, error)
	Close() error
}

// DispatchStream runs the streaming dispatch state machine (C10): the
// same account/endpoint selection and classification as Dispatch, but
// forwarding upstream chunks to the caller as they arrive and
// recovering transparently from a stream that closes without ever
// emitting content.
func (d *Dispatcher) DispatchStream(ctx context.Context, req MessageRequest) (DispatchStream, error) {
	s := &dispatchStream{
		d:               d,
		ctx:             ctx,
		req:             req,
		model:           req.Model,
		fallbackEnabled: d.fallbackEnabled,
	}
	if err := s.selectAndOpen(); err != nil {
		return nil, err
	}
	return s, nil
}

type dispatchStream struct {
	d               *Dispatcher
	ctx             context.Context
	req             MessageRequest
	model           string
	fallbackEnabled bool
	isFallback      bool

	currentIndex int

	account *Account
	token   string
	payload []byte
	rc      *RequestContext
	upstream UpstreamStream

	emptyRetries    int
	got5xxBonusUsed bool
	gotAnyChunk     bool

	queue  []StreamEvent
	closed bool
	done   bool
}

var _ DispatchStream = (*dispatchStream)(nil)

// selectAndOpen runs the §4.7 OUTER account-selection loop, stopping
// as soon as an upstream stream is successfully opened (the streaming
// equivalent of a 200 response) rather than a full body.
func (s *dispatchStream) selectAndOpen() error {
	all, err := s.d.store.List(s.ctx)
	if err != nil {
		return err
	}
	maxAttempts := s.d.maxRetries
	if n := len(all) + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if err := s.d.ledger.ClearExpired(s.ctx); err != nil {
			return err
		}
		pool, err := s.d.ledger.AvailableAccounts(s.ctx, s.model)
		if err != nil {
			return err
		}
		if len(pool) == 0 {
			allLimited, err := s.d.ledger.IsAllRateLimited(s.ctx, s.model)
			if err != nil {
				return err
			}
			if !allLimited {
				return ErrNoAccountsAvailable
			}
			w, err := s.d.ledger.MinWaitMs(s.ctx, s.model)
			if err != nil {
				return err
			}
			if w > s.d.maxWaitBeforeErrorMs {
				if s.fallbackEnabled {
					if fb, ok := s.d.fallback.Lookup(s.model); ok {
						return s.switchToFallbackModel(fb)
					}
				}
				resetAt := time.Now().Add(time.Duration(w) * time.Millisecond)
				return &DispatchError{
					Kind: KindResourceExhausted, Err: ErrResourceExhausted,
					Model: s.model, Wait: time.Duration(w) * time.Millisecond, ResetAt: resetAt,
				}
			}
			if err := sleepJitterCtx(s.ctx, time.Duration(w+500)*time.Millisecond); err != nil {
				return err
			}
			continue
		}

		sel := s.d.strategy.Select(pool, s.model, s.currentIndex)
		if sel.Account == nil {
			if sel.WaitMs > 0 {
				if err := sleepJitterCtx(s.ctx, time.Duration(sel.WaitMs+500)*time.Millisecond); err != nil {
					return err
				}
			}
			continue
		}
		s.currentIndex = sel.Index

		openErr := s.openForAccount(sel.Account, attempt+1)
		if openErr == nil {
			return nil
		}
		lastErr = openErr

		switch classifyOuterError(openErr) {
		case outerContinue:
			continue
		case outerRateLimit:
			s.d.strategy.OnRateLimit(sel.Account, s.model)
			continue
		case outerAuth:
			continue
		case outerFailure:
			s.d.strategy.OnFailure(sel.Account, s.model)
			if s.d.health.GetConsecutiveFailures(sel.Account.Email) >= s.d.maxConsecutiveFailures {
				if err := s.d.ledger.MarkRateLimited(s.ctx, sel.Account.Email, s.d.extendedCooldownMs, s.model); err != nil {
					return err
				}
			}
			continue
		case outerNetwork:
			s.d.strategy.OnFailure(sel.Account, s.model)
			if s.d.health.GetConsecutiveFailures(sel.Account.Email) >= s.d.maxConsecutiveFailures {
				if err := s.d.ledger.MarkRateLimited(s.ctx, sel.Account.Email, s.d.extendedCooldownMs, s.model); err != nil {
					return err
				}
			}
			if err := sleepJitterCtx(s.ctx, time.Second); err != nil {
				return err
			}
			continue
		default:
			return openErr
		}
	}

	if s.fallbackEnabled {
		if fb, ok := s.d.fallback.Lookup(s.model); ok {
			return s.switchToFallbackModel(fb)
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
	}
	return ErrMaxRetriesExceeded
}

func (s *dispatchStream) switchToFallbackModel(fallbackModel string) error {
	s.model = fallbackModel
	s.fallbackEnabled = false
	s.isFallback = true
	s.currentIndex = 0
	return s.selectAndOpen()
}

// openForAccount resolves credentials for account and walks the
// endpoint roster opening a streaming connection, per the same status
// table as the non-streaming dispatcher (§4.7, shared via
// classifyUpstreamError).
func (s *dispatchStream) openForAccount(account *Account, attemptNum int) error {
	token, err := s.d.auth.TokenFor(s.ctx, account)
	if err != nil {
		return err
	}
	project, err := s.d.auth.ProjectFor(s.ctx, account, token)
	if err != nil {
		return err
	}
	payload, err := s.d.formatter.BuildCloudCodeRequest(s.req, project)
	if err != nil {
		return err
	}

	rc := &RequestContext{Attempt: attemptNum}
	var lastErr error

	for rc.EndpointIndex < s.d.roster.Len() {
		endpoint := s.d.roster.endpointFor(rc.EndpointIndex, true)
		s.d.meter.OnAttempt(DispatchAttempt{
			Model: s.model, AccountEmail: account.Email, EndpointIndex: rc.EndpointIndex,
			AttemptNum: rc.Attempt, Streaming: true,
		})

		up, err := s.d.upstream.StreamGenerate(s.ctx, endpoint, token, payload)
		if err != nil {
			var respErr *UpstreamResponseError
			if errors.As(err, &respErr) {
				action := s.d.classifyUpstreamError(s.ctx, account, s.model, respErr, rc)
				switch action.kind {
				case actRetrySame:
					if err := sleepJitterCtx(s.ctx, action.sleep); err != nil {
						return err
					}
					continue
				case actAdvance:
					lastErr = action.err
					if action.sleep > 0 {
						if err := sleepJitterCtx(s.ctx, action.sleep); err != nil {
							return err
						}
					}
					rc.EndpointIndex++
					continue
				default:
					return action.err
				}
			}
			return err
		}

		s.account = account
		s.token = token
		s.payload = payload
		s.rc = rc
		s.upstream = up
		s.emptyRetries = 0
		s.got5xxBonusUsed = false
		s.gotAnyChunk = false
		s.d.dedup.ClearDedupTimestamp(s.model)
		s.d.strategy.OnSuccess(account, s.model)
		_ = s.d.store.Touch(s.ctx, account.Email, time.Now())
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return errEndpointsExhausted
}

// Next returns the next translated event, driving reconnection and
// the empty-response recovery sub-loop transparently.
func (s *dispatchStream) Next() (StreamEvent, error) {
	if s.closed {
		return StreamEvent{}, io.EOF
	}
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		return ev, nil
	}
	if s.done {
		return StreamEvent{}, io.EOF
	}

	for {
		if err := s.ctx.Err(); err != nil {
			return StreamEvent{}, err
		}

		chunk, err := s.upstream.Next()
		if err == nil {
			ev, ok, terr := s.d.translator.TranslateChunk(chunk)
			if terr != nil {
				return StreamEvent{}, terr
			}
			if !ok {
				if chunk.Done {
					s.upstream.Close()
					s.done = true
					return StreamEvent{}, io.EOF
				}
				continue
			}
			s.gotAnyChunk = true
			return ev, nil
		}

		if errors.Is(err, io.EOF) {
			s.upstream.Close()
			s.done = true
			return StreamEvent{}, io.EOF
		}

		if errors.Is(err, ErrEmptyResponse) {
			s.upstream.Close()
			if recoverErr := s.recoverEmptyResponse(); recoverErr != nil {
				return StreamEvent{}, recoverErr
			}
			if s.done {
				return s.Next()
			}
			continue
		}

		s.upstream.Close()
		return StreamEvent{}, err
	}
}

// recoverEmptyResponse implements the §4.9 empty-response recovery
// sub-loop. On success it installs a fresh s.upstream and returns nil
// with s.done left false. On exhaustion it queues the synthetic
// fallback stream and sets s.done so the next Next() drains it.
func (s *dispatchStream) recoverEmptyResponse() error {
	for s.emptyRetries < s.d.maxEmptyResponseRetries {
		idx := s.emptyRetries
		if idx >= len(emptyResponseBackoffMs) {
			idx = len(emptyResponseBackoffMs) - 1
		}
		backoff := emptyResponseBackoffMs[idx]
		if err := sleepJitterCtx(s.ctx, time.Duration(backoff)*time.Millisecond); err != nil {
			return err
		}
		s.emptyRetries++

		endpoint := s.d.roster.endpointFor(s.rc.EndpointIndex, true)
		up, err := s.d.upstream.StreamGenerate(s.ctx, endpoint, s.token, s.payload)
		if err == nil {
			s.upstream = up
			return nil
		}

		var respErr *UpstreamResponseError
		if !errors.As(err, &respErr) {
			return err
		}

		switch {
		case respErr.Status == 429:
			resetMs, known := ParseRateLimitReset(respErr.Header, respErr.Body)
			cooldown := s.d.defaultCooldownMs
			if known {
				cooldown = resetMs
			}
			if err := s.d.ledger.MarkRateLimited(s.ctx, s.account.Email, cooldown, s.model); err != nil {
				return err
			}
			s.d.strategy.OnRateLimit(s.account, s.model)
			return s.selectAndOpen()

		case respErr.Status == 401 && isPermanentAuthFailure(respErr.Body):
			if err := s.d.ledger.MarkInvalid(s.ctx, s.account.Email, "token revoked"); err != nil {
				return err
			}
			return s.selectAndOpen()

		case respErr.Status == 401:
			s.d.auth.ClearTokenCache(s.account.Email)
			s.d.auth.ClearProjectCache(s.account.Email)
			return s.selectAndOpen()

		case respErr.Status >= 500 && !s.got5xxBonusUsed:
			s.got5xxBonusUsed = true
			if err := sleepJitterCtx(s.ctx, time.Second); err != nil {
				return err
			}
			continue

		default:
			return respErr
		}
	}

	s.queueSyntheticFallback()
	s.done = true
	return nil
}

// queueSyntheticFallback fills s.queue with the six-event synthetic
// stream emitted when every empty-response retry is exhausted.
func (s *dispatchStream) queueSyntheticFallback() {
	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	const text = "[No response after retries - please try again]"

	s.queue = append(s.queue,
		StreamEvent{Type: "message_start", Message: &StreamMsg{ID: id, Role: "assistant", Model: s.model}},
		StreamEvent{Type: "content_block_start", Index: 0, ContentBlock: &ContentBlock{Type: "text"}},
		StreamEvent{Type: "content_block_delta", Index: 0, Delta: &StreamDelta{Type: "text_delta", Text: text}},
		StreamEvent{Type: "content_block_stop", Index: 0},
		StreamEvent{Type: "message_delta", Delta: &StreamDelta{StopReason: "end_turn"}},
		StreamEvent{Type: "message_stop"},
	)
}

// Close releases the upstream connection. Per §5's cancellation
// contract, no further retries are issued and no account state is
// mutated once Close has been called.
func (s *dispatchStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.upstream != nil {
		return s.upstream.Close()
	}
	return nil
}
