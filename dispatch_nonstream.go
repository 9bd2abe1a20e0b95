package ccrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// errEndpointsExhausted signals that runEndpointLoop walked every
// endpoint without a success and without recording a classifiable
// error, so the outer loop should simply reselect an account.
var errEndpointsExhausted = errors.New("ccrelay: endpoint roster exhausted")

// Dispatch runs the non-streaming dispatch state machine (C9) for one
// inbound request: it selects an account and endpoint per the wired
// Strategy, issues the upstream call, and classifies the outcome to
// decide between returning, retrying the same endpoint, switching
// accounts, or failing.
func (d *Dispatcher) Dispatch(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	return d.dispatchModel(ctx, req, req.Model, d.fallbackEnabled, false)
}

func (d *Dispatcher) dispatchModel(ctx context.Context, req MessageRequest, model string, fallbackEnabled, isFallback bool) (MessageResponse, error) {
	all, err := d.store.List(ctx)
	if err != nil {
		return MessageResponse{}, err
	}
	maxAttempts := d.maxRetries
	if n := len(all) + 1; n > maxAttempts {
		maxAttempts = n
	}

	currentIndex := 0
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return MessageResponse{}, err
		}
		if err := d.ledger.ClearExpired(ctx); err != nil {
			return MessageResponse{}, err
		}
		pool, err := d.ledger.AvailableAccounts(ctx, model)
		if err != nil {
			return MessageResponse{}, err
		}
		if len(pool) == 0 {
			allLimited, err := d.ledger.IsAllRateLimited(ctx, model)
			if err != nil {
				return MessageResponse{}, err
			}
			if !allLimited {
				return MessageResponse{}, ErrNoAccountsAvailable
			}
			w, err := d.ledger.MinWaitMs(ctx, model)
			if err != nil {
				return MessageResponse{}, err
			}
			if w > d.maxWaitBeforeErrorMs {
				if fallbackEnabled {
					if fb, ok := d.fallback.Lookup(model); ok {
						return d.dispatchModel(ctx, req, fb, false, true)
					}
				}
				resetAt := time.Now().Add(time.Duration(w) * time.Millisecond)
				return MessageResponse{}, &DispatchError{
					Kind: KindResourceExhausted, Err: ErrResourceExhausted,
					Model: model, Wait: time.Duration(w) * time.Millisecond, ResetAt: resetAt,
				}
			}
			if err := sleepJitterCtx(ctx, time.Duration(w+500)*time.Millisecond); err != nil {
				return MessageResponse{}, err
			}
			continue
		}

		sel := d.strategy.Select(pool, model, currentIndex)
		if sel.Account == nil {
			if sel.WaitMs > 0 {
				if err := sleepJitterCtx(ctx, time.Duration(sel.WaitMs+500)*time.Millisecond); err != nil {
					return MessageResponse{}, err
				}
			}
			continue
		}
		currentIndex = sel.Index

		resp, endpointErr := d.runEndpointLoop(ctx, req, model, sel.Account, attempt+1, false, isFallback)
		if endpointErr == nil {
			return resp, nil
		}
		lastErr = endpointErr

		switch classifyOuterError(endpointErr) {
		case outerContinue:
			continue
		case outerRateLimit:
			d.strategy.OnRateLimit(sel.Account, model)
			continue
		case outerAuth:
			continue
		case outerFailure:
			d.strategy.OnFailure(sel.Account, model)
			if d.health.GetConsecutiveFailures(sel.Account.Email) >= d.maxConsecutiveFailures {
				if err := d.ledger.MarkRateLimited(ctx, sel.Account.Email, d.extendedCooldownMs, model); err != nil {
					return MessageResponse{}, err
				}
			}
			continue
		case outerNetwork:
			d.strategy.OnFailure(sel.Account, model)
			if d.health.GetConsecutiveFailures(sel.Account.Email) >= d.maxConsecutiveFailures {
				if err := d.ledger.MarkRateLimited(ctx, sel.Account.Email, d.extendedCooldownMs, model); err != nil {
					return MessageResponse{}, err
				}
			}
			if err := sleepJitterCtx(ctx, time.Second); err != nil {
				return MessageResponse{}, err
			}
			continue
		default: // outerFatal
			return MessageResponse{}, endpointErr
		}
	}

	if fallbackEnabled {
		if fb, ok := d.fallback.Lookup(model); ok {
			return d.dispatchModel(ctx, req, fb, false, true)
		}
	}
	if lastErr != nil {
		return MessageResponse{}, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
	}
	return MessageResponse{}, ErrMaxRetriesExceeded
}

// runEndpointLoop resolves credentials once, then walks the endpoint
// roster for account per the C9 status table. It reports classified
// failures back to dispatchModel via the returned error's shape
// rather than raising a language-level exception.
func (d *Dispatcher) runEndpointLoop(ctx context.Context, req MessageRequest, model string, account *Account, attemptNum int, streaming, isFallback bool) (MessageResponse, error) {
	token, err := d.auth.TokenFor(ctx, account)
	if err != nil {
		return MessageResponse{}, err
	}
	project, err := d.auth.ProjectFor(ctx, account, token)
	if err != nil {
		return MessageResponse{}, err
	}
	payload, err := d.formatter.BuildCloudCodeRequest(req, project)
	if err != nil {
		return MessageResponse{}, err
	}

	rc := &RequestContext{Attempt: attemptNum}
	var lastErr error

	thinking := req.Thinking != nil

	for rc.EndpointIndex < d.roster.Len() {
		endpoint := d.roster.endpointFor(rc.EndpointIndex, thinking)
		d.meter.OnAttempt(DispatchAttempt{
			Model: model, AccountEmail: account.Email, EndpointIndex: rc.EndpointIndex,
			AttemptNum: rc.Attempt, Streaming: streaming,
		})
		start := time.Now()

		var resp MessageResponse
		var genErr error
		if thinking {
			resp, genErr = d.assembleFromStream(ctx, endpoint, token, payload)
		} else {
			var up *UpstreamResponse
			up, genErr = d.upstream.Generate(ctx, endpoint, token, payload)
			if genErr == nil {
				resp, genErr = d.translator.TranslateResponse(up)
			}
		}
		if genErr != nil {
			var respErr *UpstreamResponseError
			if errors.As(genErr, &respErr) {
				action := d.classifyUpstreamError(ctx, account, model, respErr, rc)
				switch action.kind {
				case actRetrySame:
					d.meter.OnOutcome(DispatchOutcome{Model: model, AccountEmail: account.Email, Success: false, Duration: time.Since(start), Err: genErr})
					if err := sleepJitterCtx(ctx, action.sleep); err != nil {
						return MessageResponse{}, err
					}
					continue
				case actAdvance:
					lastErr = action.err
					d.meter.OnOutcome(DispatchOutcome{Model: model, AccountEmail: account.Email, Success: false, Duration: time.Since(start), Err: action.err})
					if action.sleep > 0 {
						if err := sleepJitterCtx(ctx, action.sleep); err != nil {
							return MessageResponse{}, err
						}
					}
					rc.EndpointIndex++
					continue
				default: // actThrow
					d.meter.OnOutcome(DispatchOutcome{Model: model, AccountEmail: account.Email, Success: false, Duration: time.Since(start), Err: action.err})
					return MessageResponse{}, action.err
				}
			}
			d.meter.OnOutcome(DispatchOutcome{Model: model, AccountEmail: account.Email, Success: false, Duration: time.Since(start), Err: genErr})
			return MessageResponse{}, genErr
		}

		resp.Routing = RoutingInfo{
			AccountEmail: account.Email, Model: model, EndpointIndex: rc.EndpointIndex,
			Attempts: rc.Attempt, Fallback: isFallback,
		}
		d.dedup.ClearDedupTimestamp(model)
		d.strategy.OnSuccess(account, model)
		_ = d.store.Touch(ctx, account.Email, time.Now())
		d.meter.OnOutcome(DispatchOutcome{Model: model, AccountEmail: account.Email, Success: true, Duration: time.Since(start), Usage: resp.Usage, Fallback: isFallback})
		return resp, nil
	}

	if lastErr != nil {
		return MessageResponse{}, lastErr
	}
	return MessageResponse{}, errEndpointsExhausted
}

// assembleFromStream implements the §4.7 "200 (thinking model)" status
// table row: thinking models only expose an SSE endpoint, so a
// non-streaming caller still gets one, and the core accumulates its
// events into a single response instead of forwarding them.
func (d *Dispatcher) assembleFromStream(ctx context.Context, endpoint, token string, payload []byte) (MessageResponse, error) {
	up, err := d.upstream.StreamGenerate(ctx, endpoint, token, payload)
	if err != nil {
		return MessageResponse{}, err
	}
	defer up.Close()

	var resp MessageResponse
	for {
		chunk, err := up.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return resp, nil
			}
			return MessageResponse{}, err
		}
		ev, ok, terr := d.translator.TranslateChunk(chunk)
		if terr != nil {
			return MessageResponse{}, terr
		}
		if !ok {
			continue
		}
		applyStreamEvent(&resp, ev)
	}
}

// applyStreamEvent folds one translated SSE event into the response
// being assembled by assembleFromStream, mirroring the fields the
// streaming dispatcher emits in dispatch_stream.go's synthetic
// fallback event sequence (message_start/content_block_*/message_delta).
func applyStreamEvent(resp *MessageResponse, ev StreamEvent) {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			resp.ID = ev.Message.ID
			resp.Role = ev.Message.Role
			resp.Model = ev.Message.Model
		}
	case "content_block_start":
		for len(resp.Content) <= ev.Index {
			resp.Content = append(resp.Content, ContentBlock{})
		}
		if ev.ContentBlock != nil {
			resp.Content[ev.Index] = *ev.ContentBlock
		}
	case "content_block_delta":
		for len(resp.Content) <= ev.Index {
			resp.Content = append(resp.Content, ContentBlock{Type: "text"})
		}
		if ev.Delta != nil {
			resp.Content[ev.Index].Text += ev.Delta.Text
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			resp.StopReason = ev.Delta.StopReason
		}
	}
	if ev.Usage != nil {
		resp.Usage = *ev.Usage
	}
}

// endpointActionKind names one branch of the C9 status table's
// disposition: retry the same endpoint, advance to the next one, or
// throw a classified error up to the outer loop.
type endpointActionKind int

const (
	actAdvance endpointActionKind = iota
	actRetrySame
	actThrow
)

type endpointAction struct {
	kind  endpointActionKind
	sleep time.Duration
	err   error
}

// classifyUpstreamError implements the §4.7 ENDPOINT_LOOP status
// table for a single non-2xx upstream response.
func (d *Dispatcher) classifyUpstreamError(ctx context.Context, account *Account, model string, respErr *UpstreamResponseError, rc *RequestContext) endpointAction {
	body := respErr.Body
	resetMs, known := ParseRateLimitReset(respErr.Header, body)

	switch {
	case respErr.Status == 401 && isPermanentAuthFailure(body):
		if err := d.ledger.MarkInvalid(ctx, account.Email, "token revoked"); err != nil {
			return endpointAction{kind: actThrow, err: err}
		}
		return endpointAction{kind: actThrow, err: &DispatchError{
			Kind: KindAuthInvalidPermanent, Err: ErrAuthInvalidPermanent,
			Model: model, Account: account.Email, Status: respErr.Status,
		}}

	case respErr.Status == 401:
		d.auth.ClearTokenCache(account.Email)
		d.auth.ClearProjectCache(account.Email)
		return endpointAction{kind: actAdvance, err: &DispatchError{
			Kind: KindAuthInvalidTransient, Err: ErrAuthInvalidTransient,
			Model: model, Account: account.Email, Status: respErr.Status,
		}}

	case respErr.Status == 429 && isModelCapacityExhausted(body) && rc.CapacityRetryCount < d.maxCapacityRetries:
		rc.CapacityRetryCount++
		wait := d.capacityRetryDelayMs
		if known {
			wait = resetMs
		}
		return endpointAction{kind: actRetrySame, sleep: time.Duration(wait) * time.Millisecond}

	case respErr.Status == 429:
		now := time.Now()
		cooldown := d.defaultCooldownMs
		if known {
			cooldown = resetMs
		}
		switch {
		case d.dedup.ShouldSkipRetryDueToDedup(model, now):
			if err := d.ledger.MarkRateLimited(ctx, account.Email, cooldown, model); err != nil {
				return endpointAction{kind: actThrow, err: err}
			}
			return endpointAction{kind: actThrow, err: &DispatchError{
				Kind: KindRateLimitedDedup, Err: ErrRateLimitedDedup,
				Model: model, Account: account.Email, Status: respErr.Status,
			}}

		case known && resetMs > d.defaultCooldownMs:
			if err := d.ledger.MarkRateLimited(ctx, account.Email, resetMs, model); err != nil {
				return endpointAction{kind: actThrow, err: err}
			}
			return endpointAction{kind: actThrow, err: &DispatchError{
				Kind: KindQuotaExhausted, Err: ErrQuotaExhausted,
				Model: model, Account: account.Email, Status: respErr.Status,
				Wait: time.Duration(resetMs) * time.Millisecond,
			}}

		case !rc.RetriedOnce:
			rc.RetriedOnce = true
			d.dedup.RecordDedupTimestamp(model, now)
			return endpointAction{kind: actRetrySame, sleep: time.Duration(cooldown) * time.Millisecond}

		default:
			if err := d.ledger.MarkRateLimited(ctx, account.Email, cooldown, model); err != nil {
				return endpointAction{kind: actThrow, err: err}
			}
			return endpointAction{kind: actThrow, err: &DispatchError{
				Kind: KindRateLimited, Err: ErrRateLimited,
				Model: model, Account: account.Email, Status: respErr.Status,
			}}
		}

	case respErr.Status == 403 || respErr.Status == 404:
		return endpointAction{kind: actAdvance, err: &DispatchError{
			Kind: KindAPIError, Err: fmt.Errorf("ccrelay: api error %d", respErr.Status),
			Model: model, Account: account.Email, Status: respErr.Status,
		}}

	case respErr.Status >= 500:
		return endpointAction{kind: actAdvance, sleep: time.Second, err: &DispatchError{
			Kind: KindAPIError, Err: fmt.Errorf("ccrelay: api error %d", respErr.Status),
			Model: model, Account: account.Email, Status: respErr.Status,
		}}

	default:
		return endpointAction{kind: actAdvance, err: &DispatchError{
			Kind: KindAPIError, Err: fmt.Errorf("ccrelay: api error %d", respErr.Status),
			Model: model, Account: account.Email, Status: respErr.Status,
		}}
	}
}

// outerAction names one branch of the §4.8 outer exception handler.
type outerAction int

const (
	outerFatal outerAction = iota
	outerContinue
	outerRateLimit
	outerAuth
	outerFailure
	outerNetwork
)

// classifyOuterError implements §4.8: it decides whether a classified
// error switches accounts, backs off, or propagates to the caller.
func classifyOuterError(err error) outerAction {
	if errors.Is(err, errEndpointsExhausted) {
		return outerContinue
	}
	var de *DispatchError
	if errors.As(err, &de) {
		switch de.Kind {
		case KindRateLimited, KindRateLimitedDedup, KindQuotaExhausted:
			return outerRateLimit
		case KindAuthInvalidPermanent, KindAuthInvalidTransient:
			return outerAuth
		case KindAPIError:
			if de.Status >= 500 {
				return outerFailure
			}
			return outerFatal
		}
	}
	if isNetworkError(err) {
		return outerNetwork
	}
	return outerFatal
}
