// Package gateway implements the Retry Orchestrator: governs one inbound
// request end to end, acquiring a bounded concurrency slot, walking the
// attempt loop across scheduler-dispensed keys, and committing a streaming
// response to whichever key first yields bytes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/duskgate/duskgate/internal/telemetry"
	"github.com/duskgate/duskgate/pkg/forwarder"
	"github.com/duskgate/duskgate/pkg/requestlog"
	"github.com/duskgate/duskgate/pkg/scheduler"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// ErrUnavailable is returned when no concurrency slot or no upstream key
// could be obtained within the configured bounds; callers map it to a 503.
var ErrUnavailable = errors.New("gateway: no capacity available")

// SchedulerAPI is the subset of *scheduler.Scheduler the orchestrator needs,
// kept narrow so tests can substitute an in-memory fake.
type SchedulerAPI interface {
	NextKey(ctx context.Context) (upstreamkey.UpstreamKey, bool, error)
	MarkSuccess(ctx context.Context, key upstreamkey.UpstreamKey) error
	MarkFail(ctx context.Context, key upstreamkey.UpstreamKey, kind scheduler.FailureKind) (bool, error)
	Counts(ctx context.Context) (upstreamkey.Counts, error)
}

// Policy carries every knob the attempt loop depends on (§4.D, §6).
type Policy struct {
	MaxRetries           int // 0 = try every known key at most once
	NoKeyWait            time.Duration
	ConcurrencyTimeout   time.Duration
	RequestTimeout       time.Duration
	KeyInUseTimeout      time.Duration
	RateLimitDefaultWait time.Duration
}

// RequestInfo carries the request-scoped metadata needed for logging and
// routing but not part of the upstream payload itself.
type RequestInfo struct {
	RequestID    uuid.UUID
	AuthKeyAlias string
	Family       forwarder.Family
}

// Response is the outcome of Handle. Exactly one of Unary or Stream is set,
// matching req.Stream.
type Response struct {
	Unary  map[string]any
	Stream <-chan forwarder.Chunk
}

// Orchestrator is pkg/gateway's Retry Orchestrator (§4.D).
type Orchestrator struct {
	sched      SchedulerAPI
	forwarders map[forwarder.Family]forwarder.Forwarder
	log        *requestlog.Writer
	logger     *slog.Logger
	policy     Policy
	slot       *semaphore.Weighted
}

// New creates an Orchestrator. maxConcurrentRequests sizes the global
// concurrency slot (golang.org/x/sync/semaphore.Weighted).
func New(sched SchedulerAPI, forwarders map[forwarder.Family]forwarder.Forwarder, log *requestlog.Writer, logger *slog.Logger, policy Policy, maxConcurrentRequests int64) *Orchestrator {
	return &Orchestrator{
		sched:      sched,
		forwarders: forwarders,
		log:        log,
		logger:     logger,
		policy:     policy,
		slot:       semaphore.NewWeighted(maxConcurrentRequests),
	}
}

// Handle governs one inbound request per §4.D's numbered steps.
func (o *Orchestrator) Handle(ctx context.Context, info RequestInfo, req forwarder.Request) (*Response, error) {
	slotCtx, cancel := context.WithTimeout(ctx, o.policy.ConcurrencyTimeout)
	defer cancel()
	if err := o.slot.Acquire(slotCtx, 1); err != nil {
		telemetry.RetryAttemptsTotal.WithLabelValues("timeout").Inc()
		return nil, ErrUnavailable
	}
	release := func() { o.slot.Release(1) }

	f, ok := o.forwarders[info.Family]
	if !ok {
		release()
		return nil, fmt.Errorf("no forwarder configured for family %q", info.Family)
	}

	maxRetries, err := o.resolveMaxRetries(ctx)
	if err != nil {
		release()
		return nil, err
	}

	if req.Stream {
		out := make(chan forwarder.Chunk)
		go func() {
			defer release()
			defer close(out)
			o.runStream(ctx, info, req, f, maxRetries, out)
		}()
		return &Response{Stream: out}, nil
	}

	defer release()
	body, err := o.runUnary(ctx, info, req, f, maxRetries)
	if err != nil {
		return nil, err
	}
	return &Response{Unary: body}, nil
}

// resolveMaxRetries applies §4.D.2's default: every known key at most once.
func (o *Orchestrator) resolveMaxRetries(ctx context.Context) (int, error) {
	if o.policy.MaxRetries > 0 {
		return o.policy.MaxRetries, nil
	}
	counts, err := o.sched.Counts(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting keys to resolve max_retries: %w", err)
	}
	total := counts.Available + counts.Cooled
	if total <= 0 {
		return 1, nil
	}
	return total, nil
}

// runUnary walks the attempt loop for a non-streaming request.
func (o *Orchestrator) runUnary(ctx context.Context, info RequestInfo, req forwarder.Request, f forwarder.Forwarder, maxRetries int) (map[string]any, error) {
	var lastErr error
	everGotKey := false

	for attempt := 1; attempt <= maxRetries; attempt++ {
		key, ok, err := o.sched.NextKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("picking next key: %w", err)
		}
		if !ok {
			telemetry.RetryAttemptsTotal.WithLabelValues("no_key").Inc()
			if !o.sleepOrDone(ctx, o.policy.NoKeyWait) {
				return nil, ctx.Err()
			}
			continue
		}
		everGotKey = true

		result, err := o.attemptUnary(ctx, key, req, f)
		if err == nil {
			telemetry.RetryAttemptsTotal.WithLabelValues("success").Inc()
			o.logOutcome(info, key, req, true, "", result.Usage)
			return result.Body, nil
		}

		telemetry.RetryAttemptsTotal.WithLabelValues("fail").Inc()
		kind := classify(err)
		o.logOutcome(info, key, req, false, string(kind), forwarder.Usage{})
		lastErr = err

		if kind == scheduler.RateLimitError {
			if !o.sleepOrDone(ctx, o.policy.RateLimitDefaultWait+jitter()) {
				return nil, ctx.Err()
			}
		}
	}

	if !everGotKey {
		return nil, ErrUnavailable
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all attempts exhausted: %w", lastErr)
	}
	return nil, ErrUnavailable
}

// attemptUnary runs one attempt: arms the use-timeout watchdog, dispatches,
// and always reports the outcome to the Scheduler before returning.
func (o *Orchestrator) attemptUnary(ctx context.Context, key upstreamkey.UpstreamKey, req forwarder.Request, f forwarder.Forwarder) (*forwarder.Result, error) {
	cancelTimer := o.armUseTimeout(key)
	defer cancelTimer()

	callCtx, cancel := context.WithTimeout(ctx, o.policy.RequestTimeout)
	defer cancel()

	result, err := f.Send(callCtx, key, req)
	cancelTimer()

	if err != nil {
		if _, markErr := o.sched.MarkFail(ctx, key, classify(err)); markErr != nil {
			o.logger.Error("recording attempt failure", "identifier", key.Identifier, "error", markErr)
		}
		return nil, err
	}

	if err := o.sched.MarkSuccess(ctx, key); err != nil {
		o.logger.Error("recording attempt success", "identifier", key.Identifier, "error", err)
	}
	return result, nil
}

// runStream walks the attempt loop for a streaming request, committing to
// the first key that yields any chunk: once bytes have reached the caller,
// a subsequent failure becomes a terminal error frame, never a retry (§5).
func (o *Orchestrator) runStream(ctx context.Context, info RequestInfo, req forwarder.Request, f forwarder.Forwarder, maxRetries int, out chan<- forwarder.Chunk) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		key, ok, err := o.sched.NextKey(ctx)
		if err != nil {
			o.logger.Error("picking next key for stream", "error", err)
			return
		}
		if !ok {
			telemetry.RetryAttemptsTotal.WithLabelValues("no_key").Inc()
			if !o.sleepOrDone(ctx, o.policy.NoKeyWait) {
				return
			}
			continue
		}

		committed, kind := o.attemptStream(ctx, info, key, req, f, out)
		if committed {
			return
		}

		if kind == scheduler.RateLimitError {
			if !o.sleepOrDone(ctx, o.policy.RateLimitDefaultWait+jitter()) {
				return
			}
		}
	}
}

// attemptStream returns committed=true once any chunk has been forwarded to
// the caller (no retry is possible after that point, even on failure).
func (o *Orchestrator) attemptStream(ctx context.Context, info RequestInfo, key upstreamkey.UpstreamKey, req forwarder.Request, f forwarder.Forwarder, out chan<- forwarder.Chunk) (committed bool, kind scheduler.FailureKind) {
	cancelTimer := o.armUseTimeout(key)
	defer cancelTimer()

	result, err := f.Send(ctx, key, req)
	if err != nil {
		cancelTimer()
		kind = classify(err)
		if _, markErr := o.sched.MarkFail(ctx, key, kind); markErr != nil {
			o.logger.Error("recording attempt failure", "identifier", key.Identifier, "error", markErr)
		}
		telemetry.RetryAttemptsTotal.WithLabelValues("fail").Inc()
		o.logOutcome(info, key, req, false, string(kind), forwarder.Usage{})
		return false, kind
	}

	committed = false
	var usage forwarder.Usage
	for chunk := range result.Chunks {
		if !committed {
			committed = true
		}
		if chunk.Done {
			usage = chunk.Usage
		}
		if chunk.Err != nil {
			cancelTimer()
			kind = scheduler.StreamingCompletionError
			if _, markErr := o.sched.MarkFail(ctx, key, kind); markErr != nil {
				o.logger.Error("recording stream failure", "identifier", key.Identifier, "error", markErr)
			}
			telemetry.RetryAttemptsTotal.WithLabelValues("fail").Inc()
			o.logOutcome(info, key, req, false, string(kind), forwarder.Usage{})
			select {
			case out <- forwarder.Chunk{Err: chunk.Err}:
			case <-ctx.Done():
			}
			return true, kind
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return true, ""
		}
	}
	cancelTimer()

	if err := o.sched.MarkSuccess(ctx, key); err != nil {
		o.logger.Error("recording stream success", "identifier", key.Identifier, "error", err)
	}
	telemetry.RetryAttemptsTotal.WithLabelValues("success").Inc()
	o.logOutcome(info, key, req, true, "", usage)
	return true, ""
}

// armUseTimeout schedules a redundant use-timeout task paired with the
// in-use watchdog (§4.D, §5): either firing moves the key to
// use_timeout_error, and both paths are idempotent against double-release
// because Scheduler.MarkFail, under its lock, ignores a use-timeout for a
// key that is no longer in use.
func (o *Orchestrator) armUseTimeout(key upstreamkey.UpstreamKey) func() {
	timer := time.AfterFunc(o.policy.KeyInUseTimeout, func() {
		detached := context.Background()
		if _, err := o.sched.MarkFail(detached, key, scheduler.UseTimeoutError); err != nil {
			o.logger.Error("recording use-timeout failure", "identifier", key.Identifier, "error", err)
		}
	})
	return func() { timer.Stop() }
}

func (o *Orchestrator) sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) logOutcome(info RequestInfo, key upstreamkey.UpstreamKey, req forwarder.Request, success bool, errType string, usage forwarder.Usage) {
	if o.log == nil {
		return
	}
	entry := requestlog.Entry{
		RequestID:     info.RequestID,
		RequestTime:   time.Now(),
		KeyIdentifier: key.Identifier,
		KeyBrief:      key.Brief,
		AuthKeyAlias:  info.AuthKeyAlias,
		ModelName:     req.Model,
		IsSuccess:     success,
		ErrorType:     errType,
	}
	if usage.TotalTokens > 0 {
		entry.PromptTokens = &usage.PromptTokens
		entry.CompletionTokens = &usage.CompletionTokens
		entry.TotalTokens = &usage.TotalTokens
	}
	o.log.Log(entry)
}

// classify maps any error from Forwarder.Send to its FailureKind, defaulting
// to unexpected_error for anything not already classified.
func classify(err error) scheduler.FailureKind {
	var classified *scheduler.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var streamErr *forwarder.StreamingCompletionError
	if errors.As(err, &streamErr) {
		return scheduler.StreamingCompletionError
	}
	return scheduler.UnexpectedError
}

func jitter() time.Duration {
	return time.Duration(1+rand.Intn(5)) * time.Second
}
