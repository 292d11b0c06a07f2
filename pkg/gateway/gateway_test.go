package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/duskgate/duskgate/pkg/forwarder"
	"github.com/duskgate/duskgate/pkg/scheduler"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// fakeScheduler is a minimal in-memory SchedulerAPI for exercising the
// attempt loop without a real Store.
type fakeScheduler struct {
	mu        sync.Mutex
	available []upstreamkey.UpstreamKey
	successes []string
	failures  []scheduler.FailureKind
	counts    upstreamkey.Counts
}

func (f *fakeScheduler) NextKey(_ context.Context) (upstreamkey.UpstreamKey, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.available) == 0 {
		return upstreamkey.UpstreamKey{}, false, nil
	}
	key := f.available[0]
	f.available = f.available[1:]
	return key, true, nil
}

func (f *fakeScheduler) MarkSuccess(_ context.Context, key upstreamkey.UpstreamKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, key.Identifier)
	return nil
}

func (f *fakeScheduler) MarkFail(_ context.Context, key upstreamkey.UpstreamKey, kind scheduler.FailureKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, kind)
	return true, nil
}

func (f *fakeScheduler) Counts(_ context.Context) (upstreamkey.Counts, error) {
	return f.counts, nil
}

// fakeForwarder lets each test script a fixed sequence of Send outcomes.
type fakeForwarder struct {
	mu    sync.Mutex
	calls int
	plan  []func() (*forwarder.Result, error)
}

func (f *fakeForwarder) Family() forwarder.Family                           { return forwarder.OpenAI }
func (f *fakeForwarder) PrepareURL(forwarder.Request) string                { return "http://example.invalid" }
func (f *fakeForwarder) PrepareHeaders(upstreamkey.UpstreamKey) http.Header { return http.Header{} }

func (f *fakeForwarder) Send(_ context.Context, _ upstreamkey.UpstreamKey, _ forwarder.Request) (*forwarder.Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.plan) {
		return nil, errors.New("fakeForwarder: plan exhausted")
	}
	return f.plan[i]()
}

func testOrchestrator(t *testing.T, sched *fakeScheduler, fwd *fakeForwarder) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		sched:      sched,
		forwarders: map[forwarder.Family]forwarder.Forwarder{forwarder.OpenAI: fwd},
		log:        nil,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy: Policy{
			MaxRetries:           0,
			NoKeyWait:            time.Millisecond,
			ConcurrencyTimeout:   time.Second,
			RequestTimeout:       time.Second,
			KeyInUseTimeout:      time.Second,
			RateLimitDefaultWait: time.Millisecond,
		},
		slot: semaphore.NewWeighted(4),
	}
}

func key(id string) upstreamkey.UpstreamKey {
	return upstreamkey.UpstreamKey{Identifier: id, Secret: "sk-" + id, Brief: "sk-t...est1"}
}

func TestHandleUnarySucceedsOnFirstAttempt(t *testing.T) {
	sched := &fakeScheduler{available: []upstreamkey.UpstreamKey{key("a")}, counts: upstreamkey.Counts{Available: 1}}
	fwd := &fakeForwarder{plan: []func() (*forwarder.Result, error){
		func() (*forwarder.Result, error) { return &forwarder.Result{Body: map[string]any{"ok": true}}, nil },
	}}
	o := testOrchestrator(t, sched, fwd)

	resp, err := o.Handle(context.Background(), RequestInfo{Family: forwarder.OpenAI}, forwarder.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Unary["ok"] != true {
		t.Errorf("Handle() body = %+v, want ok=true", resp.Unary)
	}
	if len(sched.successes) != 1 {
		t.Errorf("successes recorded = %d, want 1", len(sched.successes))
	}
}

func TestHandleUnaryRetriesAfterFailure(t *testing.T) {
	sched := &fakeScheduler{
		available: []upstreamkey.UpstreamKey{key("a"), key("b")},
		counts:    upstreamkey.Counts{Available: 2},
	}
	fwd := &fakeForwarder{plan: []func() (*forwarder.Result, error){
		func() (*forwarder.Result, error) {
			return nil, &scheduler.ClassifiedError{Kind: scheduler.OtherHTTPError, StatusCode: 500}
		},
		func() (*forwarder.Result, error) { return &forwarder.Result{Body: map[string]any{"ok": true}}, nil },
	}}
	o := testOrchestrator(t, sched, fwd)

	resp, err := o.Handle(context.Background(), RequestInfo{Family: forwarder.OpenAI}, forwarder.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Unary["ok"] != true {
		t.Errorf("Handle() body = %+v, want ok=true", resp.Unary)
	}
	if len(sched.failures) != 1 || sched.failures[0] != scheduler.OtherHTTPError {
		t.Errorf("failures recorded = %v, want one OtherHTTPError", sched.failures)
	}
	if len(sched.successes) != 1 {
		t.Errorf("successes recorded = %d, want 1", len(sched.successes))
	}
}

func TestHandleUnaryNoKeysReturnsUnavailable(t *testing.T) {
	sched := &fakeScheduler{available: nil, counts: upstreamkey.Counts{}}
	fwd := &fakeForwarder{}
	o := testOrchestrator(t, sched, fwd)
	o.policy.MaxRetries = 1

	_, err := o.Handle(context.Background(), RequestInfo{Family: forwarder.OpenAI}, forwarder.Request{Model: "gpt-4o"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Handle() error = %v, want ErrUnavailable", err)
	}
}

func TestHandleUnaryExhaustsAllAttemptsThenFails(t *testing.T) {
	sched := &fakeScheduler{
		available: []upstreamkey.UpstreamKey{key("a"), key("b")},
		counts:    upstreamkey.Counts{Available: 2},
	}
	failAlways := func() (*forwarder.Result, error) {
		return nil, &scheduler.ClassifiedError{Kind: scheduler.OtherHTTPError, StatusCode: 500}
	}
	fwd := &fakeForwarder{plan: []func() (*forwarder.Result, error){failAlways, failAlways}}
	o := testOrchestrator(t, sched, fwd)

	_, err := o.Handle(context.Background(), RequestInfo{Family: forwarder.OpenAI}, forwarder.Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("Handle() error = nil, want exhaustion error")
	}
	if len(sched.failures) != 2 {
		t.Errorf("failures recorded = %d, want 2", len(sched.failures))
	}
}

func TestHandleStreamCommitsToFirstKey(t *testing.T) {
	sched := &fakeScheduler{
		available: []upstreamkey.UpstreamKey{key("a")},
		counts:    upstreamkey.Counts{Available: 1},
	}
	fwd := &fakeForwarder{plan: []func() (*forwarder.Result, error){
		func() (*forwarder.Result, error) {
			ch := make(chan forwarder.Chunk, 2)
			ch <- forwarder.Chunk{Data: "hello"}
			ch <- forwarder.Chunk{Data: "[DONE]", Done: true}
			close(ch)
			return &forwarder.Result{Chunks: ch}, nil
		},
	}}
	o := testOrchestrator(t, sched, fwd)

	resp, err := o.Handle(context.Background(), RequestInfo{Family: forwarder.OpenAI}, forwarder.Request{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	var chunks []forwarder.Chunk
	for c := range resp.Stream {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(sched.successes) != 1 {
		t.Errorf("successes recorded = %d, want 1", len(sched.successes))
	}
}

func TestHandleStreamMidStreamErrorTerminatesWithoutRetry(t *testing.T) {
	sched := &fakeScheduler{
		available: []upstreamkey.UpstreamKey{key("a"), key("b")},
		counts:    upstreamkey.Counts{Available: 2},
	}
	fwd := &fakeForwarder{plan: []func() (*forwarder.Result, error){
		func() (*forwarder.Result, error) {
			ch := make(chan forwarder.Chunk, 2)
			ch <- forwarder.Chunk{Data: "partial"}
			ch <- forwarder.Chunk{Err: errors.New("connection reset mid-stream")}
			close(ch)
			return &forwarder.Result{Chunks: ch}, nil
		},
	}}
	o := testOrchestrator(t, sched, fwd)

	resp, err := o.Handle(context.Background(), RequestInfo{Family: forwarder.OpenAI}, forwarder.Request{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	var sawErrChunk bool
	for c := range resp.Stream {
		if c.Err != nil {
			sawErrChunk = true
		}
	}
	if !sawErrChunk {
		t.Errorf("stream never surfaced a terminal error chunk")
	}
	if fwd.calls != 1 {
		t.Errorf("forwarder called %d times, want exactly 1 (no retry after commit)", fwd.calls)
	}
	if len(sched.failures) != 1 || sched.failures[0] != scheduler.StreamingCompletionError {
		t.Errorf("failures recorded = %v, want one StreamingCompletionError", sched.failures)
	}
}
