package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// fakeStore is an in-memory KeyStore used to test Scheduler policy without a
// database, following the teacher's preference for stdlib-only, no-mock-
// library tests (pkg/incident/handler_test.go, pkg/escalation/engine_test.go).
type fakeStore struct {
	mu     sync.Mutex
	keys   map[string]upstreamkey.UpstreamKey
	states map[string]upstreamkey.KeyState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:   make(map[string]upstreamkey.UpstreamKey),
		states: make(map[string]upstreamkey.KeyState),
	}
}

func (f *fakeStore) Add(_ context.Context, key upstreamkey.UpstreamKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key.Identifier] = key
	f.states[key.Identifier] = upstreamkey.KeyState{Identifier: key.Identifier}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, identifier)
	delete(f.states, identifier)
	return nil
}

func (f *fakeStore) Reset(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[identifier] = upstreamkey.KeyState{Identifier: identifier}
	return nil
}

func (f *fakeStore) ResetAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.states {
		f.states[id] = upstreamkey.KeyState{Identifier: id}
	}
	return nil
}

func (f *fakeStore) GetState(_ context.Context, identifier string) (upstreamkey.KeyState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[identifier]
	return st, ok, nil
}

func (f *fakeStore) ListAll(_ context.Context) ([]upstreamkey.KeyState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]upstreamkey.KeyState, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (f *fakeStore) PickNextAvailableAndLock(_ context.Context) (upstreamkey.UpstreamKey, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best string
	var bestTime int64 = 1<<63 - 1
	for id, st := range f.states {
		if st.IsAvailable() && st.LastUsageTime < bestTime {
			best = id
			bestTime = st.LastUsageTime
		}
	}
	if best == "" {
		return upstreamkey.UpstreamKey{}, false, nil
	}

	st := f.states[best]
	st.IsInUse = true
	st.LastUsageTime = time.Now().Unix()
	f.states[best] = st
	return f.keys[best], true, nil
}

func (f *fakeStore) MoveToCooldown(_ context.Context, identifier string, failCount, coolDownEntryCount int, until int64, seconds int, lastUsageTime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[identifier]
	st.IsCooledDown = true
	st.IsInUse = false
	st.RequestFailCount = failCount
	st.CoolDownEntryCount = coolDownEntryCount
	st.CoolDownUntil = until
	st.CurrentCoolDownSeconds = seconds
	st.LastUsageTime = lastUsageTime
	f.states[identifier] = st
	return nil
}

func (f *fakeStore) ReleaseFromUse(_ context.Context, identifier string, failCount int, lastUsageTime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[identifier]
	st.IsInUse = false
	st.RequestFailCount = failCount
	st.LastUsageTime = lastUsageTime
	f.states[identifier] = st
	return nil
}

func (f *fakeStore) Reactivate(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[identifier]
	st.IsInUse = false
	st.IsCooledDown = false
	st.CoolDownUntil = 0
	f.states[identifier] = st
	return nil
}

func (f *fakeStore) ListReleasable(_ context.Context) ([]upstreamkey.UpstreamKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().Unix()
	var out []upstreamkey.UpstreamKey
	for id, st := range f.states {
		if st.IsCooledDown && st.CoolDownUntil <= now {
			out = append(out, f.keys[id])
		}
	}
	return out, nil
}

func (f *fakeStore) ListInUse(_ context.Context) ([]upstreamkey.UpstreamKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []upstreamkey.UpstreamKey
	for id, st := range f.states {
		if st.IsInUse {
			out = append(out, f.keys[id])
		}
	}
	return out, nil
}

func (f *fakeStore) Counts(_ context.Context) (upstreamkey.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c upstreamkey.Counts
	for _, st := range f.states {
		c.Total++
		switch {
		case st.IsInUse:
			c.InUse++
		case st.IsCooledDown:
			c.Cooled++
		default:
			c.Available++
		}
	}
	return c, nil
}

func (f *fakeStore) MinCoolDownUntil(_ context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var min int64
	found := false
	for _, st := range f.states {
		if st.IsCooledDown && (!found || st.CoolDownUntil < min) {
			min = st.CoolDownUntil
			found = true
		}
	}
	return min, found, nil
}

func (f *fakeStore) SaveState(_ context.Context, state upstreamkey.KeyState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.Identifier] = state
	return nil
}

func (f *fakeStore) Briefs(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for id, k := range f.keys {
		out[id] = k.Brief
	}
	return out, nil
}

func testScheduler(t *testing.T) (*Scheduler, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	policy := Policy{
		InitialCoolDownSeconds: 60,
		FailureThreshold:       3,
		MaxCoolDownSeconds:     3600,
		KeyInUseTimeout:        time.Minute,
	}
	sched := New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), policy, nil)
	return sched, store
}

func TestMarkSuccessResetsCounters(t *testing.T) {
	sched, store := testScheduler(t)
	ctx := context.Background()
	key, _ := sched.AddKey(ctx, "sk-success-test")

	st := store.states[key.Identifier]
	st.RequestFailCount = 5
	st.CoolDownEntryCount = 2
	st.IsInUse = true
	store.states[key.Identifier] = st

	if err := sched.MarkSuccess(ctx, key); err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}

	got := store.states[key.Identifier]
	if got.RequestFailCount != 0 || got.CoolDownEntryCount != 0 || got.IsCooledDown || got.IsInUse {
		t.Errorf("MarkSuccess() left state = %+v, want all counters zeroed and available", got)
	}
}

func TestMarkFailAlwaysCoolsDownOnAuthError(t *testing.T) {
	sched, store := testScheduler(t)
	ctx := context.Background()
	key, _ := sched.AddKey(ctx, "sk-auth-test")

	should, err := sched.MarkFail(ctx, key, AuthError)
	if err != nil {
		t.Fatalf("MarkFail() error = %v", err)
	}
	if !should {
		t.Errorf("MarkFail(AuthError) should_cool_down = false, want true")
	}

	st := store.states[key.Identifier]
	if !st.IsCooledDown || st.CoolDownEntryCount != 1 {
		t.Errorf("state after auth failure = %+v, want cooling with entry count 1", st)
	}
}

func TestMarkFailSoftThreshold(t *testing.T) {
	sched, store := testScheduler(t)
	ctx := context.Background()
	key, _ := sched.AddKey(ctx, "sk-soft-fail-test")

	for i := 0; i < 2; i++ {
		should, err := sched.MarkFail(ctx, key, OtherHTTPError)
		if err != nil {
			t.Fatalf("MarkFail() error = %v", err)
		}
		if should {
			t.Fatalf("MarkFail(OtherHTTPError) cooled down before threshold at attempt %d", i+1)
		}
		if store.states[key.Identifier].IsCooledDown {
			t.Fatalf("is_cooled_down=true before third failure")
		}
	}

	should, err := sched.MarkFail(ctx, key, OtherHTTPError)
	if err != nil {
		t.Fatalf("MarkFail() error = %v", err)
	}
	if !should {
		t.Errorf("MarkFail() did not cool down at threshold")
	}
	if !store.states[key.Identifier].IsCooledDown {
		t.Errorf("is_cooled_down=false after threshold reached")
	}
}

func TestNextKeyFIFOFairness(t *testing.T) {
	sched, _ := testScheduler(t)
	ctx := context.Background()

	k1, _ := sched.AddKey(ctx, "sk-fifo-1")
	time.Sleep(2 * time.Millisecond)
	k2, _ := sched.AddKey(ctx, "sk-fifo-2")

	// k1 was added (and thus has an earlier last_usage_time of 0, tied) —
	// exercise that both are returned across two picks with no repeats.
	first, ok, err := sched.NextKey(ctx)
	if err != nil || !ok {
		t.Fatalf("NextKey() = %v, %v, %v", first, ok, err)
	}
	second, ok, err := sched.NextKey(ctx)
	if err != nil || !ok {
		t.Fatalf("NextKey() = %v, %v, %v", second, ok, err)
	}

	if first.Identifier == second.Identifier {
		t.Errorf("NextKey() returned the same key twice: %s", first.Identifier)
	}
	got := map[string]bool{first.Identifier: true, second.Identifier: true}
	if !got[k1.Identifier] || !got[k2.Identifier] {
		t.Errorf("NextKey() picks = %v, want both %s and %s", got, k1.Identifier, k2.Identifier)
	}

	// No third key available.
	_, ok, err = sched.NextKey(ctx)
	if err != nil {
		t.Fatalf("NextKey() error = %v", err)
	}
	if ok {
		t.Errorf("NextKey() returned a key when none should be available")
	}
}

func TestNextKeyNoneAvailable(t *testing.T) {
	sched, _ := testScheduler(t)
	key, ok, err := sched.NextKey(context.Background())
	if err != nil {
		t.Fatalf("NextKey() error = %v", err)
	}
	if ok {
		t.Errorf("NextKey() = %v, true; want false when zero keys configured", key)
	}
}

func TestStatusReflectsCoolingState(t *testing.T) {
	sched, _ := testScheduler(t)
	ctx := context.Background()
	key, _ := sched.AddKey(ctx, "sk-status-test")

	if _, err := sched.MarkFail(ctx, key, AuthError); err != nil {
		t.Fatalf("MarkFail() error = %v", err)
	}

	report, err := sched.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(report.Keys) != 1 {
		t.Fatalf("Status() returned %d keys, want 1", len(report.Keys))
	}
	if report.Keys[0].Status != "cooling_down" {
		t.Errorf("Status() key status = %q, want %q", report.Keys[0].Status, "cooling_down")
	}
}
