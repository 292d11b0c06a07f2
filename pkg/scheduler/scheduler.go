package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duskgate/duskgate/internal/telemetry"
	"github.com/duskgate/duskgate/pkg/upstreamkey"
)

// wakeupChannel is the Redis pub/sub channel the release loop subscribes to
// and mark_fail publishes on, so the wakeup broadcast is shared across every
// gateway instance pointed at the same database — not just goroutines in one
// process. Grounded on pkg/escalation/engine.go's alert-escalation channel.
const wakeupChannel = "duskgate:keys:wakeup"

// HealthProber issues a minimal liveness request against an upstream key.
// Implemented by pkg/forwarder; injected here (rather than imported) to
// resolve the Scheduler/Forwarder cyclic reference per the "gateway context"
// design note — the Scheduler depends only on this narrow interface.
type HealthProber interface {
	ProbeHealth(ctx context.Context, key upstreamkey.UpstreamKey) error
}

// Policy holds every configurable knob the Scheduler's decisions depend on.
type Policy struct {
	InitialCoolDownSeconds         int
	FailureThreshold               int
	MaxCoolDownSeconds             int
	KeyInUseTimeout                time.Duration
	DefaultCheckCooledDownInterval time.Duration
	CheckHealthAfterCoolDown       bool
	CheckHealthInterval            time.Duration
}

// Scheduler is the in-memory policy layer over a Key Store.
type Scheduler struct {
	store  upstreamkey.KeyStore
	rdb    *redis.Client
	logger *slog.Logger
	policy Policy
	prober HealthProber

	// mu serializes the read-modify-write span of MarkFail/MarkSuccess in
	// this process. Cross-process exclusivity is already guaranteed by the
	// Store's atomic operations; this mutex only protects the
	// read-then-save sequence against this process's own goroutines.
	mu sync.Mutex

	wakeupCh chan struct{}
}

// New creates a Scheduler. prober may be nil, in which case release-loop
// health checks are skipped regardless of policy.CheckHealthAfterCoolDown.
func New(store upstreamkey.KeyStore, rdb *redis.Client, logger *slog.Logger, policy Policy, prober HealthProber) *Scheduler {
	return &Scheduler{
		store:    store,
		rdb:      rdb,
		logger:   logger,
		policy:   policy,
		prober:   prober,
		wakeupCh: make(chan struct{}, 1),
	}
}

// RecoverFromCrash releases every key left in-use from a previous process's
// lifetime (§4.A durability: "on startup ... release_from_use on each").
func (s *Scheduler) RecoverFromCrash(ctx context.Context) error {
	inUse, err := s.store.ListInUse(ctx)
	if err != nil {
		return fmt.Errorf("listing in-use keys for crash recovery: %w", err)
	}
	for _, k := range inUse {
		state, ok, err := s.store.GetState(ctx, k.Identifier)
		if err != nil {
			return fmt.Errorf("loading key state %s during crash recovery: %w", k.Identifier, err)
		}
		if !ok {
			continue
		}
		if err := s.store.ReleaseFromUse(ctx, k.Identifier, state.RequestFailCount, state.LastUsageTime); err != nil {
			return fmt.Errorf("releasing key %s during crash recovery: %w", k.Identifier, err)
		}
		s.logger.Warn("released orphaned in-use key on startup", "identifier", k.Identifier)
	}
	return nil
}

// NextKey is a thin wrapper over the Store's atomic pick. It returns
// (UpstreamKey{}, false, nil) when no available key exists.
func (s *Scheduler) NextKey(ctx context.Context) (upstreamkey.UpstreamKey, bool, error) {
	key, ok, err := s.store.PickNextAvailableAndLock(ctx)
	if err != nil {
		return upstreamkey.UpstreamKey{}, false, fmt.Errorf("picking next available key: %w", err)
	}
	if ok {
		telemetry.KeyDispatchTotal.WithLabelValues("dispensed").Inc()
	} else {
		telemetry.KeyDispatchTotal.WithLabelValues("none_available").Inc()
	}
	return key, ok, nil
}

// MarkSuccess resets a key's failure counters and returns it to AVAILABLE.
func (s *Scheduler) MarkSuccess(ctx context.Context, key upstreamkey.UpstreamKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Reactivate(ctx, key.Identifier); err != nil {
		return fmt.Errorf("reactivating key after success: %w", err)
	}

	state, ok, err := s.store.GetState(ctx, key.Identifier)
	if err != nil {
		return fmt.Errorf("loading key state after success: %w", err)
	}
	if !ok {
		return nil
	}

	state.RequestFailCount = 0
	state.CoolDownEntryCount = 0
	state.CurrentCoolDownSeconds = 0
	state.LastUsageTime = time.Now().Unix()
	state.IsInUse = false
	state.IsCooledDown = false

	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("saving key state after success: %w", err)
	}
	return nil
}

// MarkFail classifies and records a failure for key, returning whether it
// was moved into cooldown. Persists via context.WithoutCancel so the write
// survives a client disconnect that cancelled the inbound request's context
// (grounded on other_examples/.../proxy_error.go's detached-write pattern).
func (s *Scheduler) MarkFail(ctx context.Context, key upstreamkey.UpstreamKey, kind FailureKind) (bool, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok, err := s.store.GetState(writeCtx, key.Identifier)
	if err != nil {
		return false, fmt.Errorf("loading key state for failure: %w", err)
	}
	if !ok {
		return false, nil
	}
	// A use-timeout for a key that is no longer leased has already been
	// handled (by the watchdog or the orchestrator's timer); ignore it so
	// double firing does not count twice.
	if kind == UseTimeoutError && !state.IsInUse {
		return false, nil
	}

	failCount := state.RequestFailCount + 1
	lastUsageTime := time.Now().Unix()

	shouldCoolDown := kind.alwaysCoolsDown() || failCount >= s.policy.FailureThreshold

	if shouldCoolDown {
		entryCount := state.CoolDownEntryCount + 1
		duration := coolDownDuration(s.policy.InitialCoolDownSeconds, entryCount, s.policy.MaxCoolDownSeconds)
		coolDownUntil := lastUsageTime + int64(duration)

		telemetry.KeyCoolDownSeconds.Observe(float64(duration))
		s.signalWakeup(writeCtx)

		if err := s.store.MoveToCooldown(writeCtx, key.Identifier, failCount, entryCount, coolDownUntil, duration, lastUsageTime); err != nil {
			return false, fmt.Errorf("moving key to cooldown: %w", err)
		}
	} else {
		if err := s.store.ReleaseFromUse(writeCtx, key.Identifier, failCount, lastUsageTime); err != nil {
			return false, fmt.Errorf("releasing key from use: %w", err)
		}
	}

	telemetry.KeyFailureTotal.WithLabelValues(string(kind), boolLabel(shouldCoolDown)).Inc()

	s.logger.Warn("key marked failed",
		"identifier", key.Identifier, "kind", kind,
		"cool_down", shouldCoolDown, "fail_count", failCount)

	return shouldCoolDown, nil
}

// coolDownDuration computes the exponential backoff, capped at maxSeconds:
// min(initial * 2^(entryCount-1), max). Deterministic on purpose — the
// monotone-backoff testable property (§8) requires it, which rules out a
// jittered library like cenkalti/backoff for this specific computation
// (see DESIGN.md).
func coolDownDuration(initialSeconds, entryCount, maxSeconds int) int {
	if entryCount < 1 {
		entryCount = 1
	}
	duration := initialSeconds
	for i := 1; i < entryCount; i++ {
		duration *= 2
		if duration >= maxSeconds {
			return maxSeconds
		}
	}
	if duration > maxSeconds {
		return maxSeconds
	}
	return duration
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// signalWakeup interrupts the release loop's sleep, locally and (if Redis is
// configured) across every instance sharing this database.
func (s *Scheduler) signalWakeup(ctx context.Context) {
	select {
	case s.wakeupCh <- struct{}{}:
	default:
	}

	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, wakeupChannel, "1").Err(); err != nil {
		s.logger.Warn("publishing scheduler wakeup", "error", err)
	}
}

// AddKey registers a new upstream key, deriving its deterministic identifier
// from the secret (§4.B).
func (s *Scheduler) AddKey(ctx context.Context, secret string) (upstreamkey.UpstreamKey, error) {
	key := upstreamkey.UpstreamKey{
		Identifier: upstreamkey.Identifier(secret),
		Secret:     secret,
		Brief:      upstreamkey.Brief(secret),
	}
	if err := s.store.Add(ctx, key); err != nil {
		return upstreamkey.UpstreamKey{}, fmt.Errorf("adding key: %w", err)
	}
	return key, nil
}

// DeleteKey permanently removes a key.
func (s *Scheduler) DeleteKey(ctx context.Context, identifier string) error {
	if err := s.store.Delete(ctx, identifier); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}

// ResetKey forces a single key back to AVAILABLE with zeroed counters.
func (s *Scheduler) ResetKey(ctx context.Context, identifier string) error {
	if err := s.store.Reset(ctx, identifier); err != nil {
		return fmt.Errorf("resetting key: %w", err)
	}
	return nil
}

// ResetAllKeys forces every key back to AVAILABLE with zeroed counters.
func (s *Scheduler) ResetAllKeys(ctx context.Context) error {
	if err := s.store.ResetAll(ctx); err != nil {
		return fmt.Errorf("resetting all keys: %w", err)
	}
	return nil
}

// Counts exposes the Store's population counts for the Retry Orchestrator's
// max_retries default (§4.D.2).
func (s *Scheduler) Counts(ctx context.Context) (upstreamkey.Counts, error) {
	c, err := s.store.Counts(ctx)
	if err != nil {
		return upstreamkey.Counts{}, fmt.Errorf("counting keys: %w", err)
	}
	return c, nil
}

// KeyStatus is one key's externally-visible status snapshot.
type KeyStatus struct {
	Identifier              string `json:"identifier"`
	Brief                   string `json:"brief"`
	Status                  string `json:"status"` // "active" | "in_use" | "cooling_down"
	CoolDownSecondsRemaining int64  `json:"cool_down_seconds_remaining,omitempty"`
	RequestFailCount        int    `json:"request_fail_count"`
}

// StatusReport is the operator-facing view of the whole scheduler.
type StatusReport struct {
	Counts upstreamkey.Counts `json:"counts"`
	Keys   []KeyStatus        `json:"keys"`
}

// Status takes a snapshot of every key's state. Readers must tolerate stale
// cool_down_seconds_remaining values (§4.B's concurrency contract).
func (s *Scheduler) Status(ctx context.Context) (StatusReport, error) {
	states, err := s.store.ListAll(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("listing key states for status: %w", err)
	}

	counts, err := s.store.Counts(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("counting keys for status: %w", err)
	}

	briefs, err := s.store.Briefs(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("loading key briefs for status: %w", err)
	}

	now := time.Now().Unix()
	report := StatusReport{Counts: counts, Keys: make([]KeyStatus, 0, len(states))}
	for _, st := range states {
		ks := KeyStatus{
			Identifier:       st.Identifier,
			Brief:            briefs[st.Identifier],
			RequestFailCount: st.RequestFailCount,
		}
		switch {
		case st.IsInUse:
			ks.Status = "in_use"
		case st.IsCooledDown:
			ks.Status = "cooling_down"
			if remaining := st.CoolDownUntil - now; remaining > 0 {
				ks.CoolDownSecondsRemaining = remaining
			}
		default:
			ks.Status = "active"
		}
		report.Keys = append(report.Keys, ks)
	}
	telemetry.KeysByState.WithLabelValues("available").Set(float64(counts.Available))
	telemetry.KeysByState.WithLabelValues("in_use").Set(float64(counts.InUse))
	telemetry.KeysByState.WithLabelValues("cooling").Set(float64(counts.Cooled))
	return report, nil
}
