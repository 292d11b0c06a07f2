package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Run starts the release loop and the in-use watchdog as cooperative
// goroutines and blocks until ctx is cancelled, draining both before
// returning. Grounded on pkg/escalation/engine.go's Run(ctx) shape.
func (s *Scheduler) Run(ctx context.Context) error {
	var sub *redis.PubSub
	var ackCh <-chan *redis.Message
	if s.rdb != nil {
		sub = s.rdb.Subscribe(ctx, wakeupChannel)
		ackCh = sub.Channel()
		defer sub.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.releaseLoop(ctx, ackCh)
	}()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		s.watchdogLoop(ctx)
	}()

	<-ctx.Done()
	<-done
	<-watchdogDone
	return ctx.Err()
}

// releaseLoop drains cooled-down keys back to AVAILABLE, optionally running
// a liveness probe first, per the health-checked variant chosen in §9.
func (s *Scheduler) releaseLoop(ctx context.Context, ackCh <-chan *redis.Message) {
	for {
		s.releaseTick(ctx)

		wait := s.nextReleaseWait(ctx)
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeupCh:
			timer.Stop()
		case <-ackCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) releaseTick(ctx context.Context) {
	releasable, err := s.store.ListReleasable(ctx)
	if err != nil {
		s.logger.Error("listing releasable keys", "error", err)
		return
	}

	for _, key := range releasable {
		if s.policy.CheckHealthAfterCoolDown && s.prober != nil {
			if err := s.prober.ProbeHealth(ctx, key); err != nil {
				s.logger.Warn("health check failed for cooling key", "identifier", key.Identifier, "error", err)
				if _, markErr := s.MarkFail(ctx, key, HealthCheckError); markErr != nil {
					s.logger.Error("recording failed health check", "identifier", key.Identifier, "error", markErr)
				}
				continue
			}
		}

		if err := s.store.Reactivate(ctx, key.Identifier); err != nil {
			s.logger.Error("reactivating releasable key", "identifier", key.Identifier, "error", err)
			continue
		}

		s.mu.Lock()
		state, ok, err := s.store.GetState(ctx, key.Identifier)
		if err == nil && ok {
			state.RequestFailCount = 0
			_ = s.store.SaveState(ctx, state)
		}
		s.mu.Unlock()

		s.logger.Info("key released from cooldown", "identifier", key.Identifier)
	}
}

// nextReleaseWait computes the next wakeup deadline per §4.B step 3:
// min(min_cool_down_until, now+default_interval), additionally capped at
// now+health_check_interval when health checks are enabled — the interval
// cap overrides the generic deadline, per §9's resolved open question.
func (s *Scheduler) nextReleaseWait(ctx context.Context) time.Duration {
	wait := s.policy.DefaultCheckCooledDownInterval

	if until, ok, err := s.store.MinCoolDownUntil(ctx); err == nil && ok {
		if untilWait := time.Until(time.Unix(until, 0)); untilWait < wait {
			wait = untilWait
		}
	}

	if s.policy.CheckHealthAfterCoolDown && s.policy.CheckHealthInterval < wait {
		wait = s.policy.CheckHealthInterval
	}

	if wait < 0 {
		wait = 0
	}
	return wait
}

// watchdogLoop is the use-timeout safety net (§4.B): it scans in-use keys
// independently of the per-request timer the Retry Orchestrator schedules,
// since a client disconnect can cancel the orchestrator's own timer and
// orphan the key.
func (s *Scheduler) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.policy.KeyInUseTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogTick(ctx)
		}
	}
}

func (s *Scheduler) watchdogTick(ctx context.Context) {
	inUse, err := s.store.ListInUse(ctx)
	if err != nil {
		s.logger.Error("listing in-use keys for watchdog", "error", err)
		return
	}

	deadline := time.Now().Add(-s.policy.KeyInUseTimeout).Unix()
	for _, key := range inUse {
		state, ok, err := s.store.GetState(ctx, key.Identifier)
		if err != nil || !ok {
			continue
		}
		if state.LastUsageTime > deadline {
			continue
		}
		s.logger.Warn("key exceeded in-use timeout", "identifier", key.Identifier)
		if _, err := s.MarkFail(ctx, key, UseTimeoutError); err != nil {
			s.logger.Error("recording use-timeout failure", "identifier", key.Identifier, "error", err)
		}
	}
}
