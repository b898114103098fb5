// Package retry converts failed outbox entries back into send attempts
// with bounded exponential backoff. The scheduler only computes
// eligibility and timing; it never performs the send itself.
package retry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/metrics"
)

// ErrExhausted is returned when an entry has used up its retry budget.
// The entry stays failed until the user explicitly resends or discards
// it; silent infinite retries are a policy bug, not a feature.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy holds the backoff parameters.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay computes the backoff before attempt retryCount+1:
// min(base * 2^retryCount, max).
func (p Policy) Delay(retryCount int) time.Duration {
	d := p.BaseDelay << retryCount
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Eligible reports whether another attempt is allowed.
func (p Policy) Eligible(retryCount int) bool {
	return retryCount < p.MaxAttempts
}

// Scheduler owns the retry timers, keyed by outbox entry id. Cancelling
// an entry's timer prevents a stale in-flight retry from firing after
// the entry was discarded.
type Scheduler struct {
	policy Policy
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(entryID string)
}

// NewScheduler creates a scheduler. fire runs on timer expiry, on the
// timer's goroutine.
func NewScheduler(policy Policy, fire func(entryID string), logger *zap.Logger) *Scheduler {
	return &Scheduler{
		policy: policy,
		logger: logger,
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule accepts or rejects a retry for an entry that has already
// failed retryCount times. On acceptance it returns the computed delay,
// arms the timer, and reports the incremented attempt count for the
// caller to persist. Rejection returns ErrExhausted.
func (s *Scheduler) Schedule(entryID string, retryCount int) (delay time.Duration, nextCount int, err error) {
	if !s.policy.Eligible(retryCount) {
		return 0, retryCount, ErrExhausted
	}
	delay = s.policy.Delay(retryCount)
	nextCount = retryCount + 1

	s.mu.Lock()
	if t, ok := s.timers[entryID]; ok {
		t.Stop()
	}
	s.timers[entryID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[entryID]
		delete(s.timers, entryID)
		s.mu.Unlock()
		if live && s.fire != nil {
			s.fire(entryID)
		}
	})
	s.mu.Unlock()

	metrics.SendRetries.Inc()
	s.logger.Info("retry scheduled",
		zap.String("entry_id", entryID),
		zap.Int("attempt", nextCount),
		zap.Duration("delay", delay))
	return delay, nextCount, nil
}

// Cancel drops a pending retry, typically because the entry was
// dequeued. A timer that already fired is a no-op.
func (s *Scheduler) Cancel(entryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[entryID]; ok {
		t.Stop()
		delete(s.timers, entryID)
	}
}

// Stop cancels every pending retry.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports whether a retry is armed for the entry.
func (s *Scheduler) Pending(entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[entryID]
	return ok
}
