// Package clock wraps the time source used for countdowns, timestamps and
// the background sweeper, so tests can drive time with a fake clock.
package clock

import (
	"time"

	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Clock is the interface we use for time operations.
// In production, use New(). In tests, a clockwork.FakeClock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) clockwork.Ticker
}

// New returns the wall clock
func New() Clock {
	return clockwork.NewRealClock()
}

// Schedule describes the countdown that precedes a game and how long the
// game runs once the countdown is over. A zero Duration never times out.
type Schedule struct {
	Countdown time.Duration
	Duration  time.Duration
}

// Status is the clock-derived view of a session at a given instant
type Status struct {
	Phase              domain.Phase
	CountdownRemaining time.Duration
	TimeRemaining      time.Duration
}

// StatusAt computes the phase of a session at now
func (s Schedule) StatusAt(sess *domain.Session, now time.Time) Status {
	switch sess.State {
	case domain.StateCreated:
		return Status{Phase: domain.PhaseLobby, CountdownRemaining: s.Countdown, TimeRemaining: s.Duration}
	case domain.StateCompleted:
		return Status{Phase: domain.PhaseFinished}
	}

	if sess.StartedAt == nil {
		return Status{Phase: domain.PhaseRunning}
	}
	elapsed := now.Sub(*sess.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	if elapsed < s.Countdown {
		return Status{
			Phase:              domain.PhaseCountdown,
			CountdownRemaining: s.Countdown - elapsed,
			TimeRemaining:      s.Duration,
		}
	}

	if s.Duration <= 0 {
		return Status{Phase: domain.PhaseRunning}
	}

	played := elapsed - s.Countdown
	if played >= s.Duration {
		return Status{Phase: domain.PhaseTimeUp}
	}
	return Status{Phase: domain.PhaseRunning, TimeRemaining: s.Duration - played}
}

// Expired reports whether a started session has run past its game duration
func (s Schedule) Expired(sess *domain.Session, now time.Time) bool {
	return s.StatusAt(sess, now).Phase == domain.PhaseTimeUp
}
