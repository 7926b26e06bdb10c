package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MarkusJohansen/faxing/internal/clock"
	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
)

// SessionLister lists committed sessions
type SessionLister interface {
	List() []*domain.Session
}

// SessionReaper ends and removes sessions on the sweeper's behalf. The
// predicates are re-evaluated under the session lock.
type SessionReaper interface {
	ExpireIf(ctx context.Context, code string, expired func(*domain.Session) bool) (bool, error)
	ResetIf(ctx context.Context, code string, stale func(*domain.Session) bool) (bool, error)
	Schedule() clock.Schedule
}

// SweepResult counts what a sweep did
type SweepResult struct {
	Expired int
	Removed int
	Errors  int
}

// Sweeper ends games whose clock ran out and removes finished or
// abandoned sessions
type Sweeper struct {
	sessions SessionLister
	reaper   SessionReaper
	clock    clock.Clock
	config   *config.SweeperConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a new sweeper
func NewSweeper(
	sessions SessionLister,
	reaper SessionReaper,
	clk clock.Clock,
	cfg *config.SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		reaper:   reaper,
		clock:    clk,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins sweeping in the background
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sweeper started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sweep and waits for it to return
func (w *Sweeper) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Info("sweeper stopped")
	return nil
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep
func (w *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var result SweepResult
	startTime := w.clock.Now()
	schedule := w.reaper.Schedule()

	expired := func(s *domain.Session) bool {
		return s.State == domain.StateStarted && schedule.Expired(s, w.clock.Now())
	}
	stale := func(s *domain.Session) bool {
		return w.stale(s, w.clock.Now())
	}

	for _, sess := range w.sessions.List() {
		if ctx.Err() != nil {
			break
		}

		switch {
		case expired(sess):
			ok, err := w.reaper.ExpireIf(ctx, sess.Code, expired)
			if err != nil {
				result.Errors++
				w.logger.Error("failed to expire session", "session", sess.Code, "error", err)
				continue
			}
			if ok {
				result.Expired++
			}

		case stale(sess):
			ok, err := w.reaper.ResetIf(ctx, sess.Code, stale)
			if err != nil {
				result.Errors++
				w.logger.Error("failed to remove session", "session", sess.Code, "error", err)
				continue
			}
			if ok {
				result.Removed++
			}
		}
	}

	if result.Expired > 0 || result.Removed > 0 || result.Errors > 0 {
		w.logger.Info("sweep completed",
			"expired", result.Expired,
			"removed", result.Removed,
			"errors", result.Errors,
			"duration", w.clock.Since(startTime),
		)
	}
	return result
}

// stale reports whether a session has outlived its retention
func (w *Sweeper) stale(s *domain.Session, now time.Time) bool {
	switch s.State {
	case domain.StateCompleted:
		if w.config.CompletedRetention <= 0 || s.CompletedAt == nil {
			return false
		}
		return now.Sub(*s.CompletedAt) >= w.config.CompletedRetention
	case domain.StateCreated:
		if w.config.LobbyTTL <= 0 {
			return false
		}
		return now.Sub(s.CreatedAt) >= w.config.LobbyTTL
	default:
		return false
	}
}
