// Package service implements the session coordinator: the state machine
// that validates and applies every session operation under the session's
// lock.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarkusJohansen/faxing/internal/archive"
	"github.com/MarkusJohansen/faxing/internal/clock"
	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/MarkusJohansen/faxing/internal/ranking"
	"github.com/MarkusJohansen/faxing/internal/store"
)

const (
	archiveTimeout = 10 * time.Second
	notifyTimeout  = 5 * time.Second
)

// Notifier receives an event after every committed mutation
type Notifier interface {
	Notify(ctx context.Context, event domain.SessionEvent) error
}

// Coordinator applies session operations
type Coordinator struct {
	store    *store.Store
	archiver *archive.Archiver
	clock    clock.Clock
	schedule clock.Schedule
	cfg      config.GameConfig
	logger   *slog.Logger

	newCode func() (string, error)

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewCoordinator creates a coordinator over st
func NewCoordinator(
	st *store.Store,
	archiver *archive.Archiver,
	clk clock.Clock,
	cfg config.GameConfig,
	logger *slog.Logger,
) *Coordinator {
	c := &Coordinator{
		store:    st,
		archiver: archiver,
		clock:    clk,
		schedule: clock.Schedule{Countdown: cfg.Countdown, Duration: cfg.Duration},
		cfg:      cfg,
		logger:   logger,
	}
	c.newCode = c.randomCode
	return c
}

// AddNotifier registers n for session events
func (c *Coordinator) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

// Schedule returns the countdown and game duration in effect
func (c *Coordinator) Schedule() clock.Schedule {
	return c.schedule
}

// NormalizeCode canonicalizes a user-typed session code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateSession allocates a fresh code and stores an empty session
func (c *Coordinator) CreateSession(ctx context.Context, requesterID string) (string, error) {
	for attempt := 0; attempt < c.cfg.MaxCodeAttempts; attempt++ {
		code, err := c.newCode()
		if err != nil {
			return "", domain.Wrap(domain.ErrInternal, fmt.Errorf("generating session code: %w", err))
		}

		sess := domain.NewSession(code, requesterID, c.clock.Now())
		created, err := c.store.CreateIfAbsent(ctx, sess)
		if err != nil {
			return "", err
		}
		if !created {
			c.logger.Debug("session code collision", "code", code, "attempt", attempt+1)
			continue
		}

		c.logger.Info("session created", "session", code, "requester", requesterID)
		c.notify(ctx, domain.EventSessionCreated, sess, func(ev *domain.SessionEvent) {})
		return code, nil
	}

	c.logger.Error("session code space exhausted", "attempts", c.cfg.MaxCodeAttempts)
	return "", domain.ErrCodeSpaceExhausted
}

func (c *Coordinator) randomCode() (string, error) {
	alphabet := c.cfg.CodeAlphabet
	size := big.NewInt(int64(len(alphabet)))
	code := make([]byte, c.cfg.CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code), nil
}

func (c *Coordinator) validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.WithMessage(domain.ErrInvalidName, "player name is required")
	}
	if utf8.RuneCountInString(name) > c.cfg.MaxNameLength {
		return "", domain.WithMessage(domain.ErrInvalidName, "player name must be at most %d characters", c.cfg.MaxNameLength)
	}
	return name, nil
}

// JoinSession adds a player to a session that has not started
func (c *Coordinator) JoinSession(ctx context.Context, code, name string) error {
	code = NormalizeCode(code)
	name, err := c.validateName(name)
	if err != nil {
		return err
	}

	var committed *domain.Session
	err = c.store.WithLock(ctx, code, func(draft *domain.Session) (store.Action, error) {
		if draft.State != domain.StateCreated {
			return store.Keep, domain.InvalidTransition("join", draft.State)
		}
		if draft.HasPlayer(name) {
			return store.Keep, domain.WithMessage(domain.ErrNameTaken, "name %q is already taken in this session", name)
		}
		draft.AddPlayer(name, c.clock.Now())
		committed = draft
		return store.Save, nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("player joined", "session", code, "player", name)
	c.notify(ctx, domain.EventPlayerJoined, committed, func(ev *domain.SessionEvent) {
		ev.PlayerName = name
	})
	return nil
}

// ListPlayers returns player names in join order
func (c *Coordinator) ListPlayers(ctx context.Context, code string) ([]string, error) {
	sess, err := c.store.Get(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	return sess.PlayerNames(), nil
}

// StartSession starts the countdown. A session starts once.
func (c *Coordinator) StartSession(ctx context.Context, code string) error {
	code = NormalizeCode(code)

	var committed *domain.Session
	err := c.store.WithLock(ctx, code, func(draft *domain.Session) (store.Action, error) {
		if draft.State != domain.StateCreated {
			return store.Keep, domain.InvalidTransition("start", draft.State)
		}
		draft.Start(c.clock.Now())
		committed = draft
		return store.Save, nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("session started", "session", code, "players", len(committed.Players))
	c.notify(ctx, domain.EventSessionStarted, committed, func(ev *domain.SessionEvent) {})
	return nil
}

// PollSessionState returns the last committed state of a session. It has
// no side effects.
func (c *Coordinator) PollSessionState(ctx context.Context, code string) (*domain.SessionView, error) {
	sess, err := c.store.Get(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	return c.view(sess), nil
}

// SubmitCompletion records a player's elapsed time and returns the new
// ranking. Each player submits once.
func (c *Coordinator) SubmitCompletion(ctx context.Context, code, name string, elapsedMillis int64) ([]domain.LeaderboardEntry, error) {
	code = NormalizeCode(code)
	if elapsedMillis < 0 {
		return nil, domain.WithMessage(domain.ErrInvalidElapsed, "completion time must not be negative, got %d", elapsedMillis)
	}

	var committed *domain.Session
	var displayName string
	err := c.store.WithLock(ctx, code, func(draft *domain.Session) (store.Action, error) {
		if draft.State != domain.StateStarted {
			return store.Keep, domain.InvalidTransition("submit completion", draft.State)
		}
		p, ok := draft.Player(name)
		if !ok {
			return store.Keep, domain.WithMessage(domain.ErrPlayerNotFound, "player %q is not in session %s", strings.TrimSpace(name), code)
		}
		if !p.Completion.IsPending() {
			return store.Keep, domain.WithMessage(domain.ErrAlreadySubmitted, "%s already submitted a completion time", p.Name)
		}
		now := c.clock.Now()
		p.Completion = domain.CompletedIn(elapsedMillis)
		p.CompletedAt = &now
		displayName = p.Name
		committed = draft
		return store.Save, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("completion submitted", "session", code, "player", displayName, "elapsed_ms", elapsedMillis)
	c.notify(ctx, domain.EventCompletionSubmitted, committed, func(ev *domain.SessionEvent) {
		ev.PlayerName = displayName
		ev.ElapsedMs = &elapsedMillis
	})
	return ranking.Rank(committed.Players), nil
}

// TerminateSession ends a session and returns the archive name, if one was
// written. Ending an absent or already completed session is a no-op.
func (c *Coordinator) TerminateSession(ctx context.Context, code string, reason domain.TerminationReason) (string, error) {
	return c.terminate(ctx, NormalizeCode(code), reason, nil)
}

// terminate ends the session if guard, evaluated under the session lock,
// accepts it. A nil guard accepts every session.
func (c *Coordinator) terminate(ctx context.Context, code string, reason domain.TerminationReason, guard func(*domain.Session) bool) (string, error) {
	switch reason {
	case domain.ReasonGameOver, domain.ReasonTimeUp, domain.ReasonReset:
	default:
		return "", domain.WithMessage(domain.ErrInvalidRequest, "unknown termination reason %q", reason)
	}

	var (
		committed   *domain.Session
		archiveName string
		changed     bool
	)
	err := c.store.WithLock(ctx, code, func(draft *domain.Session) (store.Action, error) {
		if guard != nil && !guard(draft) {
			archiveName = draft.ArchiveName
			return store.Keep, nil
		}
		if reason.Removes() {
			archiveName = draft.ArchiveName
			if archiveName == "" {
				name, err := c.archive(ctx, draft, reason)
				if err != nil {
					return store.Keep, err
				}
				archiveName = name
			}
			changed = true
			return store.Remove, nil
		}

		if draft.State == domain.StateCompleted {
			archiveName = draft.ArchiveName
			return store.Keep, nil
		}
		name, err := c.archive(ctx, draft, reason)
		if err != nil {
			return store.Keep, err
		}
		draft.Complete(c.clock.Now(), name)
		archiveName = name
		committed = draft
		changed = true
		return store.Save, nil
	})
	if errors.Is(err, domain.ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return archiveName, nil
	}

	if reason.Removes() {
		c.logger.Info("session reset", "session", code, "archive", archiveName)
		c.notify(ctx, domain.EventSessionReset, nil, func(ev *domain.SessionEvent) {
			ev.SessionCode = code
			ev.ArchiveName = archiveName
		})
		return archiveName, nil
	}

	c.logger.Info("session completed", "session", code, "reason", reason, "archive", archiveName)
	c.notify(ctx, domain.EventSessionCompleted, committed, func(ev *domain.SessionEvent) {
		ev.ArchiveName = archiveName
	})
	return archiveName, nil
}

// EndGame terminates a session because the host ended it
func (c *Coordinator) EndGame(ctx context.Context, code string) (string, error) {
	return c.TerminateSession(ctx, code, domain.ReasonGameOver)
}

// ExpireGame terminates a session whose game clock ran out
func (c *Coordinator) ExpireGame(ctx context.Context, code string) (string, error) {
	return c.TerminateSession(ctx, code, domain.ReasonTimeUp)
}

// ResetSession archives a session if needed and removes it
func (c *Coordinator) ResetSession(ctx context.Context, code string) error {
	_, err := c.TerminateSession(ctx, code, domain.ReasonReset)
	return err
}

// ResetIf resets the session only if stale accepts its current committed
// state. It reports whether the session was removed.
func (c *Coordinator) ResetIf(ctx context.Context, code string, stale func(*domain.Session) bool) (bool, error) {
	removed := false
	_, err := c.terminate(ctx, NormalizeCode(code), domain.ReasonReset, func(s *domain.Session) bool {
		removed = stale(s)
		return removed
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ExpireIf ends the game with reason time_up only if expired accepts its
// current committed state
func (c *Coordinator) ExpireIf(ctx context.Context, code string, expired func(*domain.Session) bool) (bool, error) {
	ended := false
	_, err := c.terminate(ctx, NormalizeCode(code), domain.ReasonTimeUp, func(s *domain.Session) bool {
		ended = s.State != domain.StateCompleted && expired(s)
		return ended
	})
	if err != nil {
		return false, err
	}
	return ended, nil
}

func (c *Coordinator) archive(ctx context.Context, sess *domain.Session, reason domain.TerminationReason) (string, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	return c.archiver.Archive(actx, sess, reason)
}

func (c *Coordinator) view(sess *domain.Session) *domain.SessionView {
	status := c.schedule.StatusAt(sess, c.clock.Now())
	entries := ranking.Rank(sess.Players)

	players := make([]domain.PlayerView, len(sess.Players))
	for i, p := range sess.Players {
		players[i] = domain.PlayerView{Name: p.Name, Completion: p.Completion}
	}

	v := &domain.SessionView{
		Code:                 sess.Code,
		State:                sess.State,
		Phase:                status.Phase,
		CreatedAt:            sess.CreatedAt,
		StartedAt:            sess.StartedAt,
		CompletedAt:          sess.CompletedAt,
		CountdownRemainingMs: status.CountdownRemaining.Milliseconds(),
		TimeRemainingMs:      status.TimeRemaining.Milliseconds(),
		Players:              players,
		Ranking:              entries,
		ArchiveName:          sess.ArchiveName,
	}
	if leader, ok := ranking.Leader(entries); ok {
		v.Leader = &leader
	}
	return v
}

// notify fans an event out to every notifier. Failures are logged only.
func (c *Coordinator) notify(ctx context.Context, typ domain.EventType, sess *domain.Session, fill func(*domain.SessionEvent)) {
	c.mu.RLock()
	notifiers := c.notifiers
	c.mu.RUnlock()
	if len(notifiers) == 0 {
		return
	}

	ev := domain.SessionEvent{
		Type:       typ,
		OccurredAt: c.clock.Now(),
	}
	if sess != nil {
		ev.SessionCode = sess.Code
		ev.View = c.view(sess)
	}
	fill(&ev)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	for _, n := range notifiers {
		if err := n.Notify(nctx, ev); err != nil {
			c.logger.Warn("failed to deliver session event",
				"session", ev.SessionCode,
				"event", ev.Type,
				"error", err,
			)
		}
	}
}
