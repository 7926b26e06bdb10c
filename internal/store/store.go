// Package store owns every live session. Mutations against one session are
// serialized by a per-session lock and flushed to a Persister before they
// become visible; reads see the last committed version only.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarkusJohansen/faxing/internal/domain"
)

// Persister durably stores sessions
type Persister interface {
	LoadSessions(ctx context.Context) ([]*domain.Session, error)
	SaveSession(ctx context.Context, s *domain.Session) error
	DeleteSession(ctx context.Context, code string) error
}

// Action tells WithLock what to do with the mutated session
type Action int

const (
	// Keep discards the draft; nothing is persisted
	Keep Action = iota
	// Save persists the draft and commits it
	Save
	// Remove deletes the session
	Remove
)

// MutateFunc edits a private draft of a session. Returning an error
// discards the draft.
type MutateFunc func(draft *domain.Session) (Action, error)

// Store is the keyed session collection
type Store struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	persister    Persister
	writeTimeout time.Duration
	logger       *slog.Logger
}

type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.Session]
	removed bool // guarded by mu
}

// New creates a store backed by persister. writeTimeout bounds every
// persister call made while a session lock is held.
func New(persister Persister, writeTimeout time.Duration, logger *slog.Logger) *Store {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Store{
		entries:      make(map[string]*entry),
		persister:    persister,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Load restores persisted sessions. Call once before serving requests.
func (s *Store) Load(ctx context.Context) error {
	sessions, err := s.persister.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		e := &entry{}
		e.current.Store(sess.Clone())
		s.entries[sess.Code] = e
	}

	s.logger.Info("sessions restored", "count", len(sessions))
	return nil
}

func (s *Store) lookup(code string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[code]
}

// Get returns a copy of the last committed version of a session
func (s *Store) Get(ctx context.Context, code string) (*domain.Session, error) {
	e := s.lookup(code)
	if e == nil {
		return nil, domain.ErrSessionNotFound
	}
	cur := e.current.Load()
	if cur == nil {
		return nil, domain.ErrSessionNotFound
	}
	return cur.Clone(), nil
}

// Exists reports whether a live session uses code
func (s *Store) Exists(code string) bool {
	return s.lookup(code) != nil
}

// CreateIfAbsent persists sess unless its code is already taken. It
// returns false without error on a collision.
func (s *Store) CreateIfAbsent(ctx context.Context, sess *domain.Session) (bool, error) {
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.entries[sess.Code]; exists {
		s.mu.Unlock()
		return false, nil
	}
	s.entries[sess.Code] = e
	s.mu.Unlock()

	committed := sess.Clone()
	err := s.persist(ctx, func(pctx context.Context) error {
		return s.persister.SaveSession(pctx, committed)
	})
	if err != nil {
		e.removed = true
		s.drop(sess.Code, e)
		return false, domain.Wrap(domain.ErrPersistence, err)
	}

	e.current.Store(committed)
	return true, nil
}

// WithLock runs fn against a draft of the session while holding the
// session's lock, then applies the returned action. Persistence happens
// before the lock is released and before the draft becomes visible.
func (s *Store) WithLock(ctx context.Context, code string, fn MutateFunc) error {
	e := s.lookup(code)
	if e == nil {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.current.Load()
	if e.removed || cur == nil {
		return domain.ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	draft := cur.Clone()
	action, err := fn(draft)
	if err != nil {
		return err
	}

	switch action {
	case Save:
		err := s.persist(ctx, func(pctx context.Context) error {
			return s.persister.SaveSession(pctx, draft)
		})
		if err != nil {
			return domain.Wrap(domain.ErrPersistence, err)
		}
		e.current.Store(draft)

	case Remove:
		err := s.persist(ctx, func(pctx context.Context) error {
			return s.persister.DeleteSession(pctx, code)
		})
		if err != nil {
			return domain.Wrap(domain.ErrPersistence, err)
		}
		e.removed = true
		e.current.Store(nil)
		s.drop(code, e)
	}

	return nil
}

// persist detaches the write from the caller's cancellation so an abandoned
// request cannot leave a half-applied mutation, but still bounds it.
func (s *Store) persist(ctx context.Context, write func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	return write(pctx)
}

func (s *Store) drop(code string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[code] == e {
		delete(s.entries, code)
	}
}

// List returns copies of all committed sessions, oldest first
func (s *Store) List() []*domain.Session {
	s.mu.RLock()
	sessions := make([]*domain.Session, 0, len(s.entries))
	for _, e := range s.entries {
		if cur := e.current.Load(); cur != nil {
			sessions = append(sessions, cur.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].Code < sessions[j].Code
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
