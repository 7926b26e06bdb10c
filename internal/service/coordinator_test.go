package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkusJohansen/faxing/internal/archive"
	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/MarkusJohansen/faxing/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	coord  *Coordinator
	store  *store.Store
	sink   *archive.FileSink
	dir    string
	clock  *clockwork.FakeClock
	events *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *recorder) Notify(ctx context.Context, ev domain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

type failingNotifier struct{}

func (failingNotifier) Notify(ctx context.Context, ev domain.SessionEvent) error {
	return errors.New("broker down")
}

type failingSink struct{}

func (failingSink) WriteArchive(ctx context.Context, name string, rec *domain.ArchiveRecord) error {
	return errors.New("read-only file system")
}

// togglePersister fails writes while fail is set
type togglePersister struct {
	store.MemoryPersister
	fail atomic.Bool
}

func (p *togglePersister) SaveSession(ctx context.Context, s *domain.Session) error {
	if p.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := harnessOptions{persister: store.MemoryPersister{}}
	for _, opt := range opts {
		opt(&o)
	}

	fc := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	fileSink, err := archive.NewFileSink(dir)
	require.NoError(t, err)

	var sink archive.Sink = fileSink
	if o.sink != nil {
		sink = o.sink
	}

	logger := discardLogger()
	st := store.New(o.persister, time.Second, logger)
	cfg := config.DefaultConfig().Game
	cfg.Countdown = 10 * time.Second
	cfg.Duration = time.Minute

	coord := NewCoordinator(st, archive.New(sink, fc, "leaderboard", logger), fc, cfg, logger)
	rec := &recorder{}
	coord.AddNotifier(rec)

	return &harness{coord: coord, store: st, sink: fileSink, dir: dir, clock: fc, events: rec}
}

type harnessOptions struct {
	persister store.Persister
	sink      archive.Sink
}

func withPersister(p store.Persister) func(*harnessOptions) {
	return func(o *harnessOptions) { o.persister = p }
}

func withSink(s archive.Sink) func(*harnessOptions) {
	return func(o *harnessOptions) { o.sink = s }
}

func (h *harness) create(t *testing.T, players ...string) string {
	t.Helper()
	code, err := h.coord.CreateSession(context.Background(), "host")
	require.NoError(t, err)
	for _, p := range players {
		require.NoError(t, h.coord.JoinSession(context.Background(), code, p))
	}
	return code
}

func (h *harness) archiveFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code, err := h.coord.CreateSession(ctx, "host")
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, r := range code {
		assert.Contains(t, h.coord.cfg.CodeAlphabet, string(r))
	}

	view, err := h.coord.PollSessionState(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, view.State)
	assert.Equal(t, domain.PhaseLobby, view.Phase)
	assert.Empty(t, view.Players)
	assert.Equal(t, []domain.EventType{domain.EventSessionCreated}, h.events.types())
}

func TestCreateSessionRetriesCollisions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	i := 0
	h.coord.newCode = func() (string, error) {
		code := codes[i]
		i++
		return code, nil
	}

	first, err := h.coord.CreateSession(ctx, "host")
	require.NoError(t, err)
	second, err := h.coord.CreateSession(ctx, "host")
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first)
	assert.Equal(t, "BBBBBB", second)
}

func TestCreateSessionCodeSpaceExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.newCode = func() (string, error) { return "AAAAAA", nil }

	_, err := h.coord.CreateSession(ctx, "host")
	require.NoError(t, err)

	_, err = h.coord.CreateSession(ctx, "host")
	assert.ErrorIs(t, err, domain.ErrCodeSpaceExhausted)
	assert.Equal(t, domain.KindResourceExhausted, domain.KindOf(err))
}

func TestConcurrentCreateYieldsUniqueCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 200
	codes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := h.coord.CreateSession(ctx, "host")
			assert.NoError(t, err)
			codes[i] = code
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, code := range codes {
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
	assert.Equal(t, n, h.store.Len())
}

func TestJoinSession(t *testing.T) {
	ctx := context.Background()

	t.Run("case-insensitive name conflict", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "Alice")

		err := h.coord.JoinSession(ctx, code, "alice")
		assert.ErrorIs(t, err, domain.ErrNameTaken)
		assert.Equal(t, domain.KindConflict, domain.KindOf(err))

		players, err := h.coord.ListPlayers(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice"}, players)
	})

	t.Run("code is case-insensitive", func(t *testing.T) {
		h := newHarness(t)
		h.coord.newCode = func() (string, error) { return "ABC234", nil }
		code := h.create(t)

		require.NoError(t, h.coord.JoinSession(ctx, " abc234 ", "Bob"))
		players, err := h.coord.ListPlayers(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, []string{"Bob"}, players)
	})

	t.Run("trims names", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "  Carol  ")
		players, err := h.coord.ListPlayers(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, []string{"Carol"}, players)
	})

	tests := []struct {
		name   string
		player string
		target error
	}{
		{"empty name", "", domain.ErrInvalidName},
		{"whitespace name", "   ", domain.ErrInvalidName},
		{"too long", "abcdefghijklmnopqrstuvwxyzabcdefg", domain.ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			code := h.create(t)
			err := h.coord.JoinSession(ctx, code, tt.player)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
		})
	}

	t.Run("unknown session", func(t *testing.T) {
		h := newHarness(t)
		err := h.coord.JoinSession(ctx, "ZZZZZZ", "Alice")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("after start", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "Alice")
		require.NoError(t, h.coord.StartSession(ctx, code))

		err := h.coord.JoinSession(ctx, code, "Bob")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "game already started")
	})
}

func TestConcurrentJoinSameName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.create(t)

	variants := []string{"Alice", "alice", "ALICE", "aLiCe", " alice "}
	const rounds = 10

	var wg sync.WaitGroup
	var ok, conflict atomic.Int32
	for i := 0; i < rounds; i++ {
		for _, v := range variants {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				err := h.coord.JoinSession(ctx, code, name)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, domain.ErrNameTaken):
					conflict.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(v)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(rounds*len(variants)-1), conflict.Load())

	players, err := h.coord.ListPlayers(ctx, code)
	require.NoError(t, err)
	assert.Len(t, players, 1)
}

func TestConcurrentJoinDistinctNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.create(t)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.coord.JoinSession(ctx, code, fmt.Sprintf("player-%d", i)))
		}(i)
	}
	wg.Wait()

	players, err := h.coord.ListPlayers(ctx, code)
	require.NoError(t, err)
	assert.Len(t, players, n)
}

func TestStartSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.create(t, "Alice")

	require.NoError(t, h.coord.StartSession(ctx, code))

	err := h.coord.StartSession(ctx, code)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "start")
	assert.Contains(t, err.Error(), "started")

	assert.ErrorIs(t, h.coord.StartSession(ctx, "ZZZZZZ"), domain.ErrSessionNotFound)
}

func TestPollSessionStatePhases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.create(t, "Alice")
	require.NoError(t, h.coord.StartSession(ctx, code))

	h.clock.Advance(3 * time.Second)
	view, err := h.coord.PollSessionState(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCountdown, view.Phase)
	assert.Equal(t, int64(7000), view.CountdownRemainingMs)

	h.clock.Advance(17 * time.Second)
	view, err = h.coord.PollSessionState(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRunning, view.Phase)
	assert.Equal(t, int64(50000), view.TimeRemainingMs)

	h.clock.Advance(time.Minute)
	view, err = h.coord.PollSessionState(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTimeUp, view.Phase)
	assert.Equal(t, domain.StateStarted, view.State)

	_, err = h.coord.PollSessionState(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSubmitCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("before start", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "Bob")

		_, err := h.coord.SubmitCompletion(ctx, code, "Bob", 1000)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.KindInvalidState, domain.KindOf(err))
		assert.Contains(t, err.Error(), "submit completion")
		assert.Contains(t, err.Error(), "created")
	})

	t.Run("duplicate keeps first time", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "Bob")
		require.NoError(t, h.coord.StartSession(ctx, code))

		ranking, err := h.coord.SubmitCompletion(ctx, code, "Bob", 2345)
		require.NoError(t, err)
		require.Len(t, ranking, 1)

		_, err = h.coord.SubmitCompletion(ctx, code, "bob", 9999)
		assert.ErrorIs(t, err, domain.ErrAlreadySubmitted)
		assert.NotErrorIs(t, err, domain.ErrNameTaken)

		view, err := h.coord.PollSessionState(ctx, code)
		require.NoError(t, err)
		ms, done := view.Players[0].Completion.Millis()
		assert.True(t, done)
		assert.Equal(t, int64(2345), ms)
	})

	t.Run("poll reflects submission", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "A", "B", "C")
		require.NoError(t, h.coord.StartSession(ctx, code))

		_, err := h.coord.SubmitCompletion(ctx, code, "A", 1000)
		require.NoError(t, err)
		ranking, err := h.coord.SubmitCompletion(ctx, code, "C", 500)
		require.NoError(t, err)

		view, err := h.coord.PollSessionState(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, ranking, view.Ranking)
		assert.Equal(t, "C", view.Ranking[0].PlayerName)
		assert.Equal(t, "A", view.Ranking[1].PlayerName)
		assert.Equal(t, "B", view.Ranking[2].PlayerName)
		require.NotNil(t, view.Leader)
		assert.Equal(t, "C", view.Leader.PlayerName)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "Bob")
		require.NoError(t, h.coord.StartSession(ctx, code))

		_, err := h.coord.SubmitCompletion(ctx, code, "Bob", -1)
		assert.ErrorIs(t, err, domain.ErrInvalidElapsed)

		_, err = h.coord.SubmitCompletion(ctx, code, "Nobody", 10)
		assert.ErrorIs(t, err, domain.ErrPlayerNotFound)

		_, err = h.coord.SubmitCompletion(ctx, "ZZZZZZ", "Bob", 10)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("zero is a valid time", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "Bob")
		require.NoError(t, h.coord.StartSession(ctx, code))
		_, err := h.coord.SubmitCompletion(ctx, code, "Bob", 0)
		require.NoError(t, err)
	})
}

func TestConcurrentSubmitSamePlayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.create(t, "Bob")
	require.NoError(t, h.coord.StartSession(ctx, code))

	const n = 25
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.coord.SubmitCompletion(ctx, code, "Bob", int64(1000+i)); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrAlreadySubmitted)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestEndGame(t *testing.T) {
	ctx := context.Background()

	t.Run("archives winner", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "A", "B")
		require.NoError(t, h.coord.StartSession(ctx, code))
		_, err := h.coord.SubmitCompletion(ctx, code, "A", 3000)
		require.NoError(t, err)
		_, err = h.coord.SubmitCompletion(ctx, code, "B", 1500)
		require.NoError(t, err)

		name, err := h.coord.EndGame(ctx, code)
		require.NoError(t, err)
		require.NotEmpty(t, name)

		rec, err := h.sink.ReadArchive(name)
		require.NoError(t, err)
		require.NotNil(t, rec.Winner)
		assert.Equal(t, "B", rec.Winner.PlayerName)
		assert.Equal(t, 2, rec.TotalParticipants)
		assert.Equal(t, domain.ReasonGameOver, rec.Reason)

		view, err := h.coord.PollSessionState(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, view.State)
		assert.Equal(t, domain.PhaseFinished, view.Phase)
		assert.Equal(t, name, view.ArchiveName)

		// ending twice is a no-op returning the same archive
		again, err := h.coord.EndGame(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, name, again)
		assert.Len(t, h.archiveFiles(t), 1)

		_, err = h.coord.SubmitCompletion(ctx, code, "A", 10)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("zero participants writes nothing", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t)

		name, err := h.coord.EndGame(ctx, code)
		require.NoError(t, err)
		assert.Empty(t, name)
		assert.Empty(t, h.archiveFiles(t))

		view, err := h.coord.PollSessionState(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, view.State)
	})

	t.Run("absent session is a no-op", func(t *testing.T) {
		h := newHarness(t)
		name, err := h.coord.EndGame(ctx, "ZZZZZZ")
		require.NoError(t, err)
		assert.Empty(t, name)
	})

	t.Run("archive failure leaves session started", func(t *testing.T) {
		h := newHarness(t, withSink(failingSink{}))
		code := h.create(t, "A")
		require.NoError(t, h.coord.StartSession(ctx, code))

		_, err := h.coord.EndGame(ctx, code)
		assert.ErrorIs(t, err, domain.ErrArchiveWrite)
		assert.Equal(t, domain.KindInternal, domain.KindOf(err))

		view, err := h.coord.PollSessionState(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, domain.StateStarted, view.State)
	})

	t.Run("time up uses its own reason", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "A")
		require.NoError(t, h.coord.StartSession(ctx, code))

		name, err := h.coord.ExpireGame(ctx, code)
		require.NoError(t, err)
		rec, err := h.sink.ReadArchive(name)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonTimeUp, rec.Reason)
		assert.Nil(t, rec.Winner)
	})
}

func TestResetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("archives and removes", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "A")

		require.NoError(t, h.coord.ResetSession(ctx, code))
		assert.Len(t, h.archiveFiles(t), 1)

		_, err := h.coord.PollSessionState(ctx, code)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("does not archive twice after game over", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t, "A")
		require.NoError(t, h.coord.StartSession(ctx, code))
		_, err := h.coord.EndGame(ctx, code)
		require.NoError(t, err)

		h.clock.Advance(5 * time.Second)
		require.NoError(t, h.coord.ResetSession(ctx, code))
		assert.Len(t, h.archiveFiles(t), 1)
		assert.False(t, h.store.Exists(code))
	})

	t.Run("empty session is removed without archive", func(t *testing.T) {
		h := newHarness(t)
		code := h.create(t)
		require.NoError(t, h.coord.ResetSession(ctx, code))
		assert.Empty(t, h.archiveFiles(t))
		assert.False(t, h.store.Exists(code))
	})

	t.Run("absent session is a no-op", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.coord.ResetSession(ctx, "ZZZZZZ"))
	})

	t.Run("archive failure keeps session", func(t *testing.T) {
		h := newHarness(t, withSink(failingSink{}))
		code := h.create(t, "A")
		err := h.coord.ResetSession(ctx, code)
		assert.ErrorIs(t, err, domain.ErrArchiveWrite)
		assert.True(t, h.store.Exists(code))
	})
}

func TestTerminateSessionRejectsUnknownReason(t *testing.T) {
	h := newHarness(t)
	code := h.create(t, "A")
	_, err := h.coord.TerminateSession(context.Background(), code, domain.TerminationReason("bored"))
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	p := &togglePersister{}
	h := newHarness(t, withPersister(p))
	ctx := context.Background()
	code := h.create(t, "Alice")

	p.fail.Store(true)
	err := h.coord.JoinSession(ctx, code, "Bob")
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))

	players, err := h.coord.ListPlayers(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, players)

	// the lock was released and the next attempt succeeds
	p.fail.Store(false)
	require.NoError(t, h.coord.JoinSession(ctx, code, "Bob"))
}

func TestNotifications(t *testing.T) {
	h := newHarness(t)
	h.coord.AddNotifier(failingNotifier{})
	ctx := context.Background()

	code := h.create(t, "Alice")
	require.NoError(t, h.coord.StartSession(ctx, code))
	_, err := h.coord.SubmitCompletion(ctx, code, "alice", 1200)
	require.NoError(t, err)
	_, err = h.coord.EndGame(ctx, code)
	require.NoError(t, err)
	require.NoError(t, h.coord.ResetSession(ctx, code))

	assert.Equal(t, []domain.EventType{
		domain.EventSessionCreated,
		domain.EventPlayerJoined,
		domain.EventSessionStarted,
		domain.EventCompletionSubmitted,
		domain.EventSessionCompleted,
		domain.EventSessionReset,
	}, h.events.types())

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	submitted := h.events.events[3]
	assert.Equal(t, "Alice", submitted.PlayerName)
	require.NotNil(t, submitted.ElapsedMs)
	assert.Equal(t, int64(1200), *submitted.ElapsedMs)
	require.NotNil(t, submitted.View)
	assert.Equal(t, code, submitted.View.Code)

	reset := h.events.events[5]
	assert.Equal(t, code, reset.SessionCode)
	assert.Nil(t, reset.View)
}
