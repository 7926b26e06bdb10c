package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")

	p, err := NewFilePersister(path)
	require.NoError(t, err)

	loaded, err := p.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	s := New(p, 0, discardLogger())
	require.NoError(t, s.Load(ctx))

	_, err = s.CreateIfAbsent(ctx, domain.NewSession("AAAA22", "host", testNow))
	require.NoError(t, err)
	_, err = s.CreateIfAbsent(ctx, domain.NewSession("BBBB33", "host", testNow))
	require.NoError(t, err)

	err = s.WithLock(ctx, "AAAA22", func(d *domain.Session) (Action, error) {
		d.AddPlayer("Bob", testNow)
		d.Start(testNow)
		p, _ := d.Player("bob")
		p.Completion = domain.CompletedIn(2345)
		return Save, nil
	})
	require.NoError(t, err)

	err = s.WithLock(ctx, "BBBB33", func(d *domain.Session) (Action, error) {
		return Remove, nil
	})
	require.NoError(t, err)

	// a fresh process sees the same map
	p2, err := NewFilePersister(path)
	require.NoError(t, err)
	restored := New(p2, 0, discardLogger())
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, 1, restored.Len())
	got, err := restored.Get(ctx, "AAAA22")
	require.NoError(t, err)
	assert.Equal(t, domain.StateStarted, got.State)
	bob, ok := got.Player("BOB")
	require.True(t, ok)
	ms, done := bob.Completion.Millis()
	assert.True(t, done)
	assert.Equal(t, int64(2345), ms)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFilePersisterCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	p, err := NewFilePersister(path)
	require.NoError(t, err)
	_, err = p.LoadSessions(context.Background())
	assert.Error(t, err)
}

func TestFilePersisterWriteFailureRestoresMap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	p, err := NewFilePersister(path)
	require.NoError(t, err)

	require.NoError(t, p.SaveSession(ctx, domain.NewSession("AAAA22", "host", testNow)))

	// make the directory unwritable by replacing it with a file path
	p.path = filepath.Join(dir, "missing", "sessions.json")
	err = p.SaveSession(ctx, domain.NewSession("BBBB33", "host", testNow))
	assert.Error(t, err)
	assert.Len(t, p.sessions, 1)
}
