package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/MarkusJohansen/faxing/internal/domain"
)

// MemoryPersister keeps nothing; sessions live only as long as the process
type MemoryPersister struct{}

func (MemoryPersister) LoadSessions(ctx context.Context) ([]*domain.Session, error) {
	return nil, nil
}

func (MemoryPersister) SaveSession(ctx context.Context, s *domain.Session) error {
	return nil
}

func (MemoryPersister) DeleteSession(ctx context.Context, code string) error {
	return nil
}

// FilePersister writes the whole session map to a single JSON file after
// every mutation. The file is replaced atomically, so a crash leaves either
// the previous or the new map on disk.
type FilePersister struct {
	path     string
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

type sessionFile struct {
	Version  int               `json:"version"`
	Sessions []*domain.Session `json:"sessions"`
}

// NewFilePersister creates the parent directory of path if needed
func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FilePersister{
		path:     path,
		sessions: make(map[string]*domain.Session),
	}, nil
}

// LoadSessions reads the session file. A missing file is an empty map.
func (p *FilePersister) LoadSessions(ctx context.Context) ([]*domain.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}

	p.sessions = make(map[string]*domain.Session, len(file.Sessions))
	for _, s := range file.Sessions {
		p.sessions[s.Code] = s
	}
	return file.Sessions, nil
}

// SaveSession stores s and rewrites the file
func (p *FilePersister) SaveSession(ctx context.Context, s *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, had := p.sessions[s.Code]
	p.sessions[s.Code] = s.Clone()
	if err := p.flush(); err != nil {
		if had {
			p.sessions[s.Code] = prev
		} else {
			delete(p.sessions, s.Code)
		}
		return err
	}
	return nil
}

// DeleteSession removes code and rewrites the file
func (p *FilePersister) DeleteSession(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, had := p.sessions[code]
	if !had {
		return nil
	}
	delete(p.sessions, code)
	if err := p.flush(); err != nil {
		p.sessions[code] = prev
		return err
	}
	return nil
}

func (p *FilePersister) flush() error {
	file := sessionFile{Version: 1, Sessions: make([]*domain.Session, 0, len(p.sessions))}
	for _, s := range p.sessions {
		file.Sessions = append(file.Sessions, s)
	}
	sort.Slice(file.Sessions, func(i, j int) bool {
		return file.Sessions[i].Code < file.Sessions[j].Code
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}
