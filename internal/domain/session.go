package domain

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a session
type State string

const (
	StateCreated   State = "created"
	StateStarted   State = "started"
	StateCompleted State = "completed"
)

// Phase is the advisory, clock-derived display phase of a session
type Phase string

const (
	PhaseLobby     Phase = "lobby"
	PhaseCountdown Phase = "countdown"
	PhaseRunning   Phase = "running"
	PhaseTimeUp    Phase = "time_up"
	PhaseFinished  Phase = "finished"
)

// Session is one instance of the timed contest.
//
// Committed sessions held by the store are never mutated in place;
// mutations are applied to a Clone and swapped in after they are persisted.
type Session struct {
	Code        string     `json:"code"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	State       State      `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchiveName string     `json:"archive_name,omitempty"`
	Players     []Player   `json:"players"`

	index map[string]int
}

// NewSession creates an empty session in the created state
func NewSession(code, createdBy string, now time.Time) *Session {
	return &Session{
		Code:      code,
		CreatedBy: createdBy,
		CreatedAt: now,
		State:     StateCreated,
		Players:   []Player{},
		index:     make(map[string]int),
	}
}

// UnmarshalJSON decodes a session and rebuilds the name index
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Session(p)
	if s.Players == nil {
		s.Players = []Player{}
	}
	s.reindex()
	return nil
}

func (s *Session) reindex() {
	s.index = make(map[string]int, len(s.Players))
	for i, p := range s.Players {
		s.index[NameKey(p.Name)] = i
	}
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		p.CompletedAt = cloneTime(p.CompletedAt)
		c.Players[i] = p
	}
	c.reindex()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Player looks up a player by case-insensitive name
func (s *Session) Player(name string) (*Player, bool) {
	if s.index == nil {
		s.reindex()
	}
	i, ok := s.index[NameKey(name)]
	if !ok {
		return nil, false
	}
	return &s.Players[i], true
}

// HasPlayer reports whether name is taken in this session
func (s *Session) HasPlayer(name string) bool {
	_, ok := s.Player(name)
	return ok
}

// AddPlayer appends a pending player. Callers check HasPlayer first.
func (s *Session) AddPlayer(name string, now time.Time) {
	if s.index == nil {
		s.reindex()
	}
	s.Players = append(s.Players, Player{Name: name, JoinedAt: now})
	s.index[NameKey(name)] = len(s.Players) - 1
}

// PlayerNames returns display names in join order
func (s *Session) PlayerNames() []string {
	names := make([]string, len(s.Players))
	for i, p := range s.Players {
		names[i] = p.Name
	}
	return names
}

// CompletedCount returns how many players have a recorded time
func (s *Session) CompletedCount() int {
	n := 0
	for _, p := range s.Players {
		if !p.Completion.IsPending() {
			n++
		}
	}
	return n
}

// Start moves the session to started. StartedAt never precedes CreatedAt.
func (s *Session) Start(now time.Time) {
	if now.Before(s.CreatedAt) {
		now = s.CreatedAt
	}
	s.State = StateStarted
	s.StartedAt = &now
}

// Complete moves the session to completed
func (s *Session) Complete(now time.Time, archiveName string) {
	floor := s.CreatedAt
	if s.StartedAt != nil {
		floor = *s.StartedAt
	}
	if now.Before(floor) {
		now = floor
	}
	s.State = StateCompleted
	s.CompletedAt = &now
	s.ArchiveName = archiveName
}
