package domain

import (
	"time"
)

// LeaderboardEntry represents a single ranked row. Pending completions
// have a rank for display but no time.
type LeaderboardEntry struct {
	Rank       int        `json:"rank"`
	PlayerName string     `json:"player_name"`
	Completion Completion `json:"completion_ms"`
}

// TerminationReason says why a session ended
type TerminationReason string

const (
	ReasonGameOver TerminationReason = "game_over"
	ReasonTimeUp   TerminationReason = "time_up"
	ReasonReset    TerminationReason = "reset"
)

// Removes reports whether the termination deletes the session instead
// of completing it
func (r TerminationReason) Removes() bool {
	return r == ReasonReset
}

// ArchiveRecord is the immutable snapshot written when a session ends
type ArchiveRecord struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	SessionCode       string             `json:"session_code"`
	Reason            TerminationReason  `json:"reason"`
	ArchivedAt        time.Time          `json:"archived_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	Participants      []LeaderboardEntry `json:"participants"`
	Winner            *LeaderboardEntry  `json:"winner"`
	TotalParticipants int                `json:"total_participants"`
}

// PlayerView is a player as shown to pollers
type PlayerView struct {
	Name       string     `json:"name"`
	Completion Completion `json:"completion_ms"`
}

// SessionView is the result of polling a session
type SessionView struct {
	Code                 string             `json:"code"`
	State                State              `json:"state"`
	Phase                Phase              `json:"phase"`
	CreatedAt            time.Time          `json:"created_at"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
	CountdownRemainingMs int64              `json:"countdown_remaining_ms"`
	TimeRemainingMs      int64              `json:"time_remaining_ms"`
	Players              []PlayerView       `json:"players"`
	Ranking              []LeaderboardEntry `json:"ranking"`
	Leader               *LeaderboardEntry  `json:"leader,omitempty"`
	ArchiveName          string             `json:"archive_name,omitempty"`
}

// EventType names a session lifecycle event
type EventType string

const (
	EventSessionCreated      EventType = "session_created"
	EventPlayerJoined        EventType = "player_joined"
	EventSessionStarted      EventType = "session_started"
	EventCompletionSubmitted EventType = "completion_submitted"
	EventSessionCompleted    EventType = "session_completed"
	EventSessionReset        EventType = "session_reset"
)

// SessionEvent is emitted after every committed mutation
type SessionEvent struct {
	Type        EventType    `json:"type"`
	SessionCode string       `json:"session_code"`
	PlayerName  string       `json:"player_name,omitempty"`
	ElapsedMs   *int64       `json:"elapsed_ms,omitempty"`
	ArchiveName string       `json:"archive_name,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
	View        *SessionView `json:"view,omitempty"`
}
