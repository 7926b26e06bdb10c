package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Completion is either Pending or Completed with an elapsed time in
// milliseconds. The zero value is Pending.
type Completion struct {
	millis int64
	done   bool
}

// Pending returns a completion with no recorded time
func Pending() Completion {
	return Completion{}
}

// CompletedIn returns a completion recorded at ms milliseconds
func CompletedIn(ms int64) Completion {
	return Completion{millis: ms, done: true}
}

// Millis returns the recorded time and whether one exists
func (c Completion) Millis() (int64, bool) {
	return c.millis, c.done
}

// IsPending reports whether no time has been recorded yet
func (c Completion) IsPending() bool {
	return !c.done
}

func (c Completion) String() string {
	if !c.done {
		return "pending"
	}
	return fmt.Sprintf("%dms", c.millis)
}

// MarshalJSON encodes Pending as null and Completed as an integer
func (c Completion) MarshalJSON() ([]byte, error) {
	if !c.done {
		return []byte("null"), nil
	}
	return json.Marshal(c.millis)
}

// UnmarshalJSON accepts null or an integer
func (c *Completion) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Pending()
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("decoding completion: %w", err)
	}
	*c = CompletedIn(ms)
	return nil
}

// Player represents a named participant in one session
type Player struct {
	Name        string     `json:"name"`
	JoinedAt    time.Time  `json:"joined_at"`
	Completion  Completion `json:"completion_ms"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NameKey returns the case-insensitive identity of a player name
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
