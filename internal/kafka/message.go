package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types
const (
	MessageTypeJoin     = "join"
	MessageTypeComplete = "complete"
)

// Message is the wire format of the submissions topic
type Message struct {
	Type        string `json:"type"`
	SessionCode string `json:"session_code"`
	PlayerName  string `json:"player_name"`
	ElapsedMs   *int64 `json:"elapsed_ms,omitempty"`
}

// Validate checks the fields required by the message type
func (m *Message) Validate() error {
	if strings.TrimSpace(m.SessionCode) == "" {
		return fmt.Errorf("session_code is required")
	}
	if strings.TrimSpace(m.PlayerName) == "" {
		return fmt.Errorf("player_name is required")
	}
	switch m.Type {
	case MessageTypeJoin:
		return nil
	case MessageTypeComplete:
		if m.ElapsedMs == nil {
			return fmt.Errorf("elapsed_ms is required for %s", m.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// DecodeMessage parses and validates a message value
func DecodeMessage(value []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshaling message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Key partitions messages by session so one session's messages stay ordered
func (m *Message) Key() string {
	return strings.ToUpper(strings.TrimSpace(m.SessionCode))
}
