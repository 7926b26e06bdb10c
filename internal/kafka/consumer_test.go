package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

type call struct {
	op      string
	code    string
	name    string
	elapsed int64
}

type fakeHandler struct {
	calls []call
	errs  map[string]error
}

func (h *fakeHandler) JoinSession(ctx context.Context, code, name string) error {
	h.calls = append(h.calls, call{op: "join", code: code, name: name})
	return h.errs[name]
}

func (h *fakeHandler) SubmitCompletion(ctx context.Context, code, name string, elapsed int64) ([]domain.LeaderboardEntry, error) {
	h.calls = append(h.calls, call{op: "complete", code: code, name: name, elapsed: elapsed})
	return nil, h.errs[name]
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"join", `{"type":"join","session_code":"ABC234","player_name":"Alice"}`, false},
		{"complete", `{"type":"complete","session_code":"ABC234","player_name":"Alice","elapsed_ms":1500}`, false},
		{"complete without time", `{"type":"complete","session_code":"ABC234","player_name":"Alice"}`, true},
		{"fractional time", `{"type":"complete","session_code":"ABC234","player_name":"Alice","elapsed_ms":1.5}`, true},
		{"missing code", `{"type":"join","player_name":"Alice"}`, true},
		{"missing name", `{"type":"join","session_code":"ABC234","player_name":"  "}`, true},
		{"unknown type", `{"type":"start","session_code":"ABC234","player_name":"Alice"}`, true},
		{"not json", `hello`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProcessorAppliesInOrder(t *testing.T) {
	h := &fakeHandler{errs: map[string]error{
		"alice": domain.ErrNameTaken,
		"Carol": domain.Wrap(domain.ErrPersistence, errors.New("disk full")),
	}}
	p := &processor{handler: h, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	result := p.Process(context.Background(), []Message{
		{Type: MessageTypeJoin, SessionCode: "ABC234", PlayerName: "Alice"},
		{Type: MessageTypeJoin, SessionCode: "ABC234", PlayerName: "alice"},
		{Type: MessageTypeComplete, SessionCode: "ABC234", PlayerName: "Alice", ElapsedMs: int64p(1500)},
		{Type: MessageTypeJoin, SessionCode: "ABC234", PlayerName: "Carol"},
	})

	assert.Equal(t, BatchResult{Applied: 2, Rejected: 1, Failed: 1}, result)
	require.Len(t, h.calls, 4)
	assert.Equal(t, call{op: "join", code: "ABC234", name: "Alice"}, h.calls[0])
	assert.Equal(t, call{op: "complete", code: "ABC234", name: "Alice", elapsed: 1500}, h.calls[2])
}

func TestProducerSend(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	defer func() { require.NoError(t, sp.Close()) }()

	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m Message
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.Type != MessageTypeComplete || m.ElapsedMs == nil || *m.ElapsedMs != 2345 {
			return errors.New("unexpected message")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerWith(sp, "faxing-submissions")
	require.NoError(t, p.Complete("abc234", "Bob", 2345))

	err := p.Join("ABC234", "Bob")
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	// invalid messages never reach the broker
	assert.Error(t, p.Join("", "Bob"))
}

func TestMessageKey(t *testing.T) {
	m := Message{SessionCode: " abc234 "}
	assert.Equal(t, "ABC234", m.Key())
}
