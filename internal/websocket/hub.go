package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MarkusJohansen/faxing/internal/domain"
)

// Message types
const (
	MessageTypeSessionState = "session_state"
	MessageTypeSessionEvent = "session_event"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message is a frame sent to clients
type Message struct {
	Type        string    `json:"type"`
	SessionCode string    `json:"session_code,omitempty"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// StateSource returns the current view of a session. Subscribers receive
// it immediately so they never wait for the next event.
type StateSource interface {
	PollSessionState(ctx context.Context, code string) (*domain.SessionView, error)
}

// Hub tracks connected clients and the sessions they follow
type Hub struct {
	// Subscribers by session code
	sessions map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	source StateSource

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client      *Client
	sessionCode string
}

// NewHub creates a hub. source may be nil, in which case subscribers
// only receive events.
func NewHub(source StateSource, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:    make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		source:      source,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run processes hub requests until Stop is called
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for code, clients := range h.sessions {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.sessions, code)
					}
				}
				client.close()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				if _, ok := h.sessions[req.sessionCode]; !ok {
					h.sessions[req.sessionCode] = make(map[*Client]bool)
				}
				h.sessions[req.sessionCode][req.client] = true
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "session", req.sessionCode)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.sessions[req.sessionCode]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.sessions, req.sessionCode)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "session", req.sessionCode)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub and disconnects every client
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.allClients {
		client.close()
	}
	h.allClients = make(map[*Client]bool)
	h.sessions = make(map[string]map[*Client]bool)
}

func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.sessions[message.SessionCode]
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for client := range clients {
		if !client.trySend(data) {
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Notify forwards a session event to the session's subscribers. It never
// blocks the caller.
func (h *Hub) Notify(ctx context.Context, event domain.SessionEvent) error {
	message := &Message{
		Type:        MessageTypeSessionEvent,
		SessionCode: event.SessionCode,
		Data:        event,
		Timestamp:   event.OccurredAt,
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "session", event.SessionCode, "event", event.Type)
	}
	return nil
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe makes client follow a session
func (h *Hub) Subscribe(client *Client, sessionCode string) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, sessionCode: sessionCode}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe stops client following a session
func (h *Hub) Unsubscribe(client *Client, sessionCode string) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, sessionCode: sessionCode}:
	case <-h.ctx.Done():
	}
}

// SubscriberCount returns the number of clients following a session
func (h *Hub) SubscriberCount(sessionCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionCode])
}

// TotalConnections returns the number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// snapshot loads the current state of a session for a new subscriber
func (h *Hub) snapshot(code string) (*domain.SessionView, error) {
	if h.source == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return h.source.PollSessionState(ctx, code)
}
