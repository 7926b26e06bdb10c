package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/MarkusJohansen/faxing/internal/service"
	"github.com/MarkusJohansen/faxing/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

const maxBodyBytes = 64 << 10

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the game API
type Handler struct {
	coord          *service.Coordinator
	hub            *websocket.Hub
	allowedOrigins []string
	checks         map[string]Pinger
	logger         *slog.Logger
}

// NewHandler creates a new HTTP handler. hub may be nil to disable /ws.
func NewHandler(coord *service.Coordinator, hub *websocket.Hub, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		coord:          coord,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		checks:         make(map[string]Pinger),
		logger:         logger,
	}
}

// AddReadinessCheck makes /ready depend on p
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.allowedOrigins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
	}).Handler)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	if h.hub != nil {
		r.Get("/ws", websocket.Handler(h.hub, h.allowedOrigins, h.logger))
	}

	r.Route("/api/v1/games", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/", h.CreateSession)
		r.Post("/join", h.JoinByCode)

		r.Route("/{code}", func(r chi.Router) {
			r.Get("/players", h.ListPlayers)
			r.Post("/players", h.JoinSession)
			r.Post("/start", h.StartSession)
			r.Get("/state", h.PollSessionState)
			r.Post("/complete", h.SubmitCompletion)
			r.Post("/end", h.EndGame)
			r.Post("/reset", h.ResetSession)
		})
	})

	return r
}

// requestLogger logs one line per request through slog
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError maps a domain error to its HTTP status. Internal errors are
// logged and their cause is not exposed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		var de *domain.Error
		if errors.As(err, &de) {
			msg = de.Message
		} else {
			msg = domain.ErrInternal.Message
		}
	}

	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
		Code:    domain.ReasonOf(err),
	})
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.WithMessage(domain.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

// HealthCheck reports that the process is up
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    failed,
			Error:   "dependencies unavailable",
		})
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createSessionRequest struct {
	CreatedBy string `json:"created_by"`
}

// CreateSession handles POST /api/v1/games
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = r.RemoteAddr
	}

	code, err := h.coord.CreateSession(r.Context(), req.CreatedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusCreated, map[string]string{"code": code})
}

type joinRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// JoinByCode handles POST /api/v1/games/join with the code in the body
func (h *Handler) JoinByCode(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Code == "" {
		h.writeError(w, r, domain.WithMessage(domain.ErrInvalidRequest, "code is required"))
		return
	}
	h.join(w, r, req.Code, req.Name)
}

// JoinSession handles POST /api/v1/games/{code}/players
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.join(w, r, chi.URLParam(r, "code"), req.Name)
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, code, name string) {
	if err := h.coord.JoinSession(r.Context(), code, name); err != nil {
		h.writeError(w, r, err)
		return
	}
	players, err := h.coord.ListPlayers(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"code":    service.NormalizeCode(code),
		"players": players,
	})
}

// ListPlayers handles GET /api/v1/games/{code}/players
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.coord.ListPlayers(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{"players": players})
}

// StartSession handles POST /api/v1/games/{code}/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.coord.StartSession(r.Context(), code); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.pollAndWrite(w, r, code)
}

// PollSessionState handles GET /api/v1/games/{code}/state
func (h *Handler) PollSessionState(w http.ResponseWriter, r *http.Request) {
	h.pollAndWrite(w, r, chi.URLParam(r, "code"))
}

func (h *Handler) pollAndWrite(w http.ResponseWriter, r *http.Request, code string) {
	view, err := h.coord.PollSessionState(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, view)
}

type completeRequest struct {
	Name           string      `json:"name"`
	CompletionTime json.Number `json:"completionTime"`
	Time           json.Number `json:"time"`
}

// SubmitCompletion handles POST /api/v1/games/{code}/complete
func (h *Handler) SubmitCompletion(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	raw := req.CompletionTime
	if raw == "" {
		raw = req.Time
	}
	elapsed, err := parseMillis(raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ranking, err := h.coord.SubmitCompletion(r.Context(), chi.URLParam(r, "code"), req.Name, elapsed)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{"ranking": ranking})
}

// parseMillis accepts integral JSON numbers only
func parseMillis(n json.Number) (int64, error) {
	if n == "" {
		return 0, domain.WithMessage(domain.ErrInvalidElapsed, "completionTime is required")
	}
	if v, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, domain.WithMessage(domain.ErrInvalidElapsed, "completionTime must be an integer number of milliseconds, got %s", n)
	}
	return int64(f), nil
}

// EndGame handles POST /api/v1/games/{code}/end
func (h *Handler) EndGame(w http.ResponseWriter, r *http.Request) {
	name, err := h.coord.EndGame(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"archived":     name != "",
		"archive_name": name,
	})
}

// ResetSession handles POST /api/v1/games/{code}/reset
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.ResetSession(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]string{"status": fmt.Sprintf("session %s reset", service.NormalizeCode(chi.URLParam(r, "code")))})
}
