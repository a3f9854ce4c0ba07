// Package api exposes the thin HTTP control surface: session creation,
// start/stop, status reads, health, and the websocket upgrade endpoint.
// It translates the domain error taxonomy into status codes and otherwise
// stays out of the way.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	registrysvc "github.com/ahrav/runstream/internal/app/registry"
	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
)

// SessionService is the registry surface the control routes use.
type SessionService interface {
	Create(ctx context.Context, kind session.Kind, cfg session.Config) (*session.Session, error)
	Status(ctx context.Context, id uuid.UUID) (registrysvc.StatusView, error)
	List(ctx context.Context) ([]*session.Session, error)
}

// JobControl is the dispatcher surface the control routes use.
type JobControl interface {
	Start(ctx context.Context, id uuid.UUID) (*session.Session, error)
	Cancel(ctx context.Context, id uuid.UUID) (*session.Session, error)
}

// Config carries the dependencies for the route set.
type Config struct {
	Sessions   SessionService
	Dispatcher JobControl
	WebSocket  http.Handler
	Logger     *logger.Logger
}

// NewRouter builds the service's HTTP router.
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	h := &handlers{sessions: cfg.Sessions, dispatcher: cfg.Dispatcher, logger: cfg.Logger}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.health)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.createSession)
			r.Get("/", h.listSessions)
			r.Get("/{id}", h.sessionStatus)
			r.Post("/{id}/start", h.startSession)
			r.Post("/{id}/stop", h.stopSession)
		})
	})

	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}
	return r
}

type handlers struct {
	sessions   SessionService
	dispatcher JobControl
	logger     *logger.Logger
}

type createSessionRequest struct {
	Kind   string         `json:"kind"`
	Config session.Config `json:"config"`
}

type sessionResponse struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	sess, err := h.sessions.Create(r.Context(), session.ParseKind(req.Kind), req.Config)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, toSessionResponse(sess))
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	respond(w, http.StatusOK, out)
}

func (h *handlers) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	view, err := h.sessions.Status(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, view)
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.dispatcher.Start(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, toSessionResponse(sess))
}

// stopSession is idempotent: stopping an already-terminal session returns
// its unchanged record.
func (h *handlers) stopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, toSessionResponse(sess))
}

func (h *handlers) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond(w, http.StatusBadRequest, errorResponse{Error: "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps the domain error taxonomy onto HTTP status codes.
func (h *handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *session.ValidationError
		notFoundErr   *session.NotFoundError
		conflictErr   *session.ConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &notFoundErr):
		respond(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &conflictErr):
		respond(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respond(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func toSessionResponse(sess *session.Session) sessionResponse {
	return sessionResponse{
		ID:           sess.ID().String(),
		Kind:         sess.Kind().String(),
		State:        sess.Status().String(),
		Progress:     sess.Progress(),
		ErrorMessage: sess.ErrorMessage(),
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
