package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/assistant"
	"github.com/elvachat/relay/internal/attachments"
	"github.com/elvachat/relay/internal/auth"
	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/readstate"
	"github.com/elvachat/relay/internal/store"
)

// Deliverer persists and fans out a message intent.
type Deliverer interface {
	Deliver(ctx context.Context, in delivery.Intent) (*models.Message, error)
}

// PresenceView returns the current presence snapshot of the roster.
type PresenceView interface {
	Snapshot(ctx context.Context) ([]models.PresenceStatus, error)
}

// Pinger reports whether an optional dependency is reachable.
type Pinger interface {
	Ping() error
}

// Deps are the services the HTTP handlers call into.
type Deps struct {
	Store     store.DataStore
	Redis     *store.RedisStore // optional
	Events    Pinger            // optional
	Delivery  Deliverer
	Reads     *readstate.Reconciler
	Auth      *auth.Service
	Uploader  attachments.Uploader
	Assistant *assistant.Service
	Presence  PresenceView

	MaxUploadBytes int64
	SecureCookies  bool
	Logger         zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store     store.DataStore
	redis     *store.RedisStore
	events    Pinger
	delivery  Deliverer
	reads     *readstate.Reconciler
	auth      *auth.Service
	uploader  attachments.Uploader
	assistant *assistant.Service
	presence  PresenceView

	maxUpload     int64
	secureCookies bool
	logger        zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:         d.Store,
		redis:         d.Redis,
		events:        d.Events,
		delivery:      d.Delivery,
		reads:         d.Reads,
		auth:          d.Auth,
		uploader:      d.Uploader,
		assistant:     d.Assistant,
		presence:      d.Presence,
		maxUpload:     d.MaxUploadBytes,
		secureCookies: d.SecureCookies,
		logger:        d.Logger.With().Str("component", "http").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]any{"success": false, "error": message})
}

// fail maps a service error onto a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delivery.ErrInvalidMessageIntent),
		errors.Is(err, readstate.ErrInvalidPair),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, assistant.ErrEmptyQuestion),
		errors.Is(err, attachments.ErrEmpty):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		h.Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		h.Error(w, http.StatusConflict, "user with this name, email or mobile number already exists")
	case errors.Is(err, attachments.ErrTooLarge):
		h.Error(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, attachments.ErrUnsupportedMediaType):
		h.Error(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, attachments.ErrUploadFailure):
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("attachment upload failed")
		h.Error(w, http.StatusBadGateway, "failed to upload file")
	case errors.Is(err, delivery.ErrPersistenceFailure):
		h.Error(w, http.StatusInternalServerError, "failed to store message")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sanitizeName trims an identity and removes control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
}
