package handlers

import (
	"net/http"
	"time"

	"github.com/elvachat/relay/internal/api/middleware"
	"github.com/elvachat/relay/internal/auth"
	"github.com/elvachat/relay/internal/models"
)

// LoginRequest represents the login request body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned by register and login.
type SessionResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	User    *models.User `json:"user"`
	Token   string       `json:"token"`
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if !h.decode(w, r, &req) {
		return
	}
	req.Name = sanitizeName(req.Name)

	sess, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.setSessionCookie(w, sess.Token, sess.ExpiresAt)
	h.JSON(w, http.StatusCreated, SessionResponse{
		Success: true,
		Message: "user registered",
		User:    sess.User,
		Token:   sess.Token,
	})
}

// Login handles email/password login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.setSessionCookie(w, sess.Token, sess.ExpiresAt)
	h.JSON(w, http.StatusOK, SessionResponse{
		Success: true,
		Message: "logged in",
		User:    sess.User,
		Token:   sess.Token,
	})
}

// Logout marks the authenticated user offline and clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.auth.Logout(r.Context(), claims.Name); err != nil {
		h.fail(w, r, err)
		return
	}

	h.setSessionCookie(w, "", time.Unix(0, 0))
	h.JSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := h.store.GetUserByName(r.Context(), claims.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

// AllUsers returns every registered display name, online or not.
func (h *Handler) AllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	h.JSON(w, http.StatusOK, names)
}

// Online returns the presence snapshot sent to real-time clients.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.presence.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, snapshot)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	sameSite := http.SameSiteLaxMode
	if h.secureCookies {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: sameSite,
	})
}
