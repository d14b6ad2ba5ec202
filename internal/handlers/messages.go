package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/elvachat/relay/internal/api/middleware"
	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/models"
)

// maxHistory caps a single history response.
const maxHistory = 1000

// SaveMessageRequest represents the save-message request body.
type SaveMessageRequest struct {
	FromUser    string             `json:"fromUser"`
	ToUser      string             `json:"toUser"`
	Message     string             `json:"message"`
	MessageType models.Kind        `json:"messageType"`
	FileInfo    *models.Attachment `json:"fileInfo"`
}

// MarkReadRequest represents the mark-read request body.
type MarkReadRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Messages returns the conversation between senderId and receiverId, oldest first.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.history(w, r, q.Get("senderId"), q.Get("receiverId"))
}

// ChatHistory is Messages with the pair taken from the path.
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, chi.URLParam(r, "senderId"), chi.URLParam(r, "receiverId"))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, a, b string) {
	a, b = sanitizeName(a), sanitizeName(b)
	if a == "" || b == "" {
		h.Error(w, http.StatusBadRequest, "senderId and receiverId are required")
		return
	}

	limit := maxHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	messages, err := h.store.GetConversation(r.Context(), a, b, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	h.JSON(w, http.StatusOK, messages)
}

// SaveMessage delivers a message sent over HTTP instead of the socket.
// The sender must be the authenticated user.
func (h *Handler) SaveMessage(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SaveMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FromUser == "" {
		req.FromUser = claims.Name
	}
	if req.FromUser != claims.Name {
		h.Error(w, http.StatusForbidden, "cannot send as another user")
		return
	}

	msg, err := h.delivery.Deliver(r.Context(), delivery.Intent{
		From:       req.FromUser,
		To:         sanitizeName(req.ToUser),
		Body:       req.Message,
		Kind:       req.MessageType,
		Attachment: req.FileInfo,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]any{"success": true, "data": msg})
}

// UnreadMessages returns unread counts and last-message previews for ?username.
func (h *Handler) UnreadMessages(w http.ResponseWriter, r *http.Request) {
	username := sanitizeName(r.URL.Query().Get("username"))
	if username == "" {
		h.Error(w, http.StatusBadRequest, "username is required")
		return
	}

	sum, err := h.reads.UnreadSummary(r.Context(), username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"unreadCounts": sum.Counts,
		"lastMessages": sum.Previews,
	})
}

// MarkRead marks every unread senderId->receiverId message as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.reads.MarkRead(r.Context(), sanitizeName(req.SenderID), sanitizeName(req.ReceiverID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"success": true, "updated": n})
}
