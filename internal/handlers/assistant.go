package handlers

import (
	"net/http"

	"github.com/elvachat/relay/internal/api/middleware"
	"github.com/elvachat/relay/internal/models"
)

// AskRequest represents the askSomething request body.
type AskRequest struct {
	Message string `json:"message"`
}

// AskResponse carries the assistant's reply and both stored legs.
type AskResponse struct {
	Success  bool            `json:"success"`
	Response string          `json:"response"`
	Question *models.Message `json:"question"`
	Message  *models.Message `json:"message"`
	Error    string          `json:"error,omitempty"`
}

// AskSomething sends the authenticated user's question to the assistant.
func (h *Handler) AskSomething(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req AskRequest
	if !h.decode(w, r, &req) {
		return
	}

	ex, err := h.assistant.Ask(r.Context(), claims.Name, req.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := AskResponse{
		Success:  !ex.Reply.IsError,
		Response: ex.Reply.Body,
		Question: ex.Question,
		Message:  ex.Reply,
	}
	status := http.StatusOK
	if ex.Reply.IsError {
		resp.Error = "failed to get AI response"
		status = http.StatusBadGateway
	}
	h.JSON(w, status, resp)
}

// AIMessages returns the authenticated user's conversation with the assistant.
func (h *Handler) AIMessages(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	messages, err := h.assistant.History(r.Context(), claims.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"botName":  h.assistant.BotName(),
		"messages": messages,
	})
}
