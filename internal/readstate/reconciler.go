// Package readstate computes unread summaries and applies read receipts.
package readstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/store"
)

// ErrInvalidPair is returned when an identity argument is empty.
var ErrInvalidPair = errors.New("sender and recipient are required")

// Summary is the chat-list view of one user's conversations.
type Summary struct {
	// Counts maps sender to the number of unread messages it sent the user.
	Counts map[string]int `json:"unreadCounts"`
	// Previews maps counterpart to the newest message of that conversation.
	Previews map[string]models.Preview `json:"lastMessages"`
}

// Reconciler answers read-state queries against the message store.
type Reconciler struct {
	store  store.MessageStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewReconciler(ms store.MessageStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  ms,
		logger: logger.With().Str("component", "readstate").Logger(),
		now:    time.Now,
	}
}

// UnreadSummary returns unread counts and last-message previews for user.
// Self-conversations are reported like any other counterpart.
func (r *Reconciler) UnreadSummary(ctx context.Context, user string) (*Summary, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: username", ErrInvalidPair)
	}

	counts, err := r.store.UnreadCounts(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	previews, err := r.store.LastMessages(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("last messages: %w", err)
	}

	if counts == nil {
		counts = map[string]int{}
	}
	if previews == nil {
		previews = map[string]models.Preview{}
	}
	return &Summary{Counts: counts, Previews: previews}, nil
}

// MarkRead marks every unread message from sender to recipient as read and
// returns how many changed. The reverse direction is never touched.
func (r *Reconciler) MarkRead(ctx context.Context, sender, recipient string) (int64, error) {
	if strings.TrimSpace(sender) == "" || strings.TrimSpace(recipient) == "" {
		return 0, ErrInvalidPair
	}

	at := r.now().UTC().Truncate(time.Millisecond)
	n, err := r.store.MarkRead(ctx, sender, recipient, at)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		metrics.MessagesMarkedRead.Add(float64(n))
		r.logger.Debug().
			Str("sender", sender).
			Str("recipient", recipient).
			Int64("updated", n).
			Msg("messages marked read")
	}
	return n, nil
}
