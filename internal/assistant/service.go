// Package assistant runs the chat conversation with the AI bot.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/metrics"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/store"
)

// HistoryWindow is how many earlier messages are sent to the model.
const HistoryWindow = 10

const fallbackReply = "Sorry, I couldn't come up with a response right now. Please try again."

var ErrEmptyQuestion = errors.New("message is required")

// Deliverer persists and fans out a message intent.
type Deliverer interface {
	Deliver(ctx context.Context, in delivery.Intent) (*models.Message, error)
}

// Exchange is a question and the assistant's answer, both persisted.
type Exchange struct {
	Question *models.Message `json:"question"`
	Reply    *models.Message `json:"reply"`
}

// Service stores both legs of an assistant conversation as ai-exchange
// messages between the user and the bot identity.
type Service struct {
	deliverer Deliverer
	messages  store.MessageStore
	llm       LLM
	botName   string
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewService(d Deliverer, ms store.MessageStore, llm LLM, botName string, logger zerolog.Logger) *Service {
	return &Service{
		deliverer: d,
		messages:  ms,
		llm:       llm,
		botName:   botName,
		timeout:   60 * time.Second,
		logger:    logger.With().Str("component", "assistant").Logger(),
	}
}

// BotName returns the identity the assistant speaks as.
func (s *Service) BotName() string {
	return s.botName
}

// Ask records the user's question, asks the model and records the reply.
// When the model fails, an error-flagged reply is recorded instead and
// returned without error.
func (s *Service) Ask(ctx context.Context, user, text string) (*Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuestion
	}

	prior, err := s.messages.GetConversation(ctx, user, s.botName, HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load assistant history: %w", err)
	}

	question, err := s.deliverer.Deliver(ctx, delivery.Intent{
		From: user,
		To:   s.botName,
		Body: text,
		Kind: models.KindAIExchange,
	})
	if err != nil {
		return nil, err
	}

	history := make([]Turn, 0, len(prior))
	for _, m := range prior {
		if m.IsError {
			continue
		}
		history = append(history, Turn{FromBot: m.IsBot, Text: m.Body})
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	answer, genErr := s.llm.GenerateReply(lctx, text, history)
	cancel()

	reply := delivery.Intent{
		From:  s.botName,
		To:    user,
		Body:  answer,
		Kind:  models.KindAIExchange,
		IsBot: true,
	}
	if genErr != nil {
		metrics.AssistantReplies.WithLabelValues("error").Inc()
		s.logger.Error().Err(genErr).Str("user", user).Msg("assistant reply failed")
		reply.Body = fallbackReply
		reply.IsError = true
	} else {
		metrics.AssistantReplies.WithLabelValues("ok").Inc()
	}

	replyMsg, err := s.deliverer.Deliver(ctx, reply)
	if err != nil {
		return nil, err
	}
	return &Exchange{Question: question, Reply: replyMsg}, nil
}

// History returns the user's conversation with the assistant, oldest first.
func (s *Service) History(ctx context.Context, user string) ([]models.Message, error) {
	return s.messages.GetConversation(ctx, user, s.botName, 0)
}
