package assistant

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Turn is one prior message of the conversation with the assistant.
type Turn struct {
	FromBot bool
	Text    string
}

// LLM produces the assistant's reply to prompt given the recent history.
type LLM interface {
	GenerateReply(ctx context.Context, prompt string, history []Turn) (string, error)
}

const systemPrompt = `You are "%s", a friendly and knowledgeable assistant inside a chat app.
Answer what the user asked, clearly and concisely. Use code blocks for code.
Keep the tone warm and conversational. Reply in the same language as the user.`

// GeminiClient implements LLM with the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	name   string
}

// NewGeminiClient creates a Gemini API client authenticated by apiKey.
func NewGeminiClient(ctx context.Context, apiKey, model, botName string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model, name: botName}, nil
}

func (g *GeminiClient) GenerateReply(ctx context.Context, prompt string, history []Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.FromBot {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	temp := float32(0.7)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(fmt.Sprintf(systemPrompt, g.name), genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   2048,
	}

	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	return text, nil
}

// MockLLM answers without calling a provider. Used when no API key is set.
type MockLLM struct{}

func (MockLLM) GenerateReply(_ context.Context, prompt string, history []Turn) (string, error) {
	return fmt.Sprintf("You said %q. (%d earlier messages in this chat.)", prompt, len(history)), nil
}
