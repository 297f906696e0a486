package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultSystemPrompt = "You are a friendly course helper. Answer from the " +
	"conversation context when it is relevant, say so when you do not know, and " +
	"politely decline inappropriate requests."

// ClientConfig holds the chat-completions endpoint settings.
type ClientConfig struct {
	URL          string        // completions endpoint
	APIKey       string        // bearer token
	Model        string        // model name
	SystemPrompt string        // optional system prompt override
	Timeout      time.Duration // per-call timeout (default 30s)
}

// Client is a Generator backed by a chat-completions HTTP API.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg ClientConfig) *Client {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Generate sends the trailing history plus the query to the
// completions endpoint and returns the assistant's answer.
func (c *Client) Generate(ctx context.Context, query string, history []Message) (string, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: c.cfg.SystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: query})

	body, err := json.Marshal(completionRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("generate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate: call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate: endpoint returned %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("generate: empty completion")
	}
	return out.Choices[0].Message.Content, nil
}
