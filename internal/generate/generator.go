// Package generate defines the answer-generation boundary. Generation
// itself is an external collaborator; this package holds the interface
// the orchestrator consumes plus a chat-completions HTTP adapter.
package generate

import "context"

// Message is one role/content entry of generator context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces an answer for a query given trailing conversation
// context.
type Generator interface {
	Generate(ctx context.Context, query string, history []Message) (string, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, query string, history []Message) (string, error)

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, query string, history []Message) (string, error) {
	return f(ctx, query, history)
}
