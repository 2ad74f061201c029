// Package llm abstracts the language model behind the advising chat.
//
// Providers speaking the OpenAI chat completions API are served through go-openai; the echo
// provider answers deterministically and is used in development and tests.
package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrEmptyResponse means the provider returned no choices.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrNoModel means an OpenAI-compatible provider was configured without a model.
	ErrNoModel = errors.New("llm: model required")
)

// Message is one chat completion message.
type Message struct {
	Role    string
	Content string
}

// Service generates assistant replies.
type Service interface {
	// Chat returns the complete reply.
	Chat(ctx context.Context, messages []Message) (string, error)

	// ChatStream streams reply fragments in order. Both channels are closed when the stream ends;
	// errs carries at most one error. Cancelling ctx stops the stream.
	ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Config selects and tunes a provider.
type Config struct {
	Provider    string // echo, openai, openrouter, deepseek, ollama or any OpenAI-compatible name
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// NewService builds the Service for cfg.Provider.
func NewService(cfg Config, log *slog.Logger) (Service, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "echo" {
		return &Echo{}, nil
	}
	return newOpenAI(provider, cfg, log)
}

// BuildMessages assembles preamble, prior history and the new user message.
func BuildMessages(preamble string, history []Message, user string) []Message {
	out := make([]Message, 0, len(history)+2)
	if preamble != "" {
		out = append(out, Message{Role: RoleSystem, Content: preamble})
	}
	out = append(out, history...)
	return append(out, Message{Role: RoleUser, Content: user})
}
