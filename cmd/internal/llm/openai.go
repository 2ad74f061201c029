package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultMaxTokens   = 1024
	defaultTemperature = 0.7
	defaultTimeout     = 2 * time.Minute
)

var defaultBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com",
	"ollama":     "http://localhost:11434/v1",
}

type openAIService struct {
	log         *slog.Logger
	client      *openai.Client
	provider    string
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func newOpenAI(provider string, cfg Config, log *slog.Logger) (*openAIService, error) {
	if cfg.Model == "" {
		return nil, ErrNoModel
	}

	cc := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		cc.BaseURL = cfg.BaseURL
	case defaultBaseURLs[provider] != "":
		cc.BaseURL = defaultBaseURLs[provider]
	}
	cc.HTTPClient = newHTTPClient()

	s := &openAIService{
		log:         log,
		client:      openai.NewClientWithConfig(cc),
		provider:    provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultMaxTokens
	}
	if s.temperature <= 0 {
		s.temperature = defaultTemperature
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s, nil
}

func (s *openAIService) request(messages []Message, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
		Stream:      stream,
	}
}

func (s *openAIService) Chat(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, s.request(messages, false))
	if err != nil {
		s.log.Warn("llm.chat.fail", "provider", s.provider, "model", s.model, "err", err)
		return "", fmt.Errorf("llm chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	s.log.Debug("llm.chat.ok",
		"provider", s.provider,
		"model", s.model,
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.Choices[0].Message.Content, nil
}

func (s *openAIService) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := time.Now()
		stream, err := s.client.CreateChatCompletionStream(ctx, s.request(messages, true))
		if err != nil {
			s.log.Warn("llm.stream.open.fail", "provider", s.provider, "model", s.model, "err", err)
			errs <- fmt.Errorf("llm stream: %w", err)
			return
		}
		defer func() { _ = stream.Close() }()

		chunks := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				s.log.Debug("llm.stream.done",
					"provider", s.provider,
					"chunks", chunks,
					"duration_ms", time.Since(start).Milliseconds(),
				)
				return
			}
			if err != nil {
				s.log.Warn("llm.stream.recv.fail", "provider", s.provider, "chunks", chunks, "err", err)
				errs <- fmt.Errorf("llm stream recv: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			if delta := resp.Choices[0].Delta.Content; delta != "" {
				chunks++
				select {
				case out <- delta:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errs
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
