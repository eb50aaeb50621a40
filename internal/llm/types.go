// Package llm streams replies from a text generation service.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

var (
	// ErrStream marks a failure after a streaming request was issued:
	// connection loss, an idle stream, an error line or a failed status.
	ErrStream = errors.New("llm: stream failed")

	// ErrStatus is wrapped when the service answers with a non-2xx status.
	ErrStatus = errors.New("llm: unexpected status")
)

// Request describes a language model prompt.
type Request struct {
	Model       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk is one streamed text delta. Done marks the final chunk of a turn.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Source produces reply text either incrementally or in one piece.
type Source interface {
	// Stream calls consumer for every delta in arrival order. Errors
	// returned by consumer abort the stream and are returned unchanged.
	Stream(ctx context.Context, req Request, consumer func(Chunk) error) error
	// Generate returns the complete reply in a single call.
	Generate(ctx context.Context, req Request) (string, error)
}

// RequestFromConfig builds a request with the configured defaults.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Model:       cfg.Model,
		Prompt:      prompt,
		System:      cfg.System,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// NewFromConfig returns the source selected by cfg.Mode.
func NewFromConfig(cfg config.LLMConfig, logger *slog.Logger) (Source, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "llm"))
	switch cfg.Mode {
	case "ollama":
		o := NewOllama(cfg.Endpoint, timeout)
		o.logger = logger
		return o, nil
	case "exec":
		e, err := NewExec(cfg.Command, timeout)
		if err != nil {
			return nil, err
		}
		e.logger = logger
		return e, nil
	case "mock":
		return &Mock{}, nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
