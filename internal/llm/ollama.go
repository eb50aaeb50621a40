package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to an Ollama-compatible HTTP endpoint. For streams the
// timeout bounds the wait for each line, not the whole reply.
type Ollama struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func NewOllama(endpoint string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Ollama{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  timeout,
		client:   &http.Client{},
		logger:   slog.Default().With(slog.String("component", "llm")),
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

// Stream posts to /api/generate with stream=true and decodes the NDJSON
// reply line by line. Malformed lines are skipped.
func (o *Ollama) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := newIdleTimer(o.timeout, cancel)
	defer idle.stop()

	resp, err := o.post(reqCtx, "/api/generate", o.payload(req, true))
	if err != nil {
		return o.streamErr(ctx, idle, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	start := time.Now()
	for scanner.Scan() {
		idle.pause()
		chunk, ok := decodeLine(scanner.Bytes(), o.logger)
		if ok {
			if chunk.Error != "" {
				return fmt.Errorf("%w: %s", ErrStream, chunk.Error)
			}
			if err := consumer(Chunk{
				Content:          chunk.Response,
				Done:             chunk.Done,
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				Latency:          time.Since(start),
			}); err != nil {
				return err
			}
			if chunk.Done {
				return nil
			}
		}
		idle.resume()
	}
	if err := scanner.Err(); err != nil {
		return o.streamErr(ctx, idle, err)
	}
	if idle.Expired() {
		return o.streamErr(ctx, idle, context.Canceled)
	}
	return nil
}

// Generate posts to /api/generate with stream=false.
func (o *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.post(reqCtx, "/api/generate", o.payload(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}

// Model is one entry of the /api/tags listing.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListModels returns the models installed on the server.
func (o *Ollama) ListModels(ctx context.Context) ([]Model, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return out.Models, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat sends a single user message to /api/chat without streaming.
func (o *Ollama) Chat(ctx context.Context, req Request) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   false,
	}
	resp, err := o.post(reqCtx, "/api/chat", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Message chatMessage `json:"message"`
		Error   string      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}

func (o *Ollama) payload(req Request, stream bool) ollamaRequest {
	return ollamaRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: stream,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
}

func (o *Ollama) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return o.do(httpReq)
}

func (o *Ollama) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w %s: %s", ErrStatus, resp.Status, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// streamErr keeps caller cancellation distinguishable from stream failure.
func (o *Ollama) streamErr(ctx context.Context, idle *idleTimer, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if idle.Expired() {
		return fmt.Errorf("%w: no data for %s", ErrStream, o.timeout)
	}
	if errors.Is(err, ErrStatus) {
		return fmt.Errorf("%w: %w", ErrStream, err)
	}
	return fmt.Errorf("%w: %v", ErrStream, err)
}
