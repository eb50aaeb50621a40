package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Exec runs a local command per request. The command reads the request as
// JSON on stdin and writes NDJSON lines shaped like the /api/generate
// stream: {"response": "...", "done": false}. The timeout bounds the wait
// for each output line.
type Exec struct {
	cmd     []string
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
}

type execRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

func NewExec(command string, timeout time.Duration) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Exec{
		cmd:     args,
		timeout: timeout,
		logger:  slog.Default().With(slog.String("component", "llm")),
	}, nil
}

func (e *Exec) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := newIdleTimer(e.timeout, cancel)
	defer idle.stop()
	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start command: %v", ErrStream, err)
	}

	consumerErr := func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		start := time.Now()
		for scanner.Scan() {
			idle.pause()
			chunk, ok := decodeLine(scanner.Bytes(), e.logger)
			if ok {
				if chunk.Error != "" {
					return fmt.Errorf("%w: %s", ErrStream, chunk.Error)
				}
				if err := consumer(Chunk{Content: chunk.Response, Done: chunk.Done, Latency: time.Since(start)}); err != nil {
					return err
				}
				if chunk.Done {
					_, _ = io.Copy(io.Discard, stdout)
					return nil
				}
			}
			idle.resume()
		}
		return nil
	}()
	if consumerErr != nil {
		cancel()
		_ = cmd.Wait()
		return consumerErr
	}
	err = cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case idle.Expired():
		return fmt.Errorf("%w: llm exec command produced no output for %s", ErrStream, e.timeout)
	case err != nil:
		return fmt.Errorf("%w: llm exec command failed: %v: %s", ErrStream, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Generate runs the command and joins its deltas.
func (e *Exec) Generate(ctx context.Context, req Request) (string, error) {
	var reply strings.Builder
	err := e.Stream(ctx, req, func(chunk Chunk) error {
		reply.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply.String(), nil
}
