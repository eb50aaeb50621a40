package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// FallbackEngine runs an espeak-ng style command that plays audio itself.
// The command receives "-s <rate> --stdin" and the text on stdin.
type FallbackEngine struct {
	cmd     []string
	rate    int
	timeout time.Duration
	logger  *slog.Logger
}

func NewFallbackEngine(command string, rate int, timeout time.Duration, logger *slog.Logger) (*FallbackEngine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse fallback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("fallback command empty")
	}
	if rate <= 0 {
		rate = 150
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackEngine{
		cmd:     args,
		rate:    rate,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "tts-fallback")),
	}, nil
}

func (f *FallbackEngine) Name() string { return "fallback" }

// Speak blocks until the command has finished speaking req.Text.
func (f *FallbackEngine) Speak(ctx context.Context, req Request) error {
	binary, err := exec.LookPath(f.cmd[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	args := append([]string{}, f.cmd[1:]...)
	args = append(args, "-s", strconv.Itoa(f.rate), "--stdin")
	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrSynthesisTimeout, f.timeout)
		}
		return fmt.Errorf("%w: %v: %s", ErrSynthesisProcess, err, strings.TrimSpace(stderr.String()))
	}
	f.logger.Debug("sentence spoken", slog.Int("chars", len(req.Text)))
	return nil
}
