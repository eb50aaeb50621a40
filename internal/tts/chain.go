package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Chain tries engines in order for every request. The first success wins
// and failures are not remembered, so the next request starts again at the
// first engine.
type Chain struct {
	engines []Engine
	logger  *slog.Logger
}

func NewChain(logger *slog.Logger, engines ...Engine) (*Chain, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("%w: no engines configured", ErrBackendUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		engines: engines,
		logger:  logger.With(slog.String("component", "tts-chain")),
	}, nil
}

func (c *Chain) Name() string {
	names := make([]string, len(c.engines))
	for i, e := range c.engines {
		names[i] = e.Name()
	}
	return strings.Join(names, ">")
}

// Engines returns the engines in selection order.
func (c *Chain) Engines() []Engine { return c.engines }

func (c *Chain) Speak(ctx context.Context, req Request) error {
	_, err := c.Dispatch(ctx, req)
	return err
}

// Outcome reports which engine spoke a request and the failures absorbed
// before it did.
type Outcome struct {
	Engine   string
	Failures []EngineFailure
}

// Dispatch speaks req with the first engine that succeeds.
func (c *Chain) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	var failures []EngineFailure
	for i, engine := range c.engines {
		err := engine.Speak(ctx, req)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback engine succeeded",
					slog.String("engine", engine.Name()),
					slog.Int("chars", len(req.Text)))
			}
			return Outcome{Engine: engine.Name(), Failures: failures}, nil
		}
		if ctx.Err() != nil {
			return Outcome{Failures: failures}, ctx.Err()
		}
		failures = append(failures, EngineFailure{Engine: engine.Name(), Err: err})
		c.logger.Warn("engine failed",
			slog.String("engine", engine.Name()),
			slog.Bool("last", i == len(c.engines)-1),
			slogError(err))
	}
	return Outcome{Failures: failures}, &ChainError{Failures: failures}
}

// EngineFailure pairs an engine with the error it returned.
type EngineFailure struct {
	Engine string
	Err    error
}

// ChainError is returned when every engine failed a request.
type ChainError struct {
	Failures []EngineFailure
}

func (e *ChainError) Error() string {
	if len(e.Failures) == 0 {
		return ErrAllEnginesFailed.Error()
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Engine, f.Err)
	}
	return fmt.Sprintf("%s (%s)", ErrAllEnginesFailed, strings.Join(parts, "; "))
}

// Unwrap returns the last engine error.
func (e *ChainError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

func (e *ChainError) Is(target error) bool {
	return target == ErrAllEnginesFailed
}

var _ Engine = (*Chain)(nil)
