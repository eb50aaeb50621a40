package tts

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/playback"
)

// NewFromConfig assembles the engine chain for the configured engine:
// piper falls back to the fallback command, espeak uses it alone, mock is
// silent.
func NewFromConfig(cfg config.TTSConfig, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.SynthTimeoutMS) * time.Millisecond

	switch cfg.Engine {
	case "mock":
		return NewChain(logger, NewMockEngine("mock"))
	case "espeak":
		fallback, err := NewFallbackEngine(cfg.Fallback.Command, cfg.Fallback.Rate, timeout, logger)
		if err != nil {
			return nil, err
		}
		return NewChain(logger, fallback)
	case "piper":
		pipeline, err := playback.New(cfg.Playback.Command, cfg.SampleRate, cfg.Channels,
			time.Duration(cfg.Playback.TimeoutMS)*time.Millisecond, logger)
		if err != nil {
			return nil, err
		}
		piper, err := NewProcessEngine(cfg, pipeline, logger)
		if err != nil {
			return nil, err
		}
		fallback, err := NewFallbackEngine(cfg.Fallback.Command, cfg.Fallback.Rate, timeout, logger)
		if err != nil {
			return nil, err
		}
		return NewChain(logger, piper, fallback)
	default:
		return nil, fmt.Errorf("unsupported tts engine %q", cfg.Engine)
	}
}
