// Package tts turns sentences into audible speech. Engines either stream
// raw PCM through a playback pipeline or own their playback entirely; a
// Chain tries them in order for every request.
package tts

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrBackendUnavailable means the engine binary or its voice assets are
	// missing.
	ErrBackendUnavailable = errors.New("tts: backend unavailable")

	// ErrSynthesisTimeout means synthesis did not finish within its bound.
	ErrSynthesisTimeout = errors.New("tts: synthesis timed out")

	// ErrSynthesisProcess means the synthesis process exited with an error.
	ErrSynthesisProcess = errors.New("tts: synthesis process failed")

	// ErrAllEnginesFailed is matched by a *ChainError.
	ErrAllEnginesFailed = errors.New("tts: all engines failed")
)

// Request describes one utterance. Zero voice parameters mean "use the
// engine's configured value".
type Request struct {
	Text            string
	Voice           string
	SampleRate      int
	LengthScale     float64
	SentenceSilence float64
	NoiseScale      float64
	NoiseW          float64
}

// Engine speaks a request and returns once the audio has been played.
type Engine interface {
	Name() string
	Speak(ctx context.Context, req Request) error
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func pick(value, fallback float64) float64 {
	if value != 0 {
		return value
	}
	return fallback
}
