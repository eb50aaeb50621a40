package turn

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	turns          metric.Int64Counter
	sentences      metric.Int64Counter
	engineFailures metric.Int64Counter
	streamFailures metric.Int64Counter
	firstSentence  metric.Float64Histogram
	speakDuration  metric.Float64Histogram
	turnDuration   metric.Float64Histogram
}

// newMetrics returns usable instruments even on error; failed instruments
// are left nil and skipped.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var errs []error
	var err error
	if m.turns, err = meter.Int64Counter("loqa.voice.turns", metric.WithDescription("Finished turns by state")); err != nil {
		errs = append(errs, err)
	}
	if m.sentences, err = meter.Int64Counter("loqa.voice.sentences", metric.WithDescription("Spoken sentences by engine")); err != nil {
		errs = append(errs, err)
	}
	if m.engineFailures, err = meter.Int64Counter("loqa.voice.engine.failures", metric.WithDescription("Absorbed and final engine failures")); err != nil {
		errs = append(errs, err)
	}
	if m.streamFailures, err = meter.Int64Counter("loqa.voice.stream.failures", metric.WithDescription("Reply streams replaced by a single request")); err != nil {
		errs = append(errs, err)
	}
	if m.firstSentence, err = meter.Float64Histogram("loqa.voice.first_sentence.latency", metric.WithUnit("s"), metric.WithDescription("Time from prompt to first complete sentence")); err != nil {
		errs = append(errs, err)
	}
	if m.speakDuration, err = meter.Float64Histogram("loqa.voice.speak.duration", metric.WithUnit("s"), metric.WithDescription("Time to speak one sentence")); err != nil {
		errs = append(errs, err)
	}
	if m.turnDuration, err = meter.Float64Histogram("loqa.voice.turn.duration", metric.WithUnit("s"), metric.WithDescription("Turn wall clock time")); err != nil {
		errs = append(errs, err)
	}
	return m, errors.Join(errs...)
}

func (m *metrics) recordTurn(ctx context.Context, state State, elapsed time.Duration) {
	if m.turns != nil {
		m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
	if m.turnDuration != nil {
		m.turnDuration.Record(ctx, elapsed.Seconds())
	}
}

func (m *metrics) recordSentence(ctx context.Context, engine string, elapsed time.Duration) {
	if m.sentences != nil {
		m.sentences.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
	if m.speakDuration != nil {
		m.speakDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("engine", engine)))
	}
}

func (m *metrics) recordEngineFailure(ctx context.Context, engine string) {
	if m.engineFailures != nil {
		m.engineFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

func (m *metrics) recordStreamFailure(ctx context.Context) {
	if m.streamFailures != nil {
		m.streamFailures.Add(ctx, 1)
	}
}

func (m *metrics) recordFirstSentence(ctx context.Context, latency time.Duration) {
	if m.firstSentence != nil {
		m.firstSentence.Record(ctx, latency.Seconds())
	}
}
