package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Speaker speaks one request; *tts.Chain satisfies it.
type Speaker interface {
	Dispatch(ctx context.Context, req tts.Request) (tts.Outcome, error)
}

// Controller runs turns one at a time. Sentences are spoken strictly in
// generation order and never overlap.
type Controller struct {
	source     llm.Source
	speaker    Speaker
	request    llm.Request
	display    io.Writer
	queueDepth int
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics

	mu        sync.Mutex
	observers []Observer
}

// New builds a controller. A nil speaker disables speech; reply text is
// still mirrored to display.
func New(cfg config.Config, source llm.Source, speaker Speaker, display io.Writer, logger *slog.Logger) *Controller {
	if display == nil {
		display = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	depth := cfg.Turn.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	c := &Controller{
		source:     source,
		speaker:    speaker,
		request:    llm.RequestFromConfig(cfg.LLM, ""),
		display:    display,
		queueDepth: depth,
		logger:     logger.With(slog.String("component", "turn")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-voice/turn"),
	}
	m, err := newMetrics(otel.Meter("github.com/loqalabs/loqa-voice/turn"))
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = m
	return c
}

// AddObserver registers o for every subsequent turn.
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Run streams a reply to prompt and speaks it sentence by sentence. The
// returned Turn is never nil. Stream failures are absorbed with a single
// non-streaming retry; speech failures end the turn with ErrSpeech.
func (c *Controller) Run(ctx context.Context, prompt string) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := newTurn(uuid.NewString(), prompt)
	ctx, span := c.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("turn.id", t.ID),
		attribute.Int("prompt.chars", len(prompt)),
	))
	defer span.End()
	c.logger.Info("turn started", slog.String("turn_id", t.ID))
	c.emit(ctx, Event{TurnID: t.ID, Type: EventStarted, Prompt: prompt})

	req := c.request
	req.Prompt = prompt

	var (
		seg       segment.Segmenter
		streamErr error
		queue     = make(chan string, c.queueDepth)
	)
	t.setState(StateStreaming)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		first := true
		err := c.source.Stream(gctx, req, func(chunk llm.Chunk) error {
			if chunk.Content == "" {
				return nil
			}
			t.appendReply(chunk.Content)
			c.show(chunk.Content)
			for _, sentence := range seg.Feed(chunk.Content) {
				if first {
					first = false
					c.metrics.recordFirstSentence(gctx, time.Since(t.StartedAt))
				}
				if err := enqueue(gctx, queue, sentence); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			// Queued sentences are still spoken; the remainder of the
			// reply is recovered after the speak stage drains.
			streamErr = err
			return nil
		}
		t.setState(StateSpeaking)
		if last, ok := seg.Flush(); ok {
			return enqueue(gctx, queue, last)
		}
		return nil
	})

	g.Go(func() error {
		for sentence := range queue {
			if err := c.speak(gctx, t, sentence); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err == nil && streamErr != nil {
		err = c.recover(ctx, t, req, seg.Emitted(), streamErr)
	}
	return c.finish(ctx, span, t, err)
}

// Read speaks text without generation, sentence by sentence.
func (c *Controller) Read(ctx context.Context, text string) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := newTurn(uuid.NewString(), "")
	ctx, span := c.tracer.Start(ctx, "read", trace.WithAttributes(
		attribute.String("turn.id", t.ID),
		attribute.Int("text.chars", len(text)),
	))
	defer span.End()
	c.emit(ctx, Event{TurnID: t.ID, Type: EventStarted})

	t.appendReply(text)
	t.setState(StateSpeaking)
	var err error
	for _, sentence := range segment.Split(text) {
		if err = c.speak(ctx, t, sentence); err != nil {
			break
		}
	}
	return c.finish(ctx, span, t, err)
}

// recover performs the single non-streaming request that replaces a
// failed stream and speaks what was not spoken yet.
func (c *Controller) recover(ctx context.Context, t *Turn, req llm.Request, emitted string, streamErr error) error {
	t.StreamErr = streamErr
	c.logger.Warn("reply stream failed; falling back to a single request",
		slog.String("turn_id", t.ID), slogError(streamErr))
	c.metrics.recordStreamFailure(ctx)
	c.emit(ctx, Event{TurnID: t.ID, Type: EventStreamFailed, Err: streamErr})

	t.setState(StateSpeaking)
	reply, err := c.source.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w; fallback request: %v", streamErr, err)
	}

	if rest, ok := strings.CutPrefix(reply, t.Reply()); ok {
		c.show(rest)
		t.appendReply(rest)
	} else {
		c.show("\n" + reply)
		t.setReply(reply)
	}

	remainder := Remainder(reply, emitted)
	c.emit(ctx, Event{TurnID: t.ID, Type: EventFallbackReply, Sentence: remainder})
	if remainder == "" {
		return nil
	}
	return c.speak(ctx, t, remainder)
}

// Remainder returns the part of reply that follows the already spoken
// text. When reply does not start with spoken, all of reply is returned.
func Remainder(reply, spoken string) string {
	trimmedReply := strings.TrimLeftFunc(reply, unicode.IsSpace)
	trimmedSpoken := strings.TrimSpace(spoken)
	if trimmedSpoken != "" && strings.HasPrefix(trimmedReply, trimmedSpoken) {
		return strings.TrimSpace(trimmedReply[len(trimmedSpoken):])
	}
	return strings.TrimSpace(reply)
}

func (c *Controller) speak(ctx context.Context, t *Turn, sentence string) error {
	if c.speaker == nil {
		t.addSentence(sentence, "")
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "speak", trace.WithAttributes(attribute.Int("sentence.chars", len(sentence))))
	defer span.End()

	start := time.Now()
	outcome, err := c.speaker.Dispatch(ctx, tts.Request{Text: sentence})
	for _, failure := range outcome.Failures {
		c.metrics.recordEngineFailure(ctx, failure.Engine)
		c.emit(ctx, Event{TurnID: t.ID, Type: EventEngineFailed, Sentence: sentence, Engine: failure.Engine, Err: failure.Err})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.emit(ctx, Event{TurnID: t.ID, Type: EventSpeechFailed, Sentence: sentence, Err: err})
		return fmt.Errorf("%w: %w", ErrSpeech, err)
	}

	elapsed := time.Since(start)
	index := t.addSentence(sentence, outcome.Engine)
	span.SetAttributes(attribute.String("engine", outcome.Engine))
	c.metrics.recordSentence(ctx, outcome.Engine, elapsed)
	c.emit(ctx, Event{TurnID: t.ID, Type: EventSentence, Sentence: sentence, Index: index, Engine: outcome.Engine, Elapsed: elapsed})
	return nil
}

func (c *Controller) finish(ctx context.Context, span trace.Span, t *Turn, err error) (*Turn, error) {
	t.FinishedAt = time.Now().UTC()
	t.Err = err
	state := StateCompleted
	if err != nil {
		state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("turn failed", slog.String("turn_id", t.ID), slogError(err))
		}
	}
	t.setState(state)
	elapsed := t.FinishedAt.Sub(t.StartedAt)
	c.metrics.recordTurn(ctx, state, elapsed)
	// Observers still get the final event after cancellation.
	c.emit(context.WithoutCancel(ctx), Event{TurnID: t.ID, Type: EventFinished, State: state, Reply: t.Reply(), Elapsed: elapsed, Err: err})
	c.logger.Info("turn finished",
		slog.String("turn_id", t.ID),
		slog.String("state", string(state)),
		slog.Int("sentences", len(t.Sentences())),
		slog.Duration("elapsed", elapsed))
	return t, err
}

func (c *Controller) show(text string) {
	if text == "" {
		return
	}
	_, _ = io.WriteString(c.display, text)
}

func (c *Controller) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, o := range c.observers {
		o.Observe(ctx, ev)
	}
}

func enqueue(ctx context.Context, queue chan<- string, sentence string) error {
	select {
	case queue <- sentence:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
