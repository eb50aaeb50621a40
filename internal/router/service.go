// Package router connects the turn controller to the bus: prompts arrive on
// assistant.prompt, spoken sentences and finished turns are published back.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/nats-io/nats.go"
)

// Runner executes turns; *turn.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, prompt string) (*turn.Turn, error)
	Read(ctx context.Context, text string) (*turn.Turn, error)
}

// Service feeds bus prompts to a single worker, so turns never overlap.
type Service struct {
	cfg       config.RouterConfig
	bus       *bus.Client
	runner    Runner
	logger    *slog.Logger
	subPrompt *nats.Subscription
	queue     chan protocol.PromptRequest
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	current string
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, runner Runner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 1
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		logger: logger.With(slog.String("component", "router")),
		queue:  make(chan protocol.PromptRequest, backlog),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectPrompt, s.handlePrompt)
	if err != nil {
		return err
	}
	s.subPrompt = sub

	s.wg.Add(1)
	go s.work()
	s.logger.Info("router listening", slog.String("subject", protocol.SubjectPrompt), slog.String("target", s.cfg.Target))
	return nil
}

// Close stops intake, cancels the running turn and waits for the worker.
func (s *Service) Close() {
	if s.subPrompt != nil {
		_ = s.subPrompt.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subPrompt != nil && s.subPrompt.IsValid())
}

func (s *Service) handlePrompt(msg *nats.Msg) {
	var req protocol.PromptRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode prompt", slogError(err))
		return
	}
	if req.Target != "" && req.Target != s.cfg.Target {
		s.logger.Debug("ignoring prompt for another target", slog.String("target", req.Target))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if strings.TrimSpace(req.Text) == "" {
		s.reject(req, "empty prompt")
		return
	}

	select {
	case s.queue <- req:
	default:
		s.reject(req, "backlog full")
	}
}

func (s *Service) reject(req protocol.PromptRequest, reason string) {
	s.logger.Warn("router rejected prompt", slog.String("request_id", req.RequestID), slog.String("reason", reason))
	s.publish(protocol.SubjectTurnDone, protocol.TurnStatus{
		RequestID: req.RequestID,
		State:     protocol.StateRejected,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			s.runTurn(req)
		}
	}
}

func (s *Service) runTurn(req protocol.PromptRequest) {
	s.mu.Lock()
	s.current = req.RequestID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = ""
		s.mu.Unlock()
	}()

	var (
		t   *turn.Turn
		err error
	)
	if req.Read {
		t, err = s.runner.Read(s.ctx, req.Text)
	} else {
		t, err = s.runner.Run(s.ctx, req.Text)
	}

	status := protocol.TurnStatus{
		RequestID: req.RequestID,
		TurnID:    t.ID,
		State:     string(t.State()),
		Reply:     t.Reply(),
		Sentences: len(t.Sentences()),
		ElapsedMS: t.FinishedAt.Sub(t.StartedAt).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	s.publish(protocol.SubjectTurnDone, status)
}

// Observe publishes every spoken sentence of the running request.
func (s *Service) Observe(_ context.Context, ev turn.Event) {
	if !s.cfg.PublishSentences || ev.Type != turn.EventSentence {
		return
	}
	s.mu.Lock()
	requestID := s.current
	s.mu.Unlock()

	s.publish(protocol.SubjectSentence, protocol.SentenceEvent{
		RequestID: requestID,
		TurnID:    ev.TurnID,
		Index:     ev.Index,
		Text:      ev.Sentence,
		Engine:    ev.Engine,
		ElapsedMS: ev.Elapsed.Milliseconds(),
		Timestamp: ev.At,
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("router failed to publish", slog.String("subject", subject), slogError(err))
	}
}

var _ turn.Observer = (*Service)(nil)

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
