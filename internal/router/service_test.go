package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: server.RANDOM_PORT, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "router-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func subscribe(t *testing.T, client *bus.Client, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func publishPrompt(t *testing.T, client *bus.Client, req protocol.PromptRequest) {
	t.Helper()
	if err := client.PublishJSON(protocol.SubjectPrompt, req); err != nil {
		t.Fatalf("publish prompt: %v", err)
	}
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func receive[T any](t *testing.T, ch chan *nats.Msg) T {
	t.Helper()
	var v T
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return v
}

func routerConfig() config.RouterConfig {
	return config.RouterConfig{Enabled: true, Target: "default", PublishSentences: true, Backlog: 4}
}

func TestPromptRunsTurnAndPublishes(t *testing.T) {
	client := connectBus(t)
	sentences := subscribe(t, client, protocol.SubjectSentence)
	done := subscribe(t, client, protocol.SubjectTurnDone)

	chain, err := tts.NewChain(newLogger(), tts.NewMockEngine("mock"))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	source := &llm.Mock{Chunks: []string{"Hello there. ", "How are ", "you?"}}
	controller := turn.New(config.Default(), source, chain, nil, newLogger())

	svc := NewService(context.Background(), routerConfig(), client, controller, newLogger())
	controller.AddObserver(svc)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy router")
	}

	publishPrompt(t, client, protocol.PromptRequest{RequestID: "req-1", Text: "hi"})

	first := receive[protocol.SentenceEvent](t, sentences)
	second := receive[protocol.SentenceEvent](t, sentences)
	if first.Text != "Hello there." || second.Text != "How are you?" {
		t.Fatalf("unexpected sentences %q, %q", first.Text, second.Text)
	}
	if first.RequestID != "req-1" || first.Engine != "mock" || second.Index != 1 {
		t.Fatalf("unexpected sentence metadata %+v / %+v", first, second)
	}

	status := receive[protocol.TurnStatus](t, done)
	if status.RequestID != "req-1" || status.State != string(turn.StateCompleted) {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Sentences != 2 || status.Reply != "Hello there. How are you?" || status.Error != "" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.TurnID != first.TurnID {
		t.Fatalf("turn id mismatch: %s vs %s", status.TurnID, first.TurnID)
	}
}

func TestReadRequestSkipsModel(t *testing.T) {
	client := connectBus(t)
	done := subscribe(t, client, protocol.SubjectTurnDone)

	engine := tts.NewMockEngine("mock")
	chain, err := tts.NewChain(newLogger(), engine)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	source := &llm.Mock{}
	controller := turn.New(config.Default(), source, chain, nil, newLogger())
	svc := NewService(context.Background(), routerConfig(), client, controller, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	publishPrompt(t, client, protocol.PromptRequest{Text: "One. Two.", Read: true})
	status := receive[protocol.TurnStatus](t, done)
	if status.RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if status.Sentences != 2 {
		t.Fatalf("expected 2 sentences, got %+v", status)
	}
	if streams, generates := source.Calls(); streams != 0 || generates != 0 {
		t.Fatalf("expected no model calls, got %d/%d", streams, generates)
	}
	if got := engine.Spoken(); len(got) != 2 || got[0] != "One." {
		t.Fatalf("unexpected spoken %v", got)
	}
}

type blockingRunner struct {
	started chan string
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, prompt string) (*turn.Turn, error) {
	b.started <- prompt
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &turn.Turn{ID: prompt}, nil
}

func (b *blockingRunner) Read(ctx context.Context, text string) (*turn.Turn, error) {
	return b.Run(ctx, text)
}

func TestBacklogFullAndEmptyPromptsAreRejected(t *testing.T) {
	client := connectBus(t)
	done := subscribe(t, client, protocol.SubjectTurnDone)

	runner := &blockingRunner{started: make(chan string, 4), release: make(chan struct{})}
	cfg := routerConfig()
	cfg.Backlog = 1
	svc := NewService(context.Background(), cfg, client, runner, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	publishPrompt(t, client, protocol.PromptRequest{RequestID: "a", Text: "first"})
	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("first turn never started")
	}
	publishPrompt(t, client, protocol.PromptRequest{RequestID: "b", Text: "second"})
	publishPrompt(t, client, protocol.PromptRequest{RequestID: "c", Text: "third"})
	publishPrompt(t, client, protocol.PromptRequest{RequestID: "d", Text: "   "})

	rejected := receive[protocol.TurnStatus](t, done)
	if rejected.RequestID != "c" || rejected.State != protocol.StateRejected {
		t.Fatalf("expected c rejected, got %+v", rejected)
	}
	empty := receive[protocol.TurnStatus](t, done)
	if empty.RequestID != "d" || empty.State != protocol.StateRejected {
		t.Fatalf("expected d rejected, got %+v", empty)
	}

	close(runner.release)
	finished := receive[protocol.TurnStatus](t, done)
	if finished.RequestID != "a" {
		t.Fatalf("expected a to finish first, got %+v", finished)
	}
	if next := <-runner.started; next != "second" {
		t.Fatalf("expected queued prompt to run next, got %q", next)
	}
	finished = receive[protocol.TurnStatus](t, done)
	if finished.RequestID != "b" {
		t.Fatalf("expected b to finish, got %+v", finished)
	}
}

func TestPromptForOtherTargetIgnored(t *testing.T) {
	client := connectBus(t)
	runner := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	close(runner.release)
	svc := NewService(context.Background(), routerConfig(), client, runner, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	publishPrompt(t, client, protocol.PromptRequest{Target: "garage", Text: "hello"})
	select {
	case p := <-runner.started:
		t.Fatalf("unexpected turn for %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisabledRouterIsHealthy(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{}, nil, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled router should report healthy")
	}
	svc.Close()
}
