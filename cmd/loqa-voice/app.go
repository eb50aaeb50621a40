package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
)

type app struct {
	cfg        config.Config
	logger     *slog.Logger
	stdout     io.Writer
	chain      *tts.Chain
	controller *turn.Controller
	store      *eventstore.Store
}

func newApp(ctx context.Context, cfg config.Config, noSpeak bool, stdout io.Writer, logger *slog.Logger) (*app, error) {
	source, err := llm.NewFromConfig(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, stdout: stdout}
	var speaker turn.Speaker
	if !noSpeak {
		chain, err := tts.NewFromConfig(cfg.TTS, logger)
		if err != nil {
			return nil, err
		}
		a.chain = chain
		speaker = chain
	}
	a.controller = turn.New(cfg, source, speaker, stdout, logger)

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		logger.Warn("event store disabled", slog.String("error", err.Error()))
	} else {
		a.store = store
		a.controller.AddObserver(store)
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (a *app) once(ctx context.Context, prompt string) int {
	t, err := a.controller.Run(ctx, prompt)
	fmt.Fprintln(a.stdout)
	a.report(t, err)
	return 0
}

func (a *app) read(ctx context.Context, text string) int {
	t, err := a.controller.Read(ctx, text)
	a.report(t, err)
	return 0
}

// report logs a failed turn. Turn failures never change the exit status.
func (a *app) report(t *turn.Turn, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, turn.ErrSpeech):
		a.logger.Error("reply could not be spoken", slog.String("turn_id", t.ID), slog.String("error", err.Error()))
	default:
		a.logger.Error("turn failed", slog.String("turn_id", t.ID), slog.String("error", err.Error()))
	}
}

func (a *app) loop(ctx context.Context, stdin io.Reader, interactive bool) int {
	scanner := bufio.NewScanner(stdin)
	for {
		if interactive {
			fmt.Fprint(a.stdout, "> ")
		}
		if !scanner.Scan() {
			break
		}
		prompt := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(prompt) {
		case "":
			continue
		case "quit", "exit":
			return 0
		}
		t, err := a.controller.Run(ctx, prompt)
		fmt.Fprintln(a.stdout)
		a.report(t, err)
		if ctx.Err() != nil {
			return 0
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("failed to read prompts", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func (a *app) serve(ctx context.Context, tel *runtime.Telemetry) error {
	embedded, err := natsserver.Start(a.cfg.Bus, a.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := a.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, a.cfg.RuntimeName, busCfg, a.logger)
	if err != nil {
		return err
	}
	defer client.Close()

	svc := router.NewService(ctx, a.cfg.Router, client, a.controller, a.logger)
	a.controller.AddObserver(svc)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	defer svc.Close()

	registry, err := capability.NewRegistry(ctx, a.cfg.Node, a.capabilities(), client, a.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	defer registry.Close()

	if a.store != nil {
		go a.pruneLoop(ctx)
	}

	rt := runtime.New(a.cfg, tel, a.logger)
	rt.AddCheck("bus", client.Healthy)
	rt.AddCheck("router", svc.Healthy)
	rt.AddCheck("node", registry.Healthy)
	return rt.Start(ctx)
}

func (a *app) capabilities() []capability.Capability {
	engine := "none"
	if a.chain != nil {
		engine = a.chain.Name()
	}
	return []capability.Capability{
		{Name: "tts", Attributes: map[string]string{"engine": engine}},
		{Name: "llm", Attributes: map[string]string{"mode": a.cfg.LLM.Mode, "model": a.cfg.LLM.Model}},
	}
}

func (a *app) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.Prune(ctx); err != nil {
				a.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func listModels(ctx context.Context, cfg config.Config, stdout io.Writer, logger *slog.Logger) int {
	client := llm.NewOllama(cfg.LLM.Endpoint, time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond)
	models, err := client.ListModels(ctx)
	if err != nil {
		logger.Error("failed to list models", slog.String("endpoint", cfg.LLM.Endpoint), slog.String("error", err.Error()))
		return 1
	}
	for _, m := range models {
		fmt.Fprintf(stdout, "%s\t%.1f MB\n", m.Name, float64(m.Size)/(1<<20))
	}
	return 0
}

func chat(ctx context.Context, cfg config.Config, message string, stdout io.Writer, logger *slog.Logger) int {
	client := llm.NewOllama(cfg.LLM.Endpoint, time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond)
	start := time.Now()
	reply, err := client.Chat(ctx, llm.RequestFromConfig(cfg.LLM, message))
	if err != nil {
		logger.Error("chat failed", slog.String("endpoint", cfg.LLM.Endpoint), slog.String("error", err.Error()))
		return 1
	}
	fmt.Fprintln(stdout, reply)
	logger.Info("chat finished", slog.String("model", cfg.LLM.Model), slog.Duration("elapsed", time.Since(start)))
	return 0
}

func synthesizeToFile(ctx context.Context, cfg config.Config, text, path string, stdout io.Writer, logger *slog.Logger) int {
	chain, err := tts.NewFromConfig(cfg.TTS, logger)
	if err != nil {
		logger.Error("failed to build speech engines", slog.String("error", err.Error()))
		return 1
	}
	var engine *tts.ProcessEngine
	for _, e := range chain.Engines() {
		if pe, ok := e.(*tts.ProcessEngine); ok {
			engine = pe
			break
		}
	}
	if engine == nil {
		logger.Error("-out needs the piper engine", slog.String("engine", cfg.TTS.Engine))
		return 1
	}

	start := time.Now()
	if err := engine.SynthesizeToFile(ctx, tts.Request{Text: strings.TrimSpace(text)}, path); err != nil {
		logger.Error("synthesis failed", slog.String("error", err.Error()))
		return 1
	}
	elapsed := time.Since(start)

	info, err := audio.ReadFileInfo(path)
	if err != nil {
		logger.Error("cannot parse synthesized audio", slog.String("path", path), slog.String("error", err.Error()))
		return 1
	}
	fmt.Fprintf(stdout, "%s: %.2fs of audio at %d Hz, synthesized in %.2fs (RTF %.3f)\n",
		path, info.Seconds(), info.SampleRate, elapsed.Seconds(), audio.RealTimeFactor(elapsed, info))
	return 0
}
