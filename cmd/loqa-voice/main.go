package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/mattn/go-isatty"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-voice.yaml"

type options struct {
	configPath  string
	host        string
	model       string
	engine      string
	once        string
	loop        bool
	read        bool
	readFile    string
	noSpeak     bool
	listModels  bool
	chat        string
	out         string
	serve       bool
	showVersion bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, explicitConfig, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(opts.configPath, !explicitConfig)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	cfg = applyFlags(cfg, opts)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Telemetry, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := runtime.SetupTelemetry(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to setup telemetry", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	switch {
	case opts.listModels:
		return listModels(ctx, cfg, stdout, logger)
	case opts.chat != "":
		return chat(ctx, cfg, opts.chat, stdout, logger)
	case opts.out != "":
		text, code := inputText(opts, stdin, stderr)
		if code != 0 {
			return code
		}
		if strings.TrimSpace(text) == "" {
			fmt.Fprintln(stderr, "no text to synthesize")
			return 1
		}
		return synthesizeToFile(ctx, cfg, text, opts.out, stdout, logger)
	}

	a, err := newApp(ctx, cfg, opts.noSpeak, stdout, logger)
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	switch {
	case opts.serve:
		if err := a.serve(ctx, tel); err != nil {
			logger.Error("serve exited with error", slog.String("error", err.Error()))
			return 1
		}
		logger.Info("shutdown complete")
		return 0
	case opts.read || opts.readFile != "":
		text, code := inputText(opts, stdin, stderr)
		if code != 0 {
			return code
		}
		if strings.TrimSpace(text) == "" {
			return 0
		}
		return a.read(ctx, text)
	case opts.once != "":
		return a.once(ctx, opts.once)
	case opts.loop || isTerminal(stdin):
		return a.loop(ctx, stdin, isTerminal(stdin))
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "failed to read stdin: %v\n", err)
			return 1
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			fmt.Fprintln(stderr, "no prompt given; use -once, -loop or pipe a prompt on stdin")
			return 1
		}
		return a.once(ctx, prompt)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, bool, error) {
	var opts options
	fs := flag.NewFlagSet("loqa-voice", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	fs.StringVar(&opts.host, "host", "", "Model server address (overrides llm.endpoint)")
	fs.StringVar(&opts.model, "model", "", "Model identifier (overrides llm.model)")
	fs.StringVar(&opts.engine, "tts", "", "Speech engine: piper, espeak or mock")
	fs.StringVar(&opts.once, "once", "", "Answer a single prompt and exit")
	fs.BoolVar(&opts.loop, "loop", false, "Read prompts line by line until EOF or quit")
	fs.BoolVar(&opts.read, "read", false, "Speak text from stdin without generation")
	fs.StringVar(&opts.readFile, "read-file", "", "Speak text from a file without generation")
	fs.BoolVar(&opts.noSpeak, "no-speak", false, "Print the reply without speaking it")
	fs.BoolVar(&opts.listModels, "list-models", false, "List models available on the model server")
	fs.StringVar(&opts.chat, "chat", "", "Send one chat message and print the answer")
	fs.StringVar(&opts.out, "out", "", "Synthesize text to a WAV file and report its real-time factor")
	fs.BoolVar(&opts.serve, "serve", false, "Serve prompts from the bus with health and metrics endpoints")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, false, err
	}
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	return opts, explicit, nil
}

func applyFlags(cfg config.Config, opts options) config.Config {
	if host := strings.TrimSpace(opts.host); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		cfg.LLM.Endpoint = host
	}
	if opts.model != "" {
		cfg.LLM.Model = opts.model
	}
	if opts.engine != "" {
		cfg.TTS.Engine = opts.engine
	}
	return cfg
}

// inputText returns the text to speak for -read, -read-file, -once and -out.
// Empty input is not an error here; callers decide.
func inputText(opts options, stdin io.Reader, stderr io.Writer) (string, int) {
	switch {
	case opts.readFile != "":
		data, err := os.ReadFile(opts.readFile)
		if err != nil {
			fmt.Fprintf(stderr, "cannot read %s: %v\n", opts.readFile, err)
			return "", 1
		}
		return string(data), 0
	case opts.once != "":
		return opts.once, 0
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "failed to read stdin: %v\n", err)
			return "", 1
		}
		return string(data), 0
	}
}

func newLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
