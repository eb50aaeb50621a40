package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/mattn/go-shellwords"
)

// ProcessEngine drives a piper binary. Speak streams raw PCM into the
// playback pipeline; Stream and SynthesizeToFile serve offline use.
type ProcessEngine struct {
	cfg        config.PiperConfig
	extra      []string
	sampleRate int
	channels   int
	timeout    time.Duration
	pipeline   *playback.Pipeline
	logger     *slog.Logger
}

// NewProcessEngine validates the piper configuration. Missing binaries or
// voice files are reported per request, not here, so a chain can still fall
// back when assets appear or disappear at runtime.
func NewProcessEngine(cfg config.TTSConfig, pipeline *playback.Pipeline, logger *slog.Logger) (*ProcessEngine, error) {
	extra, err := shellwords.NewParser().Parse(cfg.Piper.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse piper extra_args: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.SynthTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if pipeline != nil {
		pipeline = pipeline.WithSynthTimeout(timeout)
	}
	return &ProcessEngine{
		cfg:        cfg.Piper,
		extra:      extra,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		timeout:    timeout,
		pipeline:   pipeline,
		logger:     logger.With(slog.String("component", "tts-piper")),
	}, nil
}

func (e *ProcessEngine) Name() string { return "piper" }

// Speak synthesizes req and plays it through the playback pipeline. The
// call returns once both processes have exited. The synthesis process is
// bounded by synth_timeout_ms, the pair by the playback timeout.
func (e *ProcessEngine) Speak(ctx context.Context, req Request) error {
	if e.pipeline == nil {
		return fmt.Errorf("%w: no playback pipeline configured", ErrBackendUnavailable)
	}
	binary, err := e.check(req)
	if err != nil {
		return err
	}
	// The pipeline owns process lifetime; ctx only bounds the wait.
	cmd := e.command(context.Background(), binary, req, "--output_raw")
	start := time.Now()
	if err := e.pipeline.Run(ctx, cmd, req.Text); err != nil {
		return mapPipelineError(err)
	}
	e.logger.Debug("sentence spoken",
		slog.Int("chars", len(req.Text)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// Stream starts piper in raw output mode and returns its live PCM stream.
// Close kills the process if it is still running and reaps it.
func (e *ProcessEngine) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	binary, err := e.check(req)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	cmd := e.command(runCtx, binary, req, "--output_raw")
	cmd.Stdin = strings.NewReader(req.Text)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSynthesisProcess, err)
	}
	return &pcmStream{stdout: stdout, cmd: cmd, ctx: runCtx, parent: ctx, cancel: cancel}, nil
}

// SynthesizeToFile writes req as a WAV file at path. In native file mode
// piper writes the container itself; in stream mode the raw output is
// wrapped here.
func (e *ProcessEngine) SynthesizeToFile(ctx context.Context, req Request, path string) error {
	if e.cfg.FileMode == "stream" {
		stream, err := e.Stream(ctx, req)
		if err != nil {
			return err
		}
		_, writeErr := audio.WriteWAV(path, stream, e.rate(req), e.channels)
		closeErr := stream.Close()
		if closeErr != nil {
			return closeErr
		}
		return writeErr
	}

	binary, err := e.check(req)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := e.command(runCtx, binary, req, "--output_file", path)
	cmd.Stdin = strings.NewReader(req.Text)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrSynthesisTimeout, e.timeout)
		}
		return fmt.Errorf("%w: %v: %s", ErrSynthesisProcess, err, lastLine(output))
	}
	return nil
}

// check resolves the binary and confirms the voice assets exist.
func (e *ProcessEngine) check(req Request) (string, error) {
	binary, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	cfg := e.voiceConfig(req)
	for _, path := range []string{cfg.ModelPath(), cfg.ModelConfigPath()} {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: voice asset: %v", ErrBackendUnavailable, err)
		}
	}
	return binary, nil
}

func (e *ProcessEngine) voiceConfig(req Request) config.PiperConfig {
	cfg := e.cfg
	if req.Voice != "" {
		cfg.Voice = req.Voice
	}
	return cfg
}

func (e *ProcessEngine) rate(req Request) int {
	if req.SampleRate > 0 {
		return req.SampleRate
	}
	return e.sampleRate
}

// command builds the piper invocation.
func (e *ProcessEngine) command(ctx context.Context, binary string, req Request, output ...string) *exec.Cmd {
	voice := e.voiceConfig(req)
	args := []string{
		"--model", voice.ModelPath(),
		"--config", voice.ModelConfigPath(),
	}
	args = append(args, output...)
	if e.cfg.EspeakData != "" {
		args = append(args, "--espeak_data", e.cfg.EspeakData)
	}
	args = append(args,
		"--length_scale", formatFloat(pick(req.LengthScale, e.cfg.LengthScale)),
		"--sentence_silence", formatFloat(pick(req.SentenceSilence, e.cfg.SentenceSilence)),
		"--noise_scale", formatFloat(pick(req.NoiseScale, e.cfg.NoiseScale)),
		"--noise_w", formatFloat(pick(req.NoiseW, e.cfg.NoiseW)),
	)
	args = append(args, e.extra...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = filepath.Dir(binary)
	if e.cfg.LibraryPath != "" {
		libPath := e.cfg.LibraryPath
		if existing := os.Getenv("LD_LIBRARY_PATH"); existing != "" {
			libPath += string(os.PathListSeparator) + existing
		}
		cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+libPath)
	}
	return cmd
}

func mapPipelineError(err error) error {
	switch {
	case errors.Is(err, playback.ErrSynthesisExit), errors.Is(err, playback.ErrSynthesisStart):
		return fmt.Errorf("%w: %w", ErrSynthesisProcess, err)
	case errors.Is(err, playback.ErrSynthesisTimeout):
		return fmt.Errorf("%w: %w", ErrSynthesisTimeout, err)
	default:
		return err
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return lines[len(lines)-1]
}

type pcmStream struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
	ctx    context.Context
	parent context.Context
	cancel context.CancelFunc
	eof    bool
	closed bool
}

func (s *pcmStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		s.eof = true
	} else if err != nil && s.ctx.Err() != nil && s.parent.Err() == nil {
		return n, ErrSynthesisTimeout
	}
	return n, err
}

func (s *pcmStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.eof {
		s.cancel()
	}
	err := s.cmd.Wait()
	timedOut := errors.Is(s.ctx.Err(), context.DeadlineExceeded) && s.parent.Err() == nil
	s.cancel()
	switch {
	case !s.eof:
		return nil
	case timedOut:
		return ErrSynthesisTimeout
	case err != nil:
		return fmt.Errorf("%w: %v", ErrSynthesisProcess, err)
	}
	return nil
}
