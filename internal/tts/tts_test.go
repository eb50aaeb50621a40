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
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/playback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"sh", "cat"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

// piperConfig lays out a fake piper install with voice assets in dir.
func piperConfig(t *testing.T, dir, script string) config.TTSConfig {
	t.Helper()
	cfg := config.Default().TTS
	cfg.Engine = "piper"
	cfg.SynthTimeoutMS = 5000
	cfg.Piper.Binary = writeScript(t, dir, "piper", script)
	cfg.Piper.ModelDir = filepath.Join(dir, "models")
	cfg.Piper.EspeakData = filepath.Join(dir, "espeak-ng-data")
	cfg.Piper.LibraryPath = filepath.Join(dir, "lib")
	if err := os.MkdirAll(cfg.Piper.ModelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, path := range []string{cfg.Piper.ModelPath(), cfg.Piper.ModelConfigPath()} {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write asset: %v", err)
		}
	}
	return cfg
}

func TestChainFallsBackPerRequest(t *testing.T) {
	primary := NewMockEngine("primary")
	primary.Fail = func(Request) error { return ErrBackendUnavailable }
	secondary := NewMockEngine("secondary")
	chain, err := NewChain(testLogger(), primary, secondary)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	for _, text := range []string{"One.", "Two."} {
		outcome, err := chain.Dispatch(context.Background(), Request{Text: text})
		if err != nil {
			t.Fatalf("dispatch %q: %v", text, err)
		}
		if outcome.Engine != "secondary" {
			t.Fatalf("expected secondary engine, got %s", outcome.Engine)
		}
		if len(outcome.Failures) != 1 || outcome.Failures[0].Engine != "primary" {
			t.Fatalf("expected the absorbed primary failure to be reported, got %+v", outcome.Failures)
		}
	}
	if primary.Attempts() != 2 {
		t.Fatalf("failures must not be sticky: expected 2 primary attempts, got %d", primary.Attempts())
	}
	if got := secondary.Spoken(); strings.Join(got, "|") != "One.|Two." {
		t.Fatalf("unexpected spoken texts %q", got)
	}
}

func TestChainRecoversPrimaryAfterTransientFailure(t *testing.T) {
	calls := 0
	primary := NewMockEngine("primary")
	primary.Fail = func(Request) error {
		calls++
		if calls == 1 {
			return ErrSynthesisProcess
		}
		return nil
	}
	secondary := NewMockEngine("secondary")
	chain, _ := NewChain(testLogger(), primary, secondary)

	first, _ := chain.Dispatch(context.Background(), Request{Text: "a"})
	second, _ := chain.Dispatch(context.Background(), Request{Text: "b"})
	if first.Engine != "secondary" || second.Engine != "primary" {
		t.Fatalf("expected secondary then primary, got %s then %s", first.Engine, second.Engine)
	}
}

func TestChainAllEnginesFail(t *testing.T) {
	primary := NewMockEngine("primary")
	primary.Fail = func(Request) error { return ErrBackendUnavailable }
	secondary := NewMockEngine("secondary")
	secondary.Fail = func(Request) error { return ErrSynthesisProcess }
	chain, _ := NewChain(testLogger(), primary, secondary)

	err := chain.Speak(context.Background(), Request{Text: "Hello."})
	if !errors.Is(err, ErrAllEnginesFailed) {
		t.Fatalf("expected ErrAllEnginesFailed, got %v", err)
	}
	if !errors.Is(err, ErrSynthesisProcess) {
		t.Fatalf("chain error should unwrap to the last engine error, got %v", err)
	}
	var chainErr *ChainError
	if !errors.As(err, &chainErr) || len(chainErr.Failures) != 2 {
		t.Fatalf("expected ChainError with 2 failures, got %#v", err)
	}
	if chainErr.Failures[0].Engine != "primary" {
		t.Fatalf("unexpected first failure %+v", chainErr.Failures[0])
	}
}

func TestChainStopsOnCancellation(t *testing.T) {
	primary := NewMockEngine("primary")
	primary.Delay = time.Second
	secondary := NewMockEngine("secondary")
	chain, _ := NewChain(testLogger(), primary, secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := chain.Speak(ctx, Request{Text: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if secondary.Attempts() != 0 {
		t.Fatal("cancelled request must not reach the next engine")
	}
}

func TestNewChainRequiresEngine(t *testing.T) {
	if _, err := NewChain(testLogger()); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestProcessEngineSpeakStreamsIntoPlayback(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg := piperConfig(t, dir, `echo "$@" > args.txt
echo "$LD_LIBRARY_PATH" > libpath.txt
exec cat`)
	played := filepath.Join(dir, "played.raw")
	pipeline, err := playback.New(fmt.Sprintf("sh -c 'cat > %s'", played), 22050, 1, 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	engine, err := NewProcessEngine(cfg, pipeline, testLogger())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	if err := engine.Speak(context.Background(), Request{Text: "Hello there.", NoiseW: 0.5}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if data, _ := os.ReadFile(played); string(data) != "Hello there." {
		t.Fatalf("expected synthesized bytes to reach playback, got %q", data)
	}

	args, _ := os.ReadFile(filepath.Join(dir, "args.txt"))
	for _, want := range []string{
		"--model " + cfg.Piper.ModelPath(),
		"--config " + cfg.Piper.ModelConfigPath(),
		"--output_raw",
		"--espeak_data " + cfg.Piper.EspeakData,
		"--length_scale 0.9",
		"--sentence_silence 0.1",
		"--noise_scale 0.7",
		"--noise_w 0.5",
	} {
		if !strings.Contains(string(args), want) {
			t.Fatalf("expected %q in piper args %q", want, args)
		}
	}
	libPath, _ := os.ReadFile(filepath.Join(dir, "libpath.txt"))
	if !strings.HasPrefix(string(libPath), cfg.Piper.LibraryPath) {
		t.Fatalf("expected LD_LIBRARY_PATH to start with %s, got %q", cfg.Piper.LibraryPath, libPath)
	}
}

func TestProcessEngineUnavailable(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg := piperConfig(t, dir, "exec cat")
	pipeline, _ := playback.New("cat", 22050, 1, time.Second, testLogger())

	missingBinary := cfg
	missingBinary.Piper.Binary = filepath.Join(dir, "nope", "piper")
	engine, _ := NewProcessEngine(missingBinary, pipeline, testLogger())
	if err := engine.Speak(context.Background(), Request{Text: "x"}); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable for missing binary, got %v", err)
	}

	engine, _ = NewProcessEngine(cfg, pipeline, testLogger())
	if err := engine.Speak(context.Background(), Request{Text: "x", Voice: "missing-voice"}); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable for missing voice, got %v", err)
	}
}

func TestProcessEngineSynthesisFailure(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg := piperConfig(t, dir, "cat > /dev/null\nexit 1")
	pipeline, _ := playback.New("cat", 22050, 1, 5*time.Second, testLogger())
	engine, _ := NewProcessEngine(cfg, pipeline, testLogger())

	err := engine.Speak(context.Background(), Request{Text: "Hello."})
	if !errors.Is(err, ErrSynthesisProcess) {
		t.Fatalf("expected ErrSynthesisProcess, got %v", err)
	}
	if !errors.Is(err, playback.ErrSynthesisExit) {
		t.Fatalf("expected the pipeline error to stay visible, got %v", err)
	}
}

func TestProcessEngineSpeakSynthesisTimeout(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg := piperConfig(t, dir, "cat > /dev/null\nexec sleep 5")
	cfg.SynthTimeoutMS = 200
	pipeline, _ := playback.New("cat", 22050, 1, 10*time.Second, testLogger())
	engine, _ := NewProcessEngine(cfg, pipeline, testLogger())

	start := time.Now()
	err := engine.Speak(context.Background(), Request{Text: "Hello."})
	if !errors.Is(err, ErrSynthesisTimeout) || !errors.Is(err, playback.ErrSynthesisTimeout) {
		t.Fatalf("expected ErrSynthesisTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("synth_timeout_ms not enforced while speaking")
	}
}

func TestSynthesizeToFileStreamMode(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	dir := t.TempDir()
	cfg := piperConfig(t, dir, "cat > /dev/null\nhead -c 4410 /dev/zero")
	cfg.Piper.FileMode = "stream"
	engine, _ := NewProcessEngine(cfg, nil, testLogger())

	out := filepath.Join(dir, "out.wav")
	if err := engine.SynthesizeToFile(context.Background(), Request{Text: "Hi."}, out); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	info, err := audio.ReadFileInfo(out)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if info.Frames() != 2205 || info.Duration() != 100*time.Millisecond {
		t.Fatalf("unexpected wav info %+v (%v)", info, info.Duration())
	}
}

func TestSynthesizeToFileNativeMode(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.wav")
	if _, err := audio.WriteWAV(fixture, strings.NewReader(strings.Repeat("\x00\x01", 22050)), 22050, 1); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	cfg := piperConfig(t, dir, fmt.Sprintf(`out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output_file" ]; then out="$2"; fi
  shift
done
cat > /dev/null
cp %s "$out"`, fixture))
	engine, _ := NewProcessEngine(cfg, nil, testLogger())

	out := filepath.Join(dir, "native.wav")
	if err := engine.SynthesizeToFile(context.Background(), Request{Text: "Hi."}, out); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	info, err := audio.ReadFileInfo(out)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if info.Duration() != time.Second {
		t.Fatalf("expected 1s of audio, got %v", info.Duration())
	}
}

func TestSynthesizeToFileTimeout(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfg := piperConfig(t, dir, "exec sleep 5")
	cfg.SynthTimeoutMS = 200
	cfg.Piper.FileMode = "stream"
	engine, _ := NewProcessEngine(cfg, nil, testLogger())

	start := time.Now()
	err := engine.SynthesizeToFile(context.Background(), Request{Text: "Hi."}, filepath.Join(dir, "slow.wav"))
	if !errors.Is(err, ErrSynthesisTimeout) {
		t.Fatalf("expected ErrSynthesisTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestFallbackEngineSpeak(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	spokenFile := filepath.Join(dir, "spoken.txt")
	script := writeScript(t, dir, "espeak-ng", fmt.Sprintf(`echo "$@" > %s
cat > %s`, argsFile, spokenFile))

	engine, err := NewFallbackEngine(script+" -v en-us", 0, time.Second, testLogger())
	if err != nil {
		t.Fatalf("new fallback: %v", err)
	}
	if err := engine.Speak(context.Background(), Request{Text: "-dash leading text"}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	args, _ := os.ReadFile(argsFile)
	if strings.TrimSpace(string(args)) != "-v en-us -s 150 --stdin" {
		t.Fatalf("unexpected args %q", args)
	}
	spoken, _ := os.ReadFile(spokenFile)
	if string(spoken) != "-dash leading text" {
		t.Fatalf("unexpected spoken text %q", spoken)
	}
}

func TestFallbackEngineErrors(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	missing, _ := NewFallbackEngine(filepath.Join(dir, "missing"), 150, time.Second, testLogger())
	if err := missing.Speak(context.Background(), Request{Text: "x"}); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	failing, _ := NewFallbackEngine(writeScript(t, dir, "broken", "echo no audio device >&2\nexit 3"), 150, time.Second, testLogger())
	err := failing.Speak(context.Background(), Request{Text: "x"})
	if !errors.Is(err, ErrSynthesisProcess) || !strings.Contains(err.Error(), "no audio device") {
		t.Fatalf("expected ErrSynthesisProcess with stderr, got %v", err)
	}

	slow, _ := NewFallbackEngine(writeScript(t, dir, "slow", "exec sleep 5"), 150, 100*time.Millisecond, testLogger())
	if err := slow.Speak(context.Background(), Request{Text: "x"}); !errors.Is(err, ErrSynthesisTimeout) {
		t.Fatalf("expected ErrSynthesisTimeout, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	cases := []struct {
		engine string
		want   string
	}{
		{"mock", "mock"},
		{"espeak", "fallback"},
		{"piper", "piper>fallback"},
	}
	for _, tc := range cases {
		cfg := config.Default().TTS
		cfg.Engine = tc.engine
		chain, err := NewFromConfig(cfg, testLogger())
		if err != nil {
			t.Fatalf("%s: %v", tc.engine, err)
		}
		if chain.Name() != tc.want {
			t.Fatalf("%s: expected chain %q, got %q", tc.engine, tc.want, chain.Name())
		}
	}
	cfg := config.Default().TTS
	cfg.Engine = "festival"
	if _, err := NewFromConfig(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}
