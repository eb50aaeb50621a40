// Package playback connects a synthesis process to a playback process so
// audio starts playing as soon as the synthesizer emits its first bytes.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

var (
	// ErrPlaybackTimeout is returned when either process outlives the
	// pipeline timeout. Both processes have been killed and reaped.
	ErrPlaybackTimeout = errors.New("playback: timed out")

	// ErrPlaybackUnavailable is returned when the playback process cannot
	// start or exits with an error (no audio sink, bad device).
	ErrPlaybackUnavailable = errors.New("playback: audio sink unavailable")

	// ErrSynthesisStart is returned when the synthesis process cannot start.
	ErrSynthesisStart = errors.New("playback: synthesis process failed to start")

	// ErrSynthesisExit is returned when the synthesis process exits non-zero.
	ErrSynthesisExit = errors.New("playback: synthesis process failed")

	// ErrSynthesisTimeout is returned when the synthesis process outlives
	// its own bound. Both processes have been killed and reaped.
	ErrSynthesisTimeout = errors.New("playback: synthesis timed out")

	errSessionUsed = errors.New("playback: session already used")
)

// synthGrace bounds how long a synthesizer may linger after playback has
// drained its output successfully.
const synthGrace = 2 * time.Second

// State of a Session.
type State int32

const (
	StateRunning State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pipeline starts playback processes for synthesized audio. The playback
// command may contain {rate} and {channels} placeholders.
type Pipeline struct {
	command      []string
	timeout      time.Duration
	synthTimeout time.Duration
	logger       *slog.Logger
}

// New parses command with shell quoting rules and expands placeholders.
func New(command string, sampleRate, channels int, timeout time.Duration, logger *slog.Logger) (*Pipeline, error) {
	command = strings.NewReplacer(
		"{rate}", strconv.Itoa(sampleRate),
		"{channels}", strconv.Itoa(channels),
	).Replace(command)
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		command: args,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "playback")),
	}, nil
}

// WithSynthTimeout returns a copy of p whose sessions also bound the
// synthesis process alone by d. Zero disables the extra bound.
func (p *Pipeline) WithSynthTimeout(d time.Duration) *Pipeline {
	cp := *p
	cp.synthTimeout = d
	return &cp
}

// Run starts synth and a playback process, feeds text to synth and blocks
// until both processes have exited and been reaped.
func (p *Pipeline) Run(ctx context.Context, synth *exec.Cmd, text string) error {
	session, err := p.Start(synth)
	if err != nil {
		return err
	}
	return session.Speak(ctx, text)
}

// Start launches synth with its stdout wired to the stdin of a new playback
// process. No text has been written when Start returns. If playback cannot
// start, synth is killed and reaped before returning. The caller must end
// the session with Speak or Close.
func (p *Pipeline) Start(synth *exec.Cmd) (*Session, error) {
	if synth.Stdout != nil || synth.Stdin != nil {
		return nil, fmt.Errorf("%w: synthesis stdio already assigned", ErrSynthesisStart)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisStart, err)
	}
	synth.Stdout = pw
	stdin, err := synth.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrSynthesisStart, err)
	}
	if err := synth.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrSynthesisStart, err)
	}

	play := exec.Command(p.command[0], p.command[1:]...)
	play.Stdin = pr
	if err := play.Start(); err != nil {
		pr.Close()
		pw.Close()
		stdin.Close()
		_ = synth.Process.Kill()
		_ = synth.Wait()
		return nil, fmt.Errorf("%w: %v", ErrPlaybackUnavailable, err)
	}
	// Both children hold their own descriptors now; the pipe must only be
	// referenced by them so EOF propagates when synth exits.
	pr.Close()
	pw.Close()

	s := &Session{
		synth:        synth,
		play:         play,
		stdin:        stdin,
		timeout:      p.timeout,
		synthTimeout: p.synthTimeout,
		logger:       p.logger,
		synthDone: make(chan error, 1),
		playDone:  make(chan error, 1),
	}
	go func() { s.synthDone <- synth.Wait() }()
	go func() { s.playDone <- play.Wait() }()
	p.logger.Debug("pipeline started",
		slog.Int("synth_pid", synth.Process.Pid),
		slog.Int("play_pid", play.Process.Pid))
	return s, nil
}

// Session owns one synthesis process and one playback process. They are
// torn down together on every exit path.
type Session struct {
	synth        *exec.Cmd
	play         *exec.Cmd
	stdin        io.WriteCloser
	timeout      time.Duration
	synthTimeout time.Duration
	logger       *slog.Logger

	synthDone chan error
	playDone  chan error
	state     atomic.Int32
	once      sync.Once
}

// State reports whether the session is still running.
func (s *Session) State() State { return State(s.state.Load()) }

// PIDs returns the synthesis and playback process ids.
func (s *Session) PIDs() (synth, play int) {
	return s.synth.Process.Pid, s.play.Process.Pid
}

// Speak writes text to the synthesizer in one write, closes its input and
// waits for both processes. It may be called once.
func (s *Session) Speak(ctx context.Context, text string) error {
	err := errSessionUsed
	s.once.Do(func() { err = s.speak(ctx, text) })
	return err
}

// Close kills and reaps both processes of a session that was never spoken.
// After Speak it does nothing.
func (s *Session) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		s.kill()
		<-s.synthDone
		<-s.playDone
		s.state.Store(int32(StateFailed))
	})
	return nil
}

func (s *Session) speak(ctx context.Context, text string) error {
	writeDone := make(chan error, 1)
	go func() {
		_, err := io.WriteString(s.stdin, text)
		if closeErr := s.stdin.Close(); err == nil {
			err = closeErr
		}
		writeDone <- err
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	var grace, synthBound <-chan time.Time
	if s.synthTimeout > 0 {
		synthTimer := time.NewTimer(s.synthTimeout)
		defer synthTimer.Stop()
		synthBound = synthTimer.C
	}

	var (
		synthErr, playErr       error
		synthExited, playExited bool
		timedOut, cancelled     bool
		lingered, synthSlow     bool
		ctxDone                 = ctx.Done()
		timeout                 = timer.C
	)
	for !synthExited || !playExited {
		select {
		case synthErr = <-s.synthDone:
			synthExited = true
			synthBound = nil
		case playErr = <-s.playDone:
			playExited = true
			if !synthExited {
				if playErr != nil {
					s.kill()
				} else {
					graceTimer := time.NewTimer(synthGrace)
					defer graceTimer.Stop()
					grace = graceTimer.C
				}
			}
		case <-grace:
			grace = nil
			lingered = true
			s.kill()
		case <-synthBound:
			synthBound = nil
			if !lingered {
				synthSlow = true
				s.kill()
			}
		case <-timeout:
			timeout = nil
			timedOut = true
			s.kill()
		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			s.kill()
		}
	}
	writeErr := <-writeDone

	var err error
	switch {
	case cancelled:
		err = ctx.Err()
	case timedOut:
		err = fmt.Errorf("%w after %s", ErrPlaybackTimeout, s.timeout)
	case synthSlow:
		err = fmt.Errorf("%w after %s", ErrSynthesisTimeout, s.synthTimeout)
	case playErr != nil:
		err = fmt.Errorf("%w: %v", ErrPlaybackUnavailable, playErr)
	case synthErr != nil && !lingered:
		err = fmt.Errorf("%w: %v", ErrSynthesisExit, synthErr)
	case writeErr != nil && !lingered:
		err = fmt.Errorf("%w: write text: %v", ErrSynthesisExit, writeErr)
	}
	if lingered {
		s.logger.Warn("synthesis process lingered after playback finished; killed")
	}

	if err != nil {
		s.state.Store(int32(StateFailed))
		return err
	}
	s.state.Store(int32(StateCompleted))
	return nil
}

// kill signals both processes. Kill on a reaped process returns
// os.ErrProcessDone and is harmless.
func (s *Session) kill() {
	_ = s.synth.Process.Kill()
	_ = s.play.Process.Kill()
}
