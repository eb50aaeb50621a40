// Package turn runs one prompt/response exchange: it streams the reply,
// cuts it into sentences and speaks them in order while the rest of the
// reply is still being generated.
package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrSpeech is returned when no engine could speak a sentence.
var ErrSpeech = errors.New("turn: speech failed")

type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateSpeaking  State = "speaking"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Turn is the record of one exchange. It is owned by the controller while
// running; read it after Run returns.
type Turn struct {
	ID         string
	Prompt     string
	StartedAt  time.Time
	FinishedAt time.Time
	// StreamErr is the absorbed streaming failure, if any.
	StreamErr error
	// Err is the error that ended the turn.
	Err error

	mu        sync.Mutex
	state     State
	reply     strings.Builder
	sentences []string
	engines   []string
}

func newTurn(id, prompt string) *Turn {
	return &Turn{ID: id, Prompt: prompt, StartedAt: time.Now().UTC(), state: StateIdle}
}

func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Reply returns the text received from the source, streamed and fallback.
func (t *Turn) Reply() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply.String()
}

func (t *Turn) appendReply(text string) {
	t.mu.Lock()
	t.reply.WriteString(text)
	t.mu.Unlock()
}

func (t *Turn) setReply(text string) {
	t.mu.Lock()
	t.reply.Reset()
	t.reply.WriteString(text)
	t.mu.Unlock()
}

// Sentences returns the spoken sentences in speaking order.
func (t *Turn) Sentences() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sentences...)
}

// Engines returns, per spoken sentence, the engine that spoke it.
func (t *Turn) Engines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.engines...)
}

func (t *Turn) addSentence(sentence, engine string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentences = append(t.sentences, sentence)
	t.engines = append(t.engines, engine)
	return len(t.sentences) - 1
}

type EventType string

const (
	EventStarted       EventType = "turn.started"
	EventSentence      EventType = "sentence.spoken"
	EventEngineFailed  EventType = "engine.failed"
	EventStreamFailed  EventType = "stream.failed"
	EventFallbackReply EventType = "fallback.reply"
	EventSpeechFailed  EventType = "speech.failed"
	EventFinished      EventType = "turn.finished"
)

// Event is emitted to observers as a turn progresses.
type Event struct {
	TurnID   string
	Type     EventType
	At       time.Time
	Prompt   string
	Sentence string
	Reply    string
	Index    int
	Engine   string
	State    State
	Elapsed  time.Duration
	Err      error
}

// Observer receives turn events synchronously from the controller.
// Implementations must not block for long.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }
