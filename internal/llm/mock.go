package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock replays scripted deltas. With no Chunks it echoes the prompt word by
// word. When StreamErr is set the stream fails after FailAfter chunks.
type Mock struct {
	Chunks      []string
	Delay       time.Duration
	StreamErr   error
	FailAfter   int
	Reply       string
	GenerateErr error

	mu        sync.Mutex
	streams   int
	generates int
}

func (m *Mock) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	m.mu.Lock()
	m.streams++
	m.mu.Unlock()

	chunks := m.script(req)
	for i, content := range chunks {
		if m.StreamErr != nil && i == m.FailAfter {
			return m.StreamErr
		}
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(Chunk{Content: content, Done: i == len(chunks)-1 && m.StreamErr == nil}); err != nil {
			return err
		}
	}
	if m.StreamErr != nil {
		return m.StreamErr
	}
	if len(chunks) == 0 {
		return consumer(Chunk{Done: true})
	}
	return nil
}

func (m *Mock) Generate(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.generates++
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.GenerateErr != nil {
		return "", m.GenerateErr
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return strings.Join(m.script(req), ""), nil
}

// Calls reports how many Stream and Generate calls were made.
func (m *Mock) Calls() (streams, generates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams, m.generates
}

func (m *Mock) script(req Request) []string {
	if m.Chunks != nil {
		return m.Chunks
	}
	words := strings.Fields("You said: " + strings.TrimSpace(req.Prompt))
	chunks := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks[i] = w
	}
	return chunks
}
