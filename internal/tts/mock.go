package tts

import (
	"context"
	"sync"
	"time"
)

// MockEngine records what it was asked to speak. Fail, when set, decides
// the outcome per request. Delay simulates playback time.
type MockEngine struct {
	ID    string
	Delay time.Duration
	Fail  func(req Request) error

	mu        sync.Mutex
	spoken    []string
	attempts  int
	active    int
	maxActive int
}

func NewMockEngine(id string) *MockEngine {
	return &MockEngine{ID: id}
}

func (m *MockEngine) Name() string {
	if m.ID == "" {
		return "mock"
	}
	return m.ID
}

func (m *MockEngine) Speak(ctx context.Context, req Request) error {
	m.mu.Lock()
	m.attempts++
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fail != nil {
		if err := m.Fail(req); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, req.Text)
	m.mu.Unlock()
	return nil
}

// Spoken returns the texts spoken successfully, in order.
func (m *MockEngine) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// Attempts counts every Speak call, successful or not.
func (m *MockEngine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// MaxConcurrent is the highest number of overlapping Speak calls seen.
func (m *MockEngine) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}
