package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// idleTimer cancels a stream when no line arrives within d. The clock is
// paused while a chunk is handed to the consumer, so a consumer blocked on
// a full queue never counts as a stalled server.
type idleTimer struct {
	d       time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimer(d time.Duration, cancel context.CancelFunc) *idleTimer {
	it := &idleTimer{d: d}
	it.timer = time.AfterFunc(d, func() {
		it.expired.Store(true)
		cancel()
	})
	return it
}

func (it *idleTimer) pause()  { it.timer.Stop() }
func (it *idleTimer) resume() { it.timer.Reset(it.d) }
func (it *idleTimer) stop()   { it.timer.Stop() }

// Expired reports whether the stream was cancelled for inactivity.
func (it *idleTimer) Expired() bool { return it.expired.Load() }

// decodeLine parses one NDJSON generate line. Blank and malformed lines
// report ok=false; malformed ones are logged and skipped.
func decodeLine(raw []byte, logger *slog.Logger) (ollamaResponse, bool) {
	var chunk ollamaResponse
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return chunk, false
	}
	if err := json.Unmarshal(line, &chunk); err != nil {
		logger.Warn("skipping malformed stream line",
			slog.String("line", truncate(string(line), 120)),
			slog.String("error", err.Error()))
		return chunk, false
	}
	return chunk, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
