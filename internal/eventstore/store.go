package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/turn"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry of a turn.
type Event struct {
	ID        int64
	TurnID    string
	TraceID   string
	Type      string
	Engine    string
	Sentence  string
	Error     string
	Payload   []byte
	CreatedAt time.Time
}

// TurnRecord is the summary row of a turn.
type TurnRecord struct {
	TurnID     string
	Prompt     string
	State      string
	Reply      string
	CreatedAt  time.Time
	FinishedAt sql.NullTime
}

// Store wraps a SQLite-backed turn timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    prompt TEXT,
    state TEXT NOT NULL,
    reply TEXT,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    engine TEXT,
    sentence TEXT,
    error TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(turn_id) REFERENCES turns(turn_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_turn_created ON events(turn_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// BeginTurn inserts the turn row.
func (s *Store) BeginTurn(ctx context.Context, turnID, prompt string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, prompt, state, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET prompt=excluded.prompt`,
		turnID, prompt, string(turn.StateStreaming), s.clock().UTC())
	return err
}

// FinishTurn stores the final state and reply of a turn.
func (s *Store) FinishTurn(ctx context.Context, turnID string, state turn.State, reply string) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET state = ?, reply = ?, finished_at = ? WHERE turn_id = ?`,
		string(state), reply, s.clock().UTC(), turnID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("turn %s not found", turnID)
	}
	return nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(turn_id, trace_id, event_type, engine, sentence, error, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.TurnID, evt.TraceID, evt.Type, evt.Engine, evt.Sentence, evt.Error, evt.Payload, evt.CreatedAt)
	return err
}

// ListTurnEvents retrieves up to limit events for a turn in insertion order.
func (s *Store) ListTurnEvents(ctx context.Context, turnID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, trace_id, event_type, engine, sentence, error, payload, created_at
		 FROM events WHERE turn_id = ? ORDER BY id ASC LIMIT ?`, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                                  Event
			traceID, engine, sentence, errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TurnID, &traceID, &e.Type, &engine, &sentence, &errText, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.Engine = engine.String
		e.Sentence = sentence.String
		e.Error = errText.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentTurns returns up to limit turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, prompt, state, reply, created_at, finished_at
		 FROM turns ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var (
			r             TurnRecord
			prompt, reply sql.NullString
		)
		if err := rows.Scan(&r.TurnID, &prompt, &r.State, &reply, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Prompt = prompt.String
		r.Reply = reply.String
		turns = append(turns, r)
	}
	return turns, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
// Both modes drop turns older than retention_days; rolling mode also caps
// the number of kept turns at max_turns.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "rolling" && s.cfg.MaxTurns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE turn_id IN (
			SELECT turn_id FROM turns ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTurns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Observe records turn controller events. Write failures are logged only.
func (s *Store) Observe(ctx context.Context, ev turn.Event) {
	if s.disabled() {
		return
	}
	var err error
	switch ev.Type {
	case turn.EventStarted:
		err = s.BeginTurn(ctx, ev.TurnID, ev.Prompt)
	case turn.EventFinished:
		if err = s.FinishTurn(ctx, ev.TurnID, ev.State, ev.Reply); err == nil {
			err = s.AppendEvent(ctx, s.eventFrom(ev))
		}
	default:
		err = s.AppendEvent(ctx, s.eventFrom(ev))
	}
	if err != nil {
		s.log.Warn("failed to record turn event",
			slog.String("turn_id", ev.TurnID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

type eventPayload struct {
	Index     int    `json:"index,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	State     string `json:"state,omitempty"`
}

func (s *Store) eventFrom(ev turn.Event) Event {
	out := Event{
		TurnID:    ev.TurnID,
		Type:      string(ev.Type),
		Engine:    ev.Engine,
		Sentence:  ev.Sentence,
		CreatedAt: ev.At,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	payload := eventPayload{Index: ev.Index, ElapsedMS: ev.Elapsed.Milliseconds(), State: string(ev.State)}
	if data, err := json.Marshal(payload); err == nil {
		out.Payload = data
	}
	return out
}

var _ turn.Observer = (*Store)(nil)
