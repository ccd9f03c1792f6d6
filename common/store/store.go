package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Event kinds written by the dispatchers.
const (
	KindCommand  = "command"
	KindVoice    = "voice"
	KindSMS      = "sms"
	KindCall     = "call"
	KindAccident = "accident"
)

// Event is one journal row: a dispatched command, an utterance, a message.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind, name string, ok bool, detail string, latency time.Duration) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		OK:        ok,
		Detail:    detail,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now(),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at);
`

// Store is the SQLite-backed event journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create data directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event store")
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %s", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create events schema")
	}

	return &Store{db: db}, nil
}

// Record inserts one event.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	ok := 0
	if e.OK {
		ok = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, name, ok, detail, latency_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Name, ok, e.Detail, e.LatencyMs, e.CreatedAt.UnixNano())
	return errors.Wrap(err, "failed to record event")
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, ok, detail, latency_ms, created_at FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e       Event
			ok      int
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &ok, &e.Detail, &e.LatencyMs, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		e.OK = ok != 0
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "failed to iterate events")
}

// CountByKind returns how many events of each kind are stored.
func (s *Store) CountByKind(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan event count")
		}
		counts[kind] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate event counts")
}

func (s *Store) Close() error {
	return s.db.Close()
}
