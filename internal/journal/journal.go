// Package journal keeps a SQLite record of finished synthesis sessions.
//
// One row is written per terminal session: identifier, voice, text length,
// audio size, chunk count, outcome and error. Audio itself is never stored.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// ErrNotFound is returned by [Journal.Get] for an unknown session ID.
var ErrNotFound = errors.New("journal: session not found")

// DefaultLimit caps [Journal.Recent] when the caller passes no limit.
const DefaultLimit = 50

// Entry is one journaled session.
type Entry struct {
	SessionID  string    `json:"session_id"`
	VoiceID    string    `json:"voice_id,omitempty"`
	TextLength int       `json:"text_length"`
	Bytes      int       `json:"bytes"`
	Chunks     int       `json:"chunks"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Started    time.Time `json:"started"`
	Ended      time.Time `json:"ended"`
}

// Journal is a SQLite-backed session log. It is safe for concurrent use.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// SQLite has one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping sqlite: %w", err)
	}

	j := &Journal{db: db, log: log.With("component", "journal")}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT PRIMARY KEY,
    voice_id    TEXT NOT NULL DEFAULT '',
    text_length INTEGER NOT NULL,
    bytes       INTEGER NOT NULL,
    chunks      INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    started_ns  INTEGER NOT NULL,
    ended_ns    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_ns);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Ping reports whether the database is reachable. It fits
// [health.Checker.Check].
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Record inserts e, replacing any earlier row with the same session ID.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (session_id, voice_id, text_length, bytes, chunks, outcome, error_kind, error, started_ns, ended_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.VoiceID, e.TextLength, e.Bytes, e.Chunks, e.Outcome,
		e.ErrorKind, e.Error, e.Started.UnixNano(), e.Ended.UnixNano())
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", e.SessionID, err)
	}
	return nil
}

// Recent returns up to limit entries, most recently ended first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, voice_id, text_length, bytes, chunks, outcome, error_kind, error, started_ns, ended_ns
		 FROM sessions ORDER BY ended_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry for id or [ErrNotFound].
func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT session_id, voice_id, text_length, bytes, chunks, outcome, error_kind, error, started_ns, ended_ns
		 FROM sessions WHERE session_id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var started, ended int64
	if err := s.Scan(&e.SessionID, &e.VoiceID, &e.TextLength, &e.Bytes, &e.Chunks,
		&e.Outcome, &e.ErrorKind, &e.Error, &started, &ended); err != nil {
		return Entry{}, err
	}
	e.Started = time.Unix(0, started).UTC()
	e.Ended = time.Unix(0, ended).UTC()
	return e, nil
}

// recordTimeout bounds one journal write. Writes run detached from the Run
// context so that events read during shutdown are still stored.
const recordTimeout = 5 * time.Second

// Run consumes engine notifications and writes one entry per terminal
// event. It returns nil when events is closed. When ctx ends, events that
// are already buffered are still journaled before ctx.Err() is returned.
// Write failures are logged and do not stop the loop.
func (j *Journal) Run(ctx context.Context, events <-chan synth.Event) error {
	pending := make(map[string]*Entry)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return ctx.Err()
					}
					j.observe(ctx, pending, ev)
				default:
					return ctx.Err()
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			j.observe(ctx, pending, ev)
		}
	}
}

func (j *Journal) observe(ctx context.Context, pending map[string]*Entry, ev synth.Event) {
	e, ok := pending[ev.SessionID]
	if !ok {
		e = &Entry{SessionID: ev.SessionID, Started: ev.Time}
		pending[ev.SessionID] = e
	}

	switch ev.Kind {
	case synth.EventStarted:
		e.VoiceID = ev.VoiceID
		e.TextLength = ev.TextLength
		e.Started = ev.Time
		return
	case synth.EventChunk:
		e.Chunks++
		e.Bytes = ev.Size
		return
	case synth.EventCompleted:
		e.Bytes = ev.Size
	case synth.EventError:
		e.ErrorKind = synth.KindOf(ev.Err).String()
		e.Error = ev.Message
	case synth.EventCancelled:
		e.ErrorKind = synth.Cancelled.String()
	}

	delete(pending, ev.SessionID)
	e.Outcome = ev.Kind.String()
	e.Ended = ev.Time
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := j.Record(wctx, *e); err != nil {
		j.log.Warn("failed to journal session", "session_id", e.SessionID, "err", err)
		return
	}
	j.log.Debug("session journaled", "session_id", e.SessionID, "outcome", e.Outcome)
}
