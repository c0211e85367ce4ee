package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/policy"
	_ "modernc.org/sqlite"
)

// SQLiteLog persists audit events in SQLite. Sequence numbers are assigned
// by the log itself, not by AUTOINCREMENT, so the sequence stays gapless
// even when a transaction rolls back.
type SQLiteLog struct {
	mu       sync.Mutex
	db       *sql.DB
	lastHash string
	nextSeq  uint64
	redactor *policy.Redactor
	clock    Clock
}

// SQLiteLogOption configures a SQLiteLog.
type SQLiteLogOption func(*SQLiteLog)

// WithSQLiteRedactor sets the payload redactor.
func WithSQLiteRedactor(r *policy.Redactor) SQLiteLogOption {
	return func(l *SQLiteLog) { l.redactor = r }
}

// WithSQLiteClock sets the timestamp source.
func WithSQLiteClock(clock Clock) SQLiteLogOption {
	return func(l *SQLiteLog) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewSQLiteLog creates a SQLite-backed audit log and ensures schema.
// It recovers the tail of the chain from the existing rows, so appending
// continues an earlier log instead of restarting the sequence.
func NewSQLiteLog(db *sql.DB, opts ...SQLiteLogOption) (*SQLiteLog, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	l := &SQLiteLog{db: db, nextSeq: 1, clock: utcNow}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.recoverTail(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) recoverTail() error {
	row := l.db.QueryRow(`SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var hash string
	switch err := row.Scan(&seq, &hash); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	}
	l.nextSeq = seq + 1
	l.lastHash = hash
	return nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, runID string, kind Kind, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{
		Seq:       l.nextSeq,
		RunID:     runID,
		Kind:      kind,
		Timestamp: l.clock(),
		Payload:   redactPayload(l.redactor, payload),
		PrevHash:  l.lastHash,
	}
	if err := seal(&event); err != nil {
		return Event{}, err
	}

	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return Event{}, err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (seq, run_id, kind, ts_utc, payload_json, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.Seq, event.RunID, string(event.Kind), event.Timestamp.Format(time.RFC3339Nano), string(raw), event.PrevHash, event.Hash)
	if err != nil {
		return Event{}, err
	}

	l.lastHash = event.Hash
	l.nextSeq++
	return event, nil
}

// Replay implements Log.
func (l *SQLiteLog) Replay(ctx context.Context, runID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, run_id, kind, ts_utc, payload_json, prev_hash, hash
		FROM audit_events WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Runs implements Log.
func (l *SQLiteLog) Runs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id FROM audit_events GROUP BY run_id ORDER BY MIN(seq) ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, err
		}
		out = append(out, runID)
	}
	return out, rows.Err()
}

// All returns every event in append order. Used by chain verification.
func (l *SQLiteLog) All(ctx context.Context) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, run_id, kind, ts_utc, payload_json, prev_hash, hash
		FROM audit_events ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			event   Event
			kind    string
			tsRaw   string
			rawJSON string
		)
		if err := rows.Scan(&event.Seq, &event.RunID, &kind, &tsRaw, &rawJSON, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Kind = Kind(kind)
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			return nil, err
		}
		event.Timestamp = ts
		if rawJSON != "" {
			if err := json.Unmarshal([]byte(rawJSON), &event.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			ts_utc TEXT NOT NULL,
			payload_json TEXT,
			prev_hash TEXT,
			hash TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
	`)
	return err
}
