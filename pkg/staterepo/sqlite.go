package staterepo

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteRepo stores deltas and materialized snapshots in SQLite. Applies
// are serialized per subsystem so each subsystem has a single writer.
type SQLiteRepo struct {
	db  *sql.DB
	log audit.Log

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLiteRepo creates a repository and ensures its schema.
func NewSQLiteRepo(db *sql.DB, log audit.Log) (*SQLiteRepo, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if log == nil {
		return nil, stderrors.New("audit log is required")
	}
	if err := ensureStateSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteRepo{db: db, log: log, locks: make(map[string]*sync.Mutex)}, nil
}

func (r *SQLiteRepo) subsystemLock(subsystem string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[subsystem]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[subsystem] = lock
	}
	return lock
}

// Apply implements Repo.
func (r *SQLiteRepo) Apply(ctx context.Context, delta core.StateDelta) error {
	lock := r.subsystemLock(delta.Subsystem)
	lock.Lock()
	defer lock.Unlock()

	if err := validate(delta); err != nil {
		return r.reject(ctx, delta, err)
	}
	if err := crossCheck(ctx, r.log, delta); err != nil {
		if errors.CodeOf(err) == errors.CodeStateDeltaRejected {
			return r.reject(ctx, delta, err)
		}
		return err
	}

	doc, err := r.snapshotLocked(ctx, delta.Subsystem)
	if err != nil {
		return err
	}
	doc, err = applyPatches(doc, delta.Patches)
	if err != nil {
		return r.reject(ctx, delta, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tagsJSON, err := json.Marshal(delta.Tags)
	if err != nil {
		return err
	}
	patchesJSON, err := json.Marshal(delta.Patches)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_entries
			(entry_id, run_id, tick_index, ts_utc, subsystem, phase, entropy, tags_json, vector_payload, patches_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, delta.EntryID, delta.RunID, delta.TickIndex, delta.Timestamp.Format(time.RFC3339Nano),
		delta.Subsystem, delta.Phase, delta.Entropy, string(tagsJSON), delta.VectorPayload, string(patchesJSON))
	if err != nil {
		return err
	}

	docJSON, err := core.CanonicalJSON(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_snapshots (subsystem, doc_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subsystem) DO UPDATE SET doc_json = excluded.doc_json, updated_at = excluded.updated_at
	`, delta.Subsystem, string(docJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	// Commit is the only event-free step: the mutation itself was already
	// audited, and the delta carries that lineage in its tags.
	return tx.Commit()
}

func (r *SQLiteRepo) reject(ctx context.Context, delta core.StateDelta, cause error) error {
	_, appendErr := r.log.Append(ctx, delta.RunID, audit.KindStateDeltaRejected, map[string]any{
		"entry_id":  delta.EntryID,
		"subsystem": delta.Subsystem,
		"reason":    errors.Reason(cause),
	})
	if appendErr != nil {
		return appendErr
	}
	return cause
}

// Snapshot implements Repo.
func (r *SQLiteRepo) Snapshot(ctx context.Context, subsystem string) (map[string]any, error) {
	lock := r.subsystemLock(subsystem)
	lock.Lock()
	defer lock.Unlock()
	return r.snapshotLocked(ctx, subsystem)
}

func (r *SQLiteRepo) snapshotLocked(ctx context.Context, subsystem string) (map[string]any, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT doc_json FROM state_snapshots WHERE subsystem = ?`, subsystem)
	var raw string
	switch err := row.Scan(&raw); {
	case stderrors.Is(err, sql.ErrNoRows):
		return map[string]any{}, nil
	case err != nil:
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Entries implements Repo.
func (r *SQLiteRepo) Entries(ctx context.Context, runID string) ([]core.StateDelta, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entry_id, run_id, tick_index, ts_utc, subsystem, phase, entropy, tags_json, vector_payload, patches_json
		FROM state_entries WHERE run_id = ? ORDER BY rowid ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StateDelta
	for rows.Next() {
		var (
			delta       core.StateDelta
			tsRaw       string
			tagsJSON    string
			patchesJSON string
		)
		if err := rows.Scan(&delta.EntryID, &delta.RunID, &delta.TickIndex, &tsRaw,
			&delta.Subsystem, &delta.Phase, &delta.Entropy, &tagsJSON, &delta.VectorPayload, &patchesJSON); err != nil {
			return nil, err
		}
		delta.SchemaVersion = core.StateDeltaSchemaVersion
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			return nil, err
		}
		delta.Timestamp = ts
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &delta.Tags); err != nil {
				return nil, err
			}
		}
		if patchesJSON != "" {
			if err := json.Unmarshal([]byte(patchesJSON), &delta.Patches); err != nil {
				return nil, err
			}
		}
		out = append(out, delta)
	}
	return out, rows.Err()
}

func ensureStateSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS state_entries (
			entry_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tick_index INTEGER NOT NULL,
			ts_utc TEXT NOT NULL,
			subsystem TEXT NOT NULL,
			phase TEXT,
			entropy REAL,
			tags_json TEXT,
			vector_payload BLOB,
			patches_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_state_run ON state_entries(run_id);
		CREATE INDEX IF NOT EXISTS idx_state_subsystem ON state_entries(subsystem);
		CREATE TABLE IF NOT EXISTS state_snapshots (
			subsystem TEXT PRIMARY KEY,
			doc_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

var _ Repo = (*SQLiteRepo)(nil)
