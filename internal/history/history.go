// Package history is an expansion over spec.md: a supplementary SQLite-
// backed record of past runs, so trend questions ("how many rollbacks this
// week") don't require scanning the report directory. It never influences
// a run's outcome — every call here is best-effort from the Reporter's
// point of view.
package history

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"compose-guardian/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	compose_path       TEXT NOT NULL,
	run_timestamp      TEXT NOT NULL,
	status             TEXT NOT NULL,
	changed_count      INTEGER NOT NULL,
	verify_ok          INTEGER,
	rollback_verify_ok INTEGER,
	recorded_at        TEXT NOT NULL,
	UNIQUE(compose_path, run_timestamp)
);
CREATE INDEX IF NOT EXISTS idx_run_history_recorded_at ON run_history(recorded_at);
`

// Store is a pure-Go (no cgo) SQLite-backed history of past runs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. Callers should defer Close.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Row is one projected run_history record, used by the dashboard.
type Row struct {
	ComposePath      string
	RunTimestamp     string
	Status           string
	ChangedCount     int
	VerifyOk         *bool
	RollbackVerifyOk *bool
	RecordedAt       string
}

// Record upserts one Report into run_history. Best-effort: callers (the
// Reporter) log but never fail a run over a history write error.
func (s *Store) Record(r *report.Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history
			(compose_path, run_timestamp, status, changed_count, verify_ok, rollback_verify_ok, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(compose_path, run_timestamp) DO UPDATE SET
			status = excluded.status,
			changed_count = excluded.changed_count,
			verify_ok = excluded.verify_ok,
			rollback_verify_ok = excluded.rollback_verify_ok,
			recorded_at = excluded.recorded_at
	`,
		r.ComposeFile,
		r.Timestamp,
		string(r.Status),
		len(r.ChangedServices),
		nullableBool(r.VerifyOk),
		nullableBool(r.RollbackVerifyOk),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// Recent returns the most recent limit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT compose_path, run_timestamp, status, changed_count, verify_ok, rollback_verify_ok, recorded_at
		FROM run_history
		ORDER BY recorded_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var verifyOk, rollbackOk sql.NullInt64
		if err := rows.Scan(&r.ComposePath, &r.RunTimestamp, &r.Status, &r.ChangedCount, &verifyOk, &rollbackOk, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.VerifyOk = nullableRowBool(verifyOk)
		r.RollbackVerifyOk = nullableRowBool(rollbackOk)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableRowBool(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

// PruneOlderThan deletes rows recorded before now-retentionDays, returning
// the number of rows removed. cmd/run.go calls it after every orchestrator
// run when HISTORY_RETENTION_DAYS is positive.
func (s *Store) PruneOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
