package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// SQLiteHistoryStore persists history in SQLite.
type SQLiteHistoryStore struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (creating if needed) a history database file.
func OpenSQLite(path string) (*SQLiteHistoryStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(errors.CodeConfig, "create history directory", err).WithContext("path", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "open history database", err).WithContext("path", path)
	}
	// One writer avoids SQLITE_BUSY between concurrent task goroutines.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteHistoryStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteHistoryStore wraps an open database and ensures the schema.
func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	if db == nil {
		return nil, errors.Newf(errors.CodeInvalidInput, "db is nil")
	}
	if err := ensureHistorySchema(db); err != nil {
		return nil, errors.New(errors.CodeInternal, "create history schema", err)
	}
	return &SQLiteHistoryStore{db: db}, nil
}

// Save upserts a record.
func (s *SQLiteHistoryStore) Save(ctx context.Context, rec TaskRecord) error {
	if rec.TaskID == "" {
		return errors.Newf(errors.CodeInvalidInput, "task id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			task_id, domain, description, agent_id, status, started_at, completed_at,
			result, error_text, iterations, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			domain = excluded.domain,
			description = excluded.description,
			agent_id = excluded.agent_id,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error_text = excluded.error_text,
			iterations = excluded.iterations,
			duration_ms = excluded.duration_ms
	`,
		rec.TaskID,
		rec.Domain,
		rec.Description,
		rec.AgentID,
		string(rec.Status),
		unixNano(rec.StartedAt),
		unixNano(rec.CompletedAt),
		rec.Result,
		rec.Error,
		rec.Iterations,
		rec.DurationMS,
	)
	if err != nil {
		return errors.New(errors.CodeInternal, "save task record", err).WithContext("task_id", rec.TaskID)
	}
	return nil
}

const selectRecord = `
	SELECT task_id, domain, description, agent_id, status, started_at, completed_at,
		result, error_text, iterations, duration_ms
	FROM task_history
`

// Get returns the record for a task.
func (s *SQLiteHistoryStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+" WHERE task_id = ?", taskID)
	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "task %q not found in history", taskID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "read task record", err).WithContext("task_id", taskID)
	}
	return rec, nil
}

// List returns matching records, newest first.
func (s *SQLiteHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]TaskRecord, error) {
	query := selectRecord
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Domain != "" {
		addFilter("domain = ? COLLATE NOCASE", filter.Domain)
	}
	if filter.Status != "" {
		addFilter("status = ?", string(filter.Status))
	}
	query += where + " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list task history", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "scan task record", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "list task history", err)
	}
	return out, nil
}

// DomainStats aggregates the records of a domain.
func (s *SQLiteHistoryStore) DomainStats(ctx context.Context, domain string) (DomainStats, error) {
	stats := DomainStats{Domain: domain}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			AVG(iterations)
		FROM task_history
		WHERE domain = ? COLLATE NOCASE
	`, string(core.TaskStatusCompleted), string(core.TaskStatusFailed), domain).
		Scan(&stats.Total, &stats.Completed, &stats.Failed, &avg)
	if err != nil {
		return stats, errors.New(errors.CodeInternal, "aggregate task history", err).WithContext("domain", domain)
	}
	if avg.Valid {
		stats.AvgIterations = avg.Float64
	}
	return stats, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteHistoryStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*TaskRecord, error) {
	var (
		rec       TaskRecord
		status    string
		started   sql.NullInt64
		completed sql.NullInt64
		result    sql.NullString
		errText   sql.NullString
	)
	if err := row.Scan(
		&rec.TaskID,
		&rec.Domain,
		&rec.Description,
		&rec.AgentID,
		&status,
		&started,
		&completed,
		&result,
		&errText,
		&rec.Iterations,
		&rec.DurationMS,
	); err != nil {
		return nil, err
	}
	rec.Status = core.TaskStatus(status)
	if started.Valid {
		rec.StartedAt = time.Unix(0, started.Int64).UTC()
	}
	if completed.Valid {
		rec.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}
	rec.Result = result.String
	rec.Error = errText.String
	return &rec, nil
}

func unixNano(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func ensureHistorySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			description TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			result TEXT,
			error_text TEXT,
			iterations INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_domain ON task_history(domain);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started ON task_history(started_at);
	`)
	return err
}
