// Package history archives terminal jobs and bus messages into a local
// sqlite database. The in-memory registries stay authoritative; history is
// append-only and queried only for recall.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	worker_id   TEXT NOT NULL,
	message     TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	duration_ms INTEGER,
	response    TEXT,
	report      TEXT,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id, started_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	topic      TEXT,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id, created_at);
`

// Store is the sqlite-backed archive.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the archive at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordJob archives a terminal job. Running jobs are skipped.
func (s *Store) RecordJob(j domain.Job) error {
	if !j.Status.Terminal() {
		return nil
	}
	var finished sql.NullInt64
	if j.FinishedAt != nil {
		finished = sql.NullInt64{Int64: j.FinishedAt.UnixMilli(), Valid: true}
	}
	var report []byte
	if j.Report != nil {
		report, _ = json.Marshal(j.Report)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO jobs (id, worker_id, message, status, started_at, finished_at, duration_ms, response, report, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.WorkerID, j.Message, string(j.Status), j.StartedAt.UnixMilli(),
		finished, j.DurationMs, j.Response, string(report), j.Error)
	if err != nil {
		return fmt.Errorf("record job %s: %w", j.ID, err)
	}
	return nil
}

// RecordMessage archives one bus message.
func (s *Store) RecordMessage(m domain.Message) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, from_id, to_id, topic, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.To, m.Topic, m.Text, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("record message %s: %w", m.ID, err)
	}
	return nil
}

// RecentJobs returns up to limit archived jobs for the worker, newest first.
// An empty workerID returns jobs for all workers.
func (s *Store) RecentJobs(workerID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, worker_id, message, status, started_at, finished_at, duration_ms, response, report, error
		FROM jobs`
	args := []any{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var (
			j        domain.Job
			status   string
			started  int64
			finished sql.NullInt64
			report   sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.WorkerID, &j.Message, &status, &started,
			&finished, &j.DurationMs, &j.Response, &report, &j.Error); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = domain.JobStatus(status)
		j.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			j.FinishedAt = &t
		}
		if report.Valid && report.String != "" {
			json.Unmarshal([]byte(report.String), &j.Report)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MessagesBetween returns archived messages addressed to a recipient within
// [after, before] in creation order. Zero bounds are open.
func (s *Store) MessagesBetween(to string, after, before int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before <= 0 {
		before = 1<<63 - 1
	}
	rows, err := s.db.Query(`
		SELECT id, from_id, to_id, topic, text, created_at
		FROM messages
		WHERE to_id = ? AND created_at > ? AND created_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		to, after, before, limit)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Topic, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
