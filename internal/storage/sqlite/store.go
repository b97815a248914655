// Package sqlite is the single-file storage driver for local and small
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS assignments (
	worker_id     TEXT PRIMARY KEY,
	sequence_file TEXT NOT NULL,
	index_to_run  INTEGER NOT NULL,
	blocked       INTEGER NOT NULL DEFAULT 0,
	finished      INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL,
	version       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS assignments_sequence_file ON assignments (sequence_file);

CREATE TABLE IF NOT EXISTS trials (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	sandbox       INTEGER NOT NULL,
	worker_id     TEXT NOT NULL,
	assignment_id TEXT NOT NULL,
	medium        TEXT NOT NULL,
	sequence_file TEXT NOT NULL,
	run_index     INTEGER NOT NULL,
	trial_index   INTEGER NOT NULL,
	response      INTEGER NOT NULL,
	condition     TEXT NOT NULL,
	image         TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	init_time     TEXT NOT NULL,
	finish_time   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS trials_worker ON trials (sandbox, worker_id);

CREATE TABLE IF NOT EXISTS dashboard (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	blocks_total INTEGER NOT NULL,
	valid_blocks INTEGER NOT NULL
);
INSERT OR IGNORE INTO dashboard (id, blocks_total, valid_blocks) VALUES (1, 0, 0);

CREATE TABLE IF NOT EXISTS submissions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id    TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	compensation REAL NOT NULL,
	medium       TEXT NOT NULL,
	feedback     TEXT NOT NULL,
	runs         TEXT NOT NULL
);
`

// Store implements storage.Repository on SQLite
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAssignment retrieves a worker's assignment
func (s *Store) GetAssignment(ctx context.Context, workerID string) (*models.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT worker_id, sequence_file, index_to_run, blocked, finished, updated_at, version
		FROM assignments
		WHERE worker_id = ?
	`, workerID)

	var a models.Assignment
	var updatedAt int64
	if err := row.Scan(&a.WorkerID, &a.SequenceFile, &a.IndexToRun, &a.Blocked, &a.Finished, &updatedAt, &a.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	a.Timestamp = time.UnixMicro(updatedAt).UTC()
	return &a, nil
}

// CreateAssignment stores a new assignment. The checks and the insert share
// one transaction, so a concurrent writer makes the commit fail instead of
// handing out the same track twice.
func (s *Store) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `
		SELECT worker_id FROM assignments
		WHERE worker_id = ? OR sequence_file = ?
		ORDER BY worker_id = ? DESC
		LIMIT 1
	`, a.WorkerID, a.SequenceFile, a.WorkerID).Scan(&owner)
	switch {
	case err == nil && owner == a.WorkerID:
		return storage.ErrAssignmentExists
	case err == nil:
		return storage.ErrSequenceTaken
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check assignment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (worker_id, sequence_file, index_to_run, blocked, finished, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.WorkerID, a.SequenceFile, a.IndexToRun, a.Blocked, a.Finished, a.Timestamp.UnixMicro(), a.Version); err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignment: %w", err)
	}
	return nil
}

// UpdateAssignment replaces an existing assignment
func (s *Store) UpdateAssignment(ctx context.Context, a *models.Assignment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assignments
		SET sequence_file = ?, index_to_run = ?, blocked = ?, finished = ?, updated_at = ?, version = ?
		WHERE worker_id = ?
	`, a.SequenceFile, a.IndexToRun, a.Blocked, a.Finished, a.Timestamp.UnixMicro(), a.Version, a.WorkerID)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrAssignmentNotFound
	}
	return nil
}

// ListAssignedSequenceFiles returns the sequence files already handed out
func (s *Store) ListAssignedSequenceFiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence_file FROM assignments ORDER BY sequence_file`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// AppendTrials stores the trials of one run in a single transaction
func (s *Store) AppendTrials(ctx context.Context, sandbox bool, records []models.TrialRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trials (sandbox, worker_id, assignment_id, medium, sequence_file, run_index,
			trial_index, response, condition, image, timestamp, init_time, finish_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, sandbox, r.WorkerID, r.AssignmentID, r.Medium, r.SequenceFile,
			r.RunIndex, r.TrialIndex, r.Response, r.Condition, r.Image, r.Timestamp, r.InitTime, r.FinishTime); err != nil {
			return fmt.Errorf("insert trial %d: %w", r.TrialIndex, err)
		}
	}
	return tx.Commit()
}

// ListTrials returns a worker's stored trials in insertion order
func (s *Store) ListTrials(ctx context.Context, sandbox bool, workerID string) ([]models.TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, assignment_id, medium, sequence_file, run_index, trial_index,
			response, condition, image, timestamp, init_time, finish_time
		FROM trials
		WHERE sandbox = ? AND worker_id = ?
		ORDER BY id ASC
	`, sandbox, workerID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []models.TrialRecord
	for rows.Next() {
		var r models.TrialRecord
		if err := rows.Scan(&r.WorkerID, &r.AssignmentID, &r.Medium, &r.SequenceFile, &r.RunIndex, &r.TrialIndex,
			&r.Response, &r.Condition, &r.Image, &r.Timestamp, &r.InitTime, &r.FinishTime); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordBlock increments the dashboard counters
func (s *Store) RecordBlock(ctx context.Context, valid bool) (models.Dashboard, error) {
	inc := 0
	if valid {
		inc = 1
	}

	var d models.Dashboard
	row := s.db.QueryRowContext(ctx, `
		UPDATE dashboard
		SET blocks_total = blocks_total + 1, valid_blocks = valid_blocks + ?
		WHERE id = 1
		RETURNING blocks_total, valid_blocks
	`, inc)
	if err := row.Scan(&d.NumBlocksTotal, &d.NumValidBlocks); err != nil {
		return models.Dashboard{}, fmt.Errorf("update dashboard: %w", err)
	}
	return d, nil
}

// GetDashboard returns the dashboard counters
func (s *Store) GetDashboard(ctx context.Context) (models.Dashboard, error) {
	var d models.Dashboard
	row := s.db.QueryRowContext(ctx, `SELECT blocks_total, valid_blocks FROM dashboard WHERE id = 1`)
	if err := row.Scan(&d.NumBlocksTotal, &d.NumValidBlocks); err != nil {
		return models.Dashboard{}, fmt.Errorf("scan dashboard: %w", err)
	}
	return d, nil
}

// AppendSubmission stores a submission
func (s *Store) AppendSubmission(ctx context.Context, sub models.Submission) error {
	runs, err := json.Marshal(sub.Runs)
	if err != nil {
		return fmt.Errorf("marshal runs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (worker_id, timestamp, compensation, medium, feedback, runs)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sub.WorkerID, sub.Timestamp, sub.Compensation, sub.Medium, sub.Feedback, string(runs))
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// ListSubmissions returns a worker's submissions in insertion order
func (s *Store) ListSubmissions(ctx context.Context, workerID string) ([]models.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, timestamp, compensation, medium, feedback, runs
		FROM submissions
		WHERE worker_id = ?
		ORDER BY id ASC
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		var sub models.Submission
		var runs string
		if err := rows.Scan(&sub.WorkerID, &sub.Timestamp, &sub.Compensation, &sub.Medium, &sub.Feedback, &runs); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if err := json.Unmarshal([]byte(runs), &sub.Runs); err != nil {
			return nil, fmt.Errorf("unmarshal runs: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

var _ storage.Repository = (*Store)(nil)
