package cassandra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/storage"
	"github.com/memorygame/pkg/logger"
)

const dashboardName = "default"

// Repository implements storage.Repository using Cassandra
type Repository struct {
	client  *Client
	logger  *logger.Logger
	timeout time.Duration
}

// NewRepository creates a new Cassandra-based repository
func NewRepository(client *Client, log *logger.Logger, timeout time.Duration) *Repository {
	return &Repository{
		client:  client,
		logger:  log,
		timeout: timeout,
	}
}

// queryContext applies the configured timeout unless ctx already has a
// deadline, and fails fast on a cancelled context.
func (r *Repository) queryContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	queryCtx, cancel := ctx, context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		queryCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}

	select {
	case <-queryCtx.Done():
		cancel()
		return nil, nil, fmt.Errorf("context cancelled: %w", queryCtx.Err())
	default:
	}
	return queryCtx, cancel, nil
}

func (r *Repository) table(name string) string {
	return r.client.Keyspace() + "." + name
}

// GetAssignment retrieves a worker's assignment
func (r *Repository) GetAssignment(ctx context.Context, workerID string) (*models.Assignment, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT worker_id, sequence_file, index_to_run, blocked, finished, updated_at, version
		FROM %s
		WHERE worker_id = ?`, r.table("assignments"))

	var a models.Assignment
	err = r.client.Session().Query(query, workerID).WithContext(queryCtx).Scan(
		&a.WorkerID,
		&a.SequenceFile,
		&a.IndexToRun,
		&a.Blocked,
		&a.Finished,
		&a.Timestamp,
		&a.Version,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, storage.ErrAssignmentNotFound
		}
		r.logger.Error("Failed to get assignment from Cassandra", logger.F("worker_id", workerID), logger.Err(err))
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.Timestamp = a.Timestamp.UTC()
	return &a, nil
}

// CreateAssignment claims the sequence file, then stores the assignment. Both
// writes are lightweight transactions, so backends sharing the cluster cannot
// hand one track to two workers.
func (r *Repository) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	claimed, err := r.claimSequence(queryCtx, a)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (worker_id, sequence_file, index_to_run, blocked, finished, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		IF NOT EXISTS`, r.table("assignments"))

	applied, err := r.client.Session().Query(query,
		a.WorkerID,
		a.SequenceFile,
		a.IndexToRun,
		a.Blocked,
		a.Finished,
		a.Timestamp,
		a.Version,
	).WithContext(queryCtx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		r.logger.Error("Failed to create assignment in Cassandra", logger.F("worker_id", a.WorkerID), logger.Err(err))
		return fmt.Errorf("failed to create assignment: %w", err)
	}

	if !applied {
		if claimed {
			r.releaseSequence(queryCtx, a)
		}
		return storage.ErrAssignmentExists
	}

	r.logger.Debug("Assignment created", logger.F("worker_id", a.WorkerID), logger.F("sequence_file", a.SequenceFile))
	return nil
}

// claimSequence reserves a.SequenceFile for a.WorkerID. It reports whether
// this call made the claim; a claim already held by the same worker is kept.
func (r *Repository) claimSequence(ctx context.Context, a *models.Assignment) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (sequence_file, worker_id)
		VALUES (?, ?)
		IF NOT EXISTS`, r.table("sequence_claims"))

	existing := map[string]interface{}{}
	applied, err := r.client.Session().Query(query, a.SequenceFile, a.WorkerID).
		WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		r.logger.Error("Failed to claim sequence file", logger.F("sequence_file", a.SequenceFile), logger.Err(err))
		return false, fmt.Errorf("failed to claim sequence file: %w", err)
	}
	if applied {
		return true, nil
	}
	if owner, _ := existing["worker_id"].(string); owner == a.WorkerID {
		return false, nil
	}
	return false, storage.ErrSequenceTaken
}

// releaseSequence drops a claim made for a worker that turned out to have an
// assignment already. Failure leaves an unused track reserved, which is logged.
func (r *Repository) releaseSequence(ctx context.Context, a *models.Assignment) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE sequence_file = ? IF worker_id = ?`, r.table("sequence_claims"))
	if _, err := r.client.Session().Query(query, a.SequenceFile, a.WorkerID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{}); err != nil {
		r.logger.Warn("Failed to release sequence claim",
			logger.F("sequence_file", a.SequenceFile),
			logger.F("worker_id", a.WorkerID),
			logger.Err(err))
	}
}

// UpdateAssignment replaces an existing assignment
func (r *Repository) UpdateAssignment(ctx context.Context, a *models.Assignment) error {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET sequence_file = ?, index_to_run = ?, blocked = ?, finished = ?, updated_at = ?, version = ?
		WHERE worker_id = ?
		IF EXISTS`, r.table("assignments"))

	applied, err := r.client.Session().Query(query,
		a.SequenceFile,
		a.IndexToRun,
		a.Blocked,
		a.Finished,
		a.Timestamp,
		a.Version,
		a.WorkerID,
	).WithContext(queryCtx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		r.logger.Error("Failed to update assignment in Cassandra", logger.F("worker_id", a.WorkerID), logger.Err(err))
		return fmt.Errorf("failed to update assignment: %w", err)
	}

	if !applied {
		return storage.ErrAssignmentNotFound
	}
	return nil
}

// ListAssignedSequenceFiles scans the assignment table
func (r *Repository) ListAssignedSequenceFiles(ctx context.Context) ([]string, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	iter := r.client.Session().Query(fmt.Sprintf(`SELECT sequence_file FROM %s`, r.table("assignments"))).WithContext(queryCtx).Iter()

	var files []string
	var f string
	for iter.Scan(&f) {
		files = append(files, f)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return files, nil
}

func trialTable(sandbox bool) string {
	if sandbox {
		return "trials_sandbox"
	}
	return "trials"
}

// AppendTrials writes one run's trials as an unlogged batch; they share a
// partition.
func (r *Repository) AppendTrials(ctx context.Context, sandbox bool, records []models.TrialRecord) error {
	if len(records) == 0 {
		return nil
	}
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (worker_id, timestamp, trial_index, assignment_id, medium, sequence_file,
			run_index, response, condition, image, init_time, finish_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table(trialTable(sandbox)))

	batch := r.client.Session().NewBatch(gocql.UnloggedBatch).WithContext(queryCtx)
	for _, t := range records {
		batch.Query(query, t.WorkerID, t.Timestamp, t.TrialIndex, t.AssignmentID, t.Medium, t.SequenceFile,
			t.RunIndex, t.Response, t.Condition, t.Image, t.InitTime, t.FinishTime)
	}

	if err := r.client.Session().ExecuteBatch(batch); err != nil {
		r.logger.Error("Failed to store trials in Cassandra", logger.F("worker_id", records[0].WorkerID), logger.Err(err))
		return fmt.Errorf("failed to store trials: %w", err)
	}
	return nil
}

// ListTrials returns a worker's trials ordered by run and trial index
func (r *Repository) ListTrials(ctx context.Context, sandbox bool, workerID string) ([]models.TrialRecord, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT worker_id, assignment_id, medium, sequence_file, run_index, trial_index,
			response, condition, image, timestamp, init_time, finish_time
		FROM %s
		WHERE worker_id = ?`, r.table(trialTable(sandbox)))

	iter := r.client.Session().Query(query, workerID).WithContext(queryCtx).Iter()

	var out []models.TrialRecord
	var t models.TrialRecord
	for iter.Scan(&t.WorkerID, &t.AssignmentID, &t.Medium, &t.SequenceFile, &t.RunIndex, &t.TrialIndex,
		&t.Response, &t.Condition, &t.Image, &t.Timestamp, &t.InitTime, &t.FinishTime) {
		out = append(out, t)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	return out, nil
}

// RecordBlock increments the counters, then reads them back. Counter reads
// are not isolated from concurrent increments.
func (r *Repository) RecordBlock(ctx context.Context, valid bool) (models.Dashboard, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return models.Dashboard{}, err
	}
	defer cancel()

	var inc int64
	if valid {
		inc = 1
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET blocks_total = blocks_total + 1, valid_blocks = valid_blocks + ?
		WHERE name = ?`, r.table("dashboard"))

	if err := r.client.Session().Query(query, inc, dashboardName).WithContext(queryCtx).Exec(); err != nil {
		return models.Dashboard{}, fmt.Errorf("failed to update dashboard: %w", err)
	}
	return r.GetDashboard(queryCtx)
}

// GetDashboard returns the dashboard counters
func (r *Repository) GetDashboard(ctx context.Context) (models.Dashboard, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return models.Dashboard{}, err
	}
	defer cancel()

	var total, valid int64
	query := fmt.Sprintf(`SELECT blocks_total, valid_blocks FROM %s WHERE name = ?`, r.table("dashboard"))
	err = r.client.Session().Query(query, dashboardName).WithContext(queryCtx).Scan(&total, &valid)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return models.Dashboard{}, fmt.Errorf("failed to get dashboard: %w", err)
	}
	return models.Dashboard{NumBlocksTotal: int(total), NumValidBlocks: int(valid)}, nil
}

// AppendSubmission stores a submission
func (r *Repository) AppendSubmission(ctx context.Context, sub models.Submission) error {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	runs, err := json.Marshal(sub.Runs)
	if err != nil {
		return fmt.Errorf("failed to marshal runs: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (worker_id, submitted_at, timestamp, compensation, medium, feedback, runs)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, r.table("submissions"))

	if err := r.client.Session().Query(query,
		sub.WorkerID,
		gocql.TimeUUID(),
		sub.Timestamp,
		sub.Compensation,
		sub.Medium,
		sub.Feedback,
		string(runs),
	).WithContext(queryCtx).Exec(); err != nil {
		r.logger.Error("Failed to store submission in Cassandra", logger.F("worker_id", sub.WorkerID), logger.Err(err))
		return fmt.Errorf("failed to store submission: %w", err)
	}
	return nil
}

// ListSubmissions returns a worker's submissions in submission order
func (r *Repository) ListSubmissions(ctx context.Context, workerID string) ([]models.Submission, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT worker_id, timestamp, compensation, medium, feedback, runs
		FROM %s
		WHERE worker_id = ?`, r.table("submissions"))

	iter := r.client.Session().Query(query, workerID).WithContext(queryCtx).Iter()

	var out []models.Submission
	var sub models.Submission
	var runs string
	for iter.Scan(&sub.WorkerID, &sub.Timestamp, &sub.Compensation, &sub.Medium, &sub.Feedback, &runs) {
		s := sub
		s.Runs = nil
		if err := json.Unmarshal([]byte(runs), &s.Runs); err != nil {
			iter.Close()
			return nil, fmt.Errorf("failed to unmarshal runs: %w", err)
		}
		out = append(out, s)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return out, nil
}

// Close closes the underlying session
func (r *Repository) Close() error {
	r.client.Close()
	return nil
}

var _ storage.Repository = (*Repository)(nil)
