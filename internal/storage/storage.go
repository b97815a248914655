// Package storage persists the experiment backend state: worker assignments,
// trial data, the block dashboard and submissions.
package storage

import (
	"context"

	"github.com/memorygame/internal/models"
)

// Repository is implemented by the memory, SQLite and Cassandra drivers.
// Implementations are safe for concurrent use.
type Repository interface {
	GetAssignment(ctx context.Context, workerID string) (*models.Assignment, error)
	// CreateAssignment fails with ErrAssignmentExists when the worker already
	// has a track and with ErrSequenceTaken when another worker holds a.SequenceFile.
	CreateAssignment(ctx context.Context, a *models.Assignment) error
	UpdateAssignment(ctx context.Context, a *models.Assignment) error
	ListAssignedSequenceFiles(ctx context.Context) ([]string, error)

	// AppendTrials stores the trials of one finalized run. Sandbox runs are
	// kept apart from production data.
	AppendTrials(ctx context.Context, sandbox bool, records []models.TrialRecord) error
	ListTrials(ctx context.Context, sandbox bool, workerID string) ([]models.TrialRecord, error)

	// RecordBlock counts one finalized block and returns the updated counters.
	RecordBlock(ctx context.Context, valid bool) (models.Dashboard, error)
	GetDashboard(ctx context.Context) (models.Dashboard, error)

	AppendSubmission(ctx context.Context, sub models.Submission) error
	ListSubmissions(ctx context.Context, workerID string) ([]models.Submission, error)

	Close() error
}

// Errors
var (
	ErrAssignmentNotFound = &StorageError{Message: "assignment not found"}
	ErrAssignmentExists   = &StorageError{Message: "assignment already exists"}
	ErrSequenceTaken      = &StorageError{Message: "sequence file already assigned"}
)

// StorageError represents a storage error
type StorageError struct {
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}
