package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/memorygame/internal/models"
)

// MemoryStorage keeps everything in process memory
type MemoryStorage struct {
	mu            sync.RWMutex
	assignments   map[string]*models.Assignment
	trials        []models.TrialRecord
	sandboxTrials []models.TrialRecord
	dashboard     models.Dashboard
	submissions   []models.Submission
}

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		assignments: make(map[string]*models.Assignment),
	}
}

// GetAssignment retrieves a worker's assignment
func (s *MemoryStorage) GetAssignment(ctx context.Context, workerID string) (*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.assignments[workerID]
	if !exists {
		return nil, ErrAssignmentNotFound
	}

	cp := *a
	return &cp, nil
}

// CreateAssignment stores a new assignment
func (s *MemoryStorage) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assignments[a.WorkerID]; exists {
		return ErrAssignmentExists
	}
	for _, other := range s.assignments {
		if other.SequenceFile == a.SequenceFile {
			return ErrSequenceTaken
		}
	}

	cp := *a
	s.assignments[a.WorkerID] = &cp
	return nil
}

// UpdateAssignment replaces an existing assignment
func (s *MemoryStorage) UpdateAssignment(ctx context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assignments[a.WorkerID]; !exists {
		return ErrAssignmentNotFound
	}

	cp := *a
	s.assignments[a.WorkerID] = &cp
	return nil
}

// ListAssignedSequenceFiles returns the sequence files already handed out
func (s *MemoryStorage) ListAssignedSequenceFiles(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]string, 0, len(s.assignments))
	for _, a := range s.assignments {
		files = append(files, a.SequenceFile)
	}
	sort.Strings(files)
	return files, nil
}

// AppendTrials stores the trials of one run
func (s *MemoryStorage) AppendTrials(ctx context.Context, sandbox bool, records []models.TrialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sandbox {
		s.sandboxTrials = append(s.sandboxTrials, records...)
	} else {
		s.trials = append(s.trials, records...)
	}
	return nil
}

// ListTrials returns a worker's stored trials in insertion order
func (s *MemoryStorage) ListTrials(ctx context.Context, sandbox bool, workerID string) ([]models.TrialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.trials
	if sandbox {
		src = s.sandboxTrials
	}

	var out []models.TrialRecord
	for _, r := range src {
		if r.WorkerID == workerID {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecordBlock increments the dashboard counters
func (s *MemoryStorage) RecordBlock(ctx context.Context, valid bool) (models.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dashboard.NumBlocksTotal++
	if valid {
		s.dashboard.NumValidBlocks++
	}
	return s.dashboard, nil
}

// GetDashboard returns the dashboard counters
func (s *MemoryStorage) GetDashboard(ctx context.Context) (models.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dashboard, nil
}

// AppendSubmission stores a submission
func (s *MemoryStorage) AppendSubmission(ctx context.Context, sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions = append(s.submissions, sub)
	return nil
}

// ListSubmissions returns a worker's submissions in insertion order
func (s *MemoryStorage) ListSubmissions(ctx context.Context, workerID string) ([]models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Submission
	for _, sub := range s.submissions {
		if sub.WorkerID == workerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Close is a no-op
func (s *MemoryStorage) Close() error {
	return nil
}
