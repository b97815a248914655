package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/memorygame/internal/clock"
	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/sequence"
	"github.com/memorygame/internal/storage"
	"github.com/memorygame/internal/submit"
	"github.com/memorygame/pkg/logger"
)

// TimestampLayout formats the run timestamps handed out at initialization
const TimestampLayout = "2006-01-02 15:04:05.000000"

// SubmissionAck is the reply to an accepted submission
const SubmissionAck = "submission successful"

var (
	ErrWorkerIDRequired     = errors.New("workerId is required")
	ErrNoSequencesAvailable = errors.New("no sequence files available")
	ErrInvalidPayload       = errors.New("invalid run payload")
)

// ExperimentService assigns tracks to workers, scores finished runs and
// blocks inattentive workers.
type ExperimentService struct {
	repo      storage.Repository
	library   *sequence.Library
	settings  config.ServerSettings
	version   string
	clock     clock.Clock
	logger    *logger.Logger
	whitelist map[string]bool

	// assignMu serializes read-modify-write cycles on assignments
	assignMu sync.Mutex
}

// NewExperimentService creates the backend service
func NewExperimentService(repo storage.Repository, exp *config.Experiment, clk clock.Clock, log *logger.Logger) *ExperimentService {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.NewNop()
	}

	whitelist := make(map[string]bool, len(exp.Server.WhitelistWorkerIDs))
	for _, id := range exp.Server.WhitelistWorkerIDs {
		whitelist[id] = true
	}

	return &ExperimentService{
		repo:      repo,
		library:   sequence.NewLibrary(),
		settings:  exp.Server,
		version:   exp.Version,
		clock:     clk,
		logger:    log,
		whitelist: whitelist,
	}
}

// InitializeRun hands the worker the next block of their track, assigning a
// track first if the worker is new. The assignment moves on to the following
// block unless the worker is running, finished, blocked or the experiment is in
// maintenance.
func (s *ExperimentService) InitializeRun(ctx context.Context, workerID string, trialFeedback bool) (*models.RunInfo, error) {
	if workerID == "" {
		return nil, ErrWorkerIDRequired
	}

	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	now := s.clock.Now().UTC()

	a, err := s.repo.GetAssignment(ctx, workerID)
	newWorker := false
	switch {
	case errors.Is(err, storage.ErrAssignmentNotFound):
		a, err = s.assignNewSequence(ctx, workerID)
		switch {
		case errors.Is(err, storage.ErrAssignmentExists):
			// another backend instance assigned this worker first
			a, err = s.repo.GetAssignment(ctx, workerID)
			if err != nil {
				return nil, fmt.Errorf("failed to get assignment: %w", err)
			}
		case err != nil:
			return nil, err
		default:
			newWorker = true
		}
	case err != nil:
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	track, err := s.library.Get(a.SequenceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	images, types, err := track.Block(a.IndexToRun)
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	info := &models.RunInfo{
		IndexToRun:   a.IndexToRun,
		SequenceFile: a.SequenceFile,
		Images:       images,
		Blocked:      a.Blocked,
		Finished:     a.Finished,
		Maintenance:  s.settings.Maintenance,
		Running:      !newWorker && now.Sub(a.Timestamp) < s.settings.RunningWindow.Std(),
		Timestamp:    now.Format(TimestampLayout),
	}
	if trialFeedback {
		info.Conditions = types
	}

	if !(info.Running || info.Finished || info.Blocked || info.Maintenance) {
		if a.IndexToRun+1 >= s.settings.MaxNumRuns {
			a.Finished = true
		} else {
			a.IndexToRun++
		}
		a.Timestamp = now
		if err := s.repo.UpdateAssignment(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to update assignment: %w", err)
		}
	}

	s.logger.Info("Run initialized",
		logger.F("worker_id", workerID),
		logger.F("sequence_file", info.SequenceFile),
		logger.F("index_to_run", fmt.Sprintf("%d", info.IndexToRun)),
		logger.F("running", fmt.Sprintf("%t", info.Running)))

	return info, nil
}

// maxAssignAttempts bounds retries when other backend instances keep taking
// the track picked for a new worker.
const maxAssignAttempts = 5

func (s *ExperimentService) assignNewSequence(ctx context.Context, workerID string) (*models.Assignment, error) {
	for attempt := 1; ; attempt++ {
		assigned, err := s.repo.ListAssignedSequenceFiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list assignments: %w", err)
		}

		available, err := sequence.Available(s.settings.SequenceDir, assigned, s.settings.PreviewSequenceFile)
		if err != nil {
			return nil, err
		}
		if len(available) == 0 {
			return nil, ErrNoSequencesAvailable
		}

		a := &models.Assignment{
			WorkerID:     workerID,
			SequenceFile: filepath.Join(s.settings.SequenceDir, available[0]),
			Timestamp:    s.clock.Now().UTC(),
			Version:      s.version,
		}
		err = s.repo.CreateAssignment(ctx, a)
		if errors.Is(err, storage.ErrSequenceTaken) && attempt < maxAssignAttempts {
			s.logger.Debug("Sequence taken concurrently, retrying",
				logger.F("worker_id", workerID),
				logger.F("sequence_file", a.SequenceFile))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create assignment: %w", err)
		}

		s.logger.Info("Sequence assigned", logger.F("worker_id", workerID), logger.F("sequence_file", a.SequenceFile))
		return a, nil
	}
}

// InitializePreview returns the first block of the preview track
func (s *ExperimentService) InitializePreview(ctx context.Context, trialFeedback bool) (*models.RunInfo, error) {
	track, err := s.library.Get(s.settings.PreviewSequenceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load preview sequence: %w", err)
	}
	images, types, err := track.Block(0)
	if err != nil {
		return nil, err
	}

	info := &models.RunInfo{
		IndexToRun:   0,
		SequenceFile: s.settings.PreviewSequenceFile,
		Images:       images,
		Timestamp:    s.clock.Now().UTC().Format(TimestampLayout),
	}
	if trialFeedback {
		info.Conditions = types
	}
	return info, nil
}

// FinalizeRun stores a finished run, checks the worker's vigilance and
// returns their scores. Previews are scored but not stored.
func (s *ExperimentService) FinalizeRun(ctx context.Context, payload models.RunPayload) (*models.FinalizeResult, error) {
	if payload.SequenceFile == "" {
		return nil, fmt.Errorf("%w: sequenceFile is required", ErrInvalidPayload)
	}

	if payload.Preview {
		if !samePath(payload.SequenceFile, s.settings.PreviewSequenceFile) {
			return nil, fmt.Errorf("%w: preview runs use the preview sequence", ErrInvalidPayload)
		}
	} else {
		if payload.WorkerID == "" {
			return nil, fmt.Errorf("%w: workerId is required", ErrInvalidPayload)
		}
		a, err := s.repo.GetAssignment(ctx, payload.WorkerID)
		switch {
		case errors.Is(err, storage.ErrAssignmentNotFound):
			return nil, fmt.Errorf("%w: unknown worker %q", ErrInvalidPayload, payload.WorkerID)
		case err != nil:
			return nil, fmt.Errorf("failed to get assignment: %w", err)
		}
		if !s.inSequenceDir(payload.SequenceFile) || !samePath(payload.SequenceFile, a.SequenceFile) {
			return nil, fmt.Errorf("%w: sequenceFile is not the worker's track", ErrInvalidPayload)
		}
	}

	track, err := s.library.Get(payload.SequenceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	images, types, err := track.Block(payload.IndexToRun)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.NumTrials < 0 || payload.NumTrials > len(images) {
		return nil, fmt.Errorf("%w: numTrials %d out of range", ErrInvalidPayload, payload.NumTrials)
	}
	images, types = images[:payload.NumTrials], types[:payload.NumTrials]

	result := &models.FinalizeResult{
		Finished:    payload.IndexToRun+1 >= s.settings.MaxNumRuns,
		Maintenance: s.settings.Maintenance,
	}

	if !payload.Preview {
		sandbox := submit.ParseMedium(payload.Medium) == submit.MediumSandbox
		if err := s.repo.AppendTrials(ctx, sandbox, trialRecords(payload, images, types)); err != nil {
			return nil, fmt.Errorf("failed to store trials: %w", err)
		}

		valid := true
		if !s.whitelist[payload.WorkerID] && !PassesVigilance(types, payload.ResponseIndices, s.settings.BlockingCriteria) {
			if err := s.blockWorker(ctx, payload.WorkerID); err != nil {
				return nil, err
			}
			result.Blocked = true
			valid = false
		}

		if _, err := s.repo.RecordBlock(ctx, valid); err != nil {
			return nil, fmt.Errorf("failed to update dashboard: %w", err)
		}
	}

	scores := ComputeScores(types, payload.ResponseIndices, s.settings.ConditionLabels)
	result.HitRate = scores.HitRate
	result.FalseAlarmNum = scores.FalseAlarmNum

	s.logger.Info("Run finalized",
		logger.F("worker_id", payload.WorkerID),
		logger.F("index_to_run", fmt.Sprintf("%d", payload.IndexToRun)),
		logger.F("blocked", fmt.Sprintf("%t", result.Blocked)),
		logger.F("preview", fmt.Sprintf("%t", payload.Preview)))

	return result, nil
}

// inSequenceDir reports whether path lies inside the sequence directory.
func (s *ExperimentService) inSequenceDir(path string) bool {
	rel, err := filepath.Rel(s.settings.SequenceDir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func trialRecords(p models.RunPayload, images, types []string) []models.TrialRecord {
	responded := responseSet(p.ResponseIndices)
	records := make([]models.TrialRecord, len(images))
	for i := range images {
		r := models.TrialRecord{
			WorkerID:     p.WorkerID,
			AssignmentID: p.AssignmentID,
			Medium:       p.Medium,
			SequenceFile: p.SequenceFile,
			RunIndex:     p.IndexToRun,
			TrialIndex:   i,
			Condition:    types[i],
			Image:        images[i],
			Timestamp:    p.Timestamp,
			InitTime:     p.InitTime,
			FinishTime:   p.FinishTime,
		}
		if responded[i] {
			r.Response = 1
		}
		records[i] = r
	}
	return records
}

func (s *ExperimentService) blockWorker(ctx context.Context, workerID string) error {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	a, err := s.repo.GetAssignment(ctx, workerID)
	if err != nil {
		return fmt.Errorf("failed to block worker: %w", err)
	}
	a.Blocked = true
	if err := s.repo.UpdateAssignment(ctx, a); err != nil {
		return fmt.Errorf("failed to block worker: %w", err)
	}

	s.logger.Warn("Worker blocked", logger.F("worker_id", workerID))
	return nil
}

// SubmitRuns records a submission from outside mTurk
func (s *ExperimentService) SubmitRuns(ctx context.Context, sub models.Submission) error {
	if sub.WorkerID == "" {
		return ErrWorkerIDRequired
	}
	if err := s.repo.AppendSubmission(ctx, sub); err != nil {
		return fmt.Errorf("failed to store submission: %w", err)
	}

	s.logger.Info("Runs submitted",
		logger.F("worker_id", sub.WorkerID),
		logger.F("compensation", fmt.Sprintf("%.2f", sub.Compensation)))
	return nil
}

// Dashboard returns the block counters
func (s *ExperimentService) Dashboard(ctx context.Context) (models.Dashboard, error) {
	return s.repo.GetDashboard(ctx)
}
