// Package storagetest runs the same behavioural checks against every
// storage driver.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/storage"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Run("Assignments", func(t *testing.T) { testAssignments(t, newRepo(t)) })
	t.Run("Trials", func(t *testing.T) { testTrials(t, newRepo(t)) })
	t.Run("Dashboard", func(t *testing.T) { testDashboard(t, newRepo(t)) })
	t.Run("Submissions", func(t *testing.T) { testSubmissions(t, newRepo(t)) })
}

func testAssignments(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	_, err := repo.GetAssignment(ctx, "W1")
	assert.ErrorIs(t, err, storage.ErrAssignmentNotFound)

	a := &models.Assignment{WorkerID: "W1", SequenceFile: "sequences/track_0002.json", Timestamp: ts, Version: "1"}
	require.NoError(t, repo.CreateAssignment(ctx, a))
	assert.ErrorIs(t, repo.CreateAssignment(ctx, a), storage.ErrAssignmentExists)
	require.NoError(t, repo.CreateAssignment(ctx, &models.Assignment{WorkerID: "W2", SequenceFile: "sequences/track_0001.json", Timestamp: ts}))

	// a track belongs to one worker
	assert.ErrorIs(t, repo.CreateAssignment(ctx, &models.Assignment{WorkerID: "W3", SequenceFile: "sequences/track_0001.json", Timestamp: ts}), storage.ErrSequenceTaken)
	_, err = repo.GetAssignment(ctx, "W3")
	assert.ErrorIs(t, err, storage.ErrAssignmentNotFound)

	got, err := repo.GetAssignment(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, "sequences/track_0002.json", got.SequenceFile)
	assert.Equal(t, 0, got.IndexToRun)
	assert.True(t, got.Timestamp.Equal(ts))

	got.IndexToRun = 3
	got.Blocked = true
	got.Timestamp = ts.Add(time.Minute)
	require.NoError(t, repo.UpdateAssignment(ctx, got))

	updated, err := repo.GetAssignment(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.IndexToRun)
	assert.True(t, updated.Blocked)
	assert.False(t, updated.Finished)
	assert.True(t, updated.Timestamp.Equal(ts.Add(time.Minute)))

	assert.ErrorIs(t, repo.UpdateAssignment(ctx, &models.Assignment{WorkerID: "nobody"}), storage.ErrAssignmentNotFound)

	files, err := repo.ListAssignedSequenceFiles(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sequences/track_0001.json", "sequences/track_0002.json"}, files)
}

func testTrials(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	records := []models.TrialRecord{
		{WorkerID: "W1", RunIndex: 0, TrialIndex: 0, Response: 0, Condition: "target", Image: "a.jpg"},
		{WorkerID: "W1", RunIndex: 0, TrialIndex: 1, Response: 1, Condition: "target repeat", Image: "a.jpg"},
	}
	require.NoError(t, repo.AppendTrials(ctx, false, records))
	require.NoError(t, repo.AppendTrials(ctx, true, []models.TrialRecord{{WorkerID: "W1", TrialIndex: 0, Medium: "mturk_sandbox"}}))

	got, err := repo.ListTrials(ctx, false, "W1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].Response)
	assert.Equal(t, "target repeat", got[1].Condition)

	sandbox, err := repo.ListTrials(ctx, true, "W1")
	require.NoError(t, err)
	require.Len(t, sandbox, 1)
	assert.Equal(t, "mturk_sandbox", sandbox[0].Medium)

	none, err := repo.ListTrials(ctx, false, "W2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDashboard(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	d, err := repo.GetDashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Dashboard{}, d)

	_, err = repo.RecordBlock(ctx, true)
	require.NoError(t, err)
	_, err = repo.RecordBlock(ctx, false)
	require.NoError(t, err)
	d, err = repo.RecordBlock(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, models.Dashboard{NumBlocksTotal: 3, NumValidBlocks: 2}, d)

	d, err = repo.GetDashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, d.NumBlocksTotal)
}

func testSubmissions(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	require.NoError(t, repo.AppendSubmission(ctx, models.Submission{
		WorkerID:     "W1",
		Timestamp:    "2024-01-15 10:00:00.000000",
		Compensation: 0.3,
		Medium:       "external",
		Feedback:     "fun",
		Runs:         []models.RunPayload{{IndexToRun: 0}, {IndexToRun: 1}},
	}))
	require.NoError(t, repo.AppendSubmission(ctx, models.Submission{WorkerID: "W2"}))

	subs, err := repo.ListSubmissions(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 0.3, subs[0].Compensation)
	assert.Equal(t, "fun", subs[0].Feedback)
	require.Len(t, subs[0].Runs, 2)
	assert.Equal(t, 1, subs[0].Runs[1].IndexToRun)
}
