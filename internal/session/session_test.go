package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorygame/internal/models"
)

func TestOpen_NewSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := Open(ctx, store, "tab-1", "A1", "mturk", 0.1)
	require.NoError(t, err)

	assert.Equal(t, "A1", s.ReferralID())
	assert.Equal(t, "mturk", s.Medium())
	assert.Zero(t, s.RunInSession())
	assert.Zero(t, s.Bonus())
	assert.False(t, s.CanRescue())

	stored, err := store.Load(ctx, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, "A1", stored.ReferralID)
}

func TestOpen_SameReferralKeepsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := Open(ctx, store, "tab-1", "A1", "mturk", 0.1)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, models.RunPayload{IndexToRun: 0}))
	require.NoError(t, s.Continue(ctx))

	reopened, err := Open(ctx, store, "tab-1", "A1", "mturk", 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.CompletedRuns())
	assert.Equal(t, 1, reopened.RunInSession())
	assert.Len(t, reopened.Runs(), 1)
}

func TestOpen_ReferralChangeResets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := Open(ctx, store, "tab-1", models.PreviewAssignmentID, "mturk", 0.1)
	require.NoError(t, err)
	require.NoError(t, s.Continue(ctx))

	accepted, err := Open(ctx, store, "tab-1", "A2", "mturk", 0.1)
	require.NoError(t, err)
	assert.Equal(t, "A2", accepted.ReferralID())
	assert.Zero(t, accepted.RunInSession())
	assert.Empty(t, accepted.Runs())
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), NewMemoryStore(), "", "A1", "mturk", 0.1)
	assert.Error(t, err)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Load(context.Context, string) (*Record, error) {
	return nil, errors.New("redis down")
}

func TestOpen_StoreFailure(t *testing.T) {
	_, err := Open(context.Background(), failingStore{NewMemoryStore()}, "tab", "A1", "mturk", 0.1)
	assert.ErrorContains(t, err, "redis down")
}

func TestContext_BonusIsRewardTimesCompletedRuns(t *testing.T) {
	ctx := context.Background()
	const reward = 0.15

	s, err := Open(ctx, NewMemoryStore(), "tab-1", "A1", "mturk", reward)
	require.NoError(t, err)

	for n := 1; n <= 7; n++ {
		require.NoError(t, s.CompleteRun(ctx, models.RunPayload{IndexToRun: n - 1}))
		assert.Equal(t, reward*float64(n), s.Bonus())
		assert.Equal(t, s.Bonus(), s.Record().BonusEarned)
	}
	assert.True(t, s.CanRescue())
}

func TestContext_RunsKeepOrder(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, NewMemoryStore(), "tab-1", "A1", "external", 0.1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CompleteRun(ctx, models.RunPayload{IndexToRun: i, Timestamp: string(rune('a' + i))}))
	}

	runs := s.Runs()
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.Equal(t, i, run.IndexToRun)
	}
	last, ok := s.LastRun()
	require.True(t, ok)
	assert.Equal(t, "c", last.Timestamp)

	// copies must not leak into the context
	runs[0].IndexToRun = 99
	assert.Equal(t, 0, s.Runs()[0].IndexToRun)
}

func TestContext_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, err := Open(ctx, store, "tab-1", "A1", "external", 0.1)
	require.NoError(t, err)
	require.NoError(t, s.SetWorkerID(ctx, "w1"))
	require.NoError(t, s.CompleteRun(ctx, models.RunPayload{}))

	require.NoError(t, s.Reset(ctx))

	assert.Zero(t, s.CompletedRuns())
	assert.Empty(t, s.WorkerID())
	assert.Equal(t, "A1", s.ReferralID())
	_, ok := s.LastRun()
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &Record{ReferralID: "A1", RunInSession: 2}
	require.NoError(t, store.Save(ctx, "k", rec))
	rec.RunInSession = 5

	got, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunInSession)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Load(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
