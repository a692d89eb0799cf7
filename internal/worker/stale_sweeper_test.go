package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatcher/internal/repository/memory"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

func TestStaleSweeperFailsAbandonedRuns(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCampaignStore()
	c := seedCampaign(t, store, nil, "a@x.com", "b@x.com", "b@x.com")

	_, err := store.ApplyBatch(ctx, c.ID, campaign.BatchUpdate{Outcomes: []campaign.RecipientOutcome{
		{Index: 0, Email: "a@x.com", Success: true, SentAt: time.Now()},
	}})
	require.NoError(t, err)

	sweeper := NewStaleSweeper(store, time.Minute, 30*time.Minute)
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Errors, "Campaign error: run abandoned")
	assert.Equal(t, "run abandoned", got.Recipients[2].Error)

	// Already failed: nothing left to sweep.
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// perRecipientCounter counts single-recipient writes, which the sweeper must
// not use.
type perRecipientCounter struct {
	*batchRecorder
	recipientWrites int
}

func (p *perRecipientCounter) UpdateRecipientStatus(ctx context.Context, id, email string, u campaign.RecipientUpdate) error {
	p.recipientWrites++
	return p.batchRecorder.UpdateRecipientStatus(ctx, id, email, u)
}

func TestStaleSweeperWritesOneBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCampaignStore()
	repo := &perRecipientCounter{batchRecorder: &batchRecorder{Repository: store}}
	c := seedCampaign(t, store, nil, "a@x.com", "b@x.com", "c@x.com")

	sweeper := NewStaleSweeper(repo, time.Minute, 30*time.Minute)
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{3}, repo.sizes)
	assert.Zero(t, repo.recipientWrites)

	got, _ := store.Get(ctx, c.ID)
	assert.Equal(t, 3, got.FailedCount)
	assert.Equal(t, "Campaign error: run abandoned", got.Errors[0])
}

func TestStaleSweeperSkipsCampaignWithLiveRunLock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCampaignStore()
	c := seedCampaign(t, store, nil, "a@x.com")

	locker := distlock.NewLocalLocker()
	held := locker.NewLock(runLockKey(c.ID), time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	sweeper := NewStaleSweeper(store, time.Minute, 30*time.Minute)
	sweeper.SetLocker(locker)
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ := store.Get(ctx, c.ID)
	assert.Equal(t, domain.CampaignProcessing, got.Status)

	require.NoError(t, held.Release(ctx))
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = store.Get(ctx, c.ID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
}

func TestStaleSweeperLeavesActiveRunsAlone(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCampaignStore()
	active := seedCampaign(t, store, nil, "a@x.com")

	done := seedCampaign(t, store, nil, "b@x.com")
	completed := domain.CampaignCompleted
	require.NoError(t, store.UpdateAggregate(ctx, done.ID, campaign.AggregateUpdate{Status: &completed}))

	sweeper := NewStaleSweeper(store, time.Minute, 30*time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := store.Get(ctx, active.ID)
	assert.Equal(t, domain.CampaignProcessing, got.Status)
}

func TestStaleSweeperDefaults(t *testing.T) {
	s := NewStaleSweeper(nil, 0, -1)
	assert.Equal(t, DefaultSweepInterval, s.interval)
	assert.Equal(t, DefaultStaleAfter, s.staleAfter)
}
