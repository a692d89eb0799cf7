package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

// =============================================================================
// STALE RUN SWEEPER: fails campaigns whose run died mid-flight
// =============================================================================
// If the process crashes (or the failure write itself fails) while a run is
// in progress, the campaign stays in 'processing' forever. The sweeper
// periodically finds such campaigns by their last update time and fails
// them, counting every recipient still pending as failed.

const (
	// DefaultSweepInterval is how often we scan for stale campaigns.
	DefaultSweepInterval = 2 * time.Minute

	// DefaultStaleAfter is how long a processing campaign may go without a
	// store write before we consider its run abandoned.
	DefaultStaleAfter = 30 * time.Minute

	abandonedReason = "run abandoned"

	sweepLockTTL = time.Minute
)

var errRunStillHeld = errors.New("run lock still held")

// StaleSweeper periodically fails abandoned processing campaigns.
type StaleSweeper struct {
	repo       campaign.Repository
	interval   time.Duration
	staleAfter time.Duration
	locker     distlock.Locker
	now        func() time.Time
}

// NewStaleSweeper creates a sweeper. Non-positive durations use the defaults.
func NewStaleSweeper(repo campaign.Repository, interval, staleAfter time.Duration) *StaleSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &StaleSweeper{
		repo:       repo,
		interval:   interval,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker makes the sweeper take a campaign's run lock before failing it,
// so a slow run that is still alive elsewhere is left alone.
func (s *StaleSweeper) SetLocker(l distlock.Locker) {
	s.locker = l
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (s *StaleSweeper) Start(ctx context.Context) {
	log.Printf("[StaleSweeper] Starting (interval=%s, stale_after=%s)", s.interval, s.staleAfter)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StaleSweeper] Stopping")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Printf("[StaleSweeper] sweep error: %v", err)
			} else if n > 0 {
				log.Printf("[StaleSweeper] failed %d abandoned campaigns", n)
			}
		}
	}
}

// Sweep fails every stale campaign once and returns how many it changed.
// A campaign that finishes or is cancelled between the scan and the write
// is skipped.
func (s *StaleSweeper) Sweep(ctx context.Context) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stale, err := s.repo.ListStale(queryCtx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale campaigns: %w", err)
	}

	swept := 0
	for _, c := range stale {
		if err := s.failAbandoned(queryCtx, c.ID); err != nil {
			log.Printf("[StaleSweeper] campaign %s: %v", c.ID, err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *StaleSweeper) failAbandoned(ctx context.Context, id string) error {
	if s.locker != nil {
		lock := s.locker.NewLock(runLockKey(id), sweepLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return errRunStillHeld
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				log.Printf("[StaleSweeper] campaign %s: release run lock: %v", id, err)
			}
		}()
	}

	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignProcessing {
		return fmt.Errorf("no longer processing (%s)", c.Status)
	}

	batch := campaign.PendingOutcomes(c, abandonedReason)
	batch.Errors = []string{"Campaign error: " + abandonedReason}
	updated, err := s.repo.ApplyBatch(ctx, id, batch)
	if err != nil {
		return fmt.Errorf("fail pending recipients: %w", err)
	}

	status := domain.CampaignFailed
	progress := domain.ComputeProgress(updated.Processed(), updated.TotalRecipients)
	completed := s.now()
	return s.repo.UpdateAggregate(ctx, id, campaign.AggregateUpdate{
		Status:      &status,
		Progress:    &progress,
		CompletedAt: &completed,
	})
}
