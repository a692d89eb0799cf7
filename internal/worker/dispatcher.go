package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/personalize"
	"github.com/ignite/campaign-dispatcher/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
	"github.com/ignite/campaign-dispatcher/internal/sending"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
	"github.com/ignite/campaign-dispatcher/internal/tracking"
)

const (
	// DefaultBatchDelay is the pause between consecutive batches.
	DefaultBatchDelay = time.Second

	// DefaultLockTTL bounds how long a crashed holder blocks a campaign.
	// The dispatcher extends the lock after every batch.
	DefaultLockTTL = 5 * time.Minute

	cancelledReason = "campaign cancelled"
)

// DispatcherConfig holds sender identity and pacing.
type DispatcherConfig struct {
	FromName   string
	FromEmail  string
	BatchSize  int
	BatchDelay time.Duration
	LockTTL    time.Duration
}

// Dispatcher delivers a campaign in fixed-size concurrent batches and
// records each batch's outcomes in one store write. It implements
// campaign.Runner.
type Dispatcher struct {
	repo     campaign.Repository
	sender   sending.Sender
	renderer personalize.Renderer
	issuer   *tracking.Issuer
	locker   distlock.Locker
	grouper  *BatchGrouper

	fromName   string
	fromEmail  string
	batchSize  int
	batchDelay time.Duration
	lockTTL    time.Duration

	now func() time.Time
}

// NewDispatcher creates a dispatcher. A nil renderer falls back to plain
// placeholder substitution; a nil issuer disables open tracking.
func NewDispatcher(repo campaign.Repository, sender sending.Sender, renderer personalize.Renderer, issuer *tracking.Issuer, cfg DispatcherConfig) *Dispatcher {
	if renderer == nil {
		renderer = personalize.PlaceholderRenderer{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Dispatcher{
		repo:       repo,
		sender:     sender,
		renderer:   renderer,
		issuer:     issuer,
		grouper:    NewBatchGrouper(cfg.BatchSize),
		fromName:   cfg.FromName,
		fromEmail:  cfg.FromEmail,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		lockTTL:    cfg.LockTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func runLockKey(campaignID string) string {
	return "campaign-run:" + campaignID
}

// SetLocker enables the per-campaign run lock.
func (d *Dispatcher) SetLocker(l distlock.Locker) {
	d.locker = l
}

// Run sends every pending recipient of c. Per-recipient failures are
// recorded, not returned; an error means the run itself broke (store
// write failed, lock unavailable, context done). Cancelling ctx stops the
// run at the next batch boundary; a batch already in flight is still sent
// and recorded.
func (d *Dispatcher) Run(ctx context.Context, c *domain.Campaign) (campaign.RunResult, error) {
	var res campaign.RunResult

	var lock distlock.Lock
	if d.locker != nil {
		lock = d.locker.NewLock(runLockKey(c.ID), d.lockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return res, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return res, ErrRunInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				logger.Warn("dispatcher: release run lock failed", "campaign_id", c.ID, "error", err)
			}
		}()
	}

	batches := d.grouper.Partition(c.Recipients)
	logger.Info("dispatcher: run started", "campaign_id", c.ID, "recipient_count", len(c.Recipients), "batches", len(batches), "batch_size", d.batchSize)

	batchCtx := context.WithoutCancel(ctx)
	for i, batch := range batches {
		if i > 0 && d.batchDelay > 0 {
			if err := sleepContext(ctx, d.batchDelay); err != nil {
				return res, fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
			}
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}

		outcomes := d.sendBatch(batchCtx, c, batch)
		updated, err := d.repo.ApplyBatch(batchCtx, c.ID, campaign.BatchUpdate{Outcomes: outcomes})
		if err != nil {
			return res, fmt.Errorf("record batch %d/%d: %w", i+1, len(batches), err)
		}
		res.Sent = updated.SentCount
		res.Failed = updated.FailedCount

		logger.Debug("dispatcher: batch recorded", "campaign_id", c.ID, "batch", i+1, "sent", res.Sent, "failed", res.Failed, "progress", updated.Progress)

		if updated.Status == domain.CampaignCancelled {
			return d.stopCancelled(batchCtx, c.ID, batches[i+1:], res)
		}

		if lock != nil && i < len(batches)-1 {
			if err := lock.Extend(ctx, d.lockTTL); err != nil {
				logger.Warn("dispatcher: extend run lock failed", "campaign_id", c.ID, "error", err)
			}
		}
	}

	return res, nil
}

// stopCancelled fails the recipients of the batches that were never sent so
// the counters still add up to the total.
func (d *Dispatcher) stopCancelled(ctx context.Context, id string, rest [][]domain.Recipient, res campaign.RunResult) (campaign.RunResult, error) {
	res.Cancelled = true

	var b campaign.BatchUpdate
	for _, batch := range rest {
		for _, r := range batch {
			b.Outcomes = append(b.Outcomes, campaign.RecipientOutcome{
				Index: r.Index,
				Email: r.Email,
				Error: cancelledReason,
			})
		}
	}
	if len(b.Outcomes) == 0 {
		return res, nil
	}

	updated, err := d.repo.ApplyBatch(ctx, id, b)
	if err != nil {
		return res, fmt.Errorf("record cancellation: %w", err)
	}
	res.Sent = updated.SentCount
	res.Failed = updated.FailedCount
	logger.Info("dispatcher: run cancelled", "campaign_id", id, "skipped", len(b.Outcomes))
	return res, nil
}

// sendBatch sends to every recipient of the batch concurrently and waits
// for all of them. The returned outcomes keep batch order.
func (d *Dispatcher) sendBatch(ctx context.Context, c *domain.Campaign, batch []domain.Recipient) []campaign.RecipientOutcome {
	outcomes := make([]campaign.RecipientOutcome, len(batch))

	var g errgroup.Group
	g.SetLimit(d.batchSize)
	for i := range batch {
		i := i
		g.Go(func() error {
			outcomes[i] = d.sendOne(ctx, c, batch[i])
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, c *domain.Campaign, r domain.Recipient) (out campaign.RecipientOutcome) {
	out = campaign.RecipientOutcome{Index: r.Index, Email: r.Email}

	defer func() {
		if p := recover(); p != nil {
			err := &RecipientSendError{Email: r.Email, Stage: "panic", Err: fmt.Errorf("%v", p)}
			logger.Error("dispatcher: send panicked", "campaign_id", c.ID, "email", r.Email, "panic", fmt.Sprint(p))
			out.Success = false
			out.Error = err.Error()
		}
	}()

	msg, token, err := d.compose(c, r)
	if err != nil {
		out.Error = (&RecipientSendError{Email: r.Email, Stage: "render", Err: err}).Error()
		return out
	}
	out.TrackingToken = token

	result, err := d.sender.Send(ctx, msg)
	if err != nil {
		out.Error = (&RecipientSendError{Email: r.Email, Stage: "send", Err: err}).Error()
		logger.Debug("dispatcher: send failed", "campaign_id", c.ID, "email", r.Email, "error", err)
		return out
	}

	out.Success = true
	out.SentAt = d.now()
	out.MessageID = msg.ID
	if result != nil {
		if result.MessageID != "" {
			out.MessageID = result.MessageID
		}
		if !result.SentAt.IsZero() {
			out.SentAt = result.SentAt.UTC()
		}
	}
	return out
}

// compose renders the campaign content for one recipient and injects the
// open pixel into the HTML body.
func (d *Dispatcher) compose(c *domain.Campaign, r domain.Recipient) (*domain.EmailMessage, string, error) {
	fields := personalize.FieldsFor(r)

	subject, err := d.renderer.Render(c.Subject, fields)
	if err != nil {
		return nil, "", fmt.Errorf("subject: %w", err)
	}
	html, err := d.renderer.Render(c.HTMLBody, fields)
	if err != nil {
		return nil, "", fmt.Errorf("html: %w", err)
	}
	text, err := d.renderer.Render(c.TextBody, fields)
	if err != nil {
		return nil, "", fmt.Errorf("text: %w", err)
	}

	var token string
	if html != "" {
		token = d.issuer.Issue(c.ID, r.Email)
		html = d.issuer.Inject(d.issuer.RewriteLinks(html, token), token)
	}

	return &domain.EmailMessage{
		ID:          uuid.New().String(),
		CampaignID:  c.ID,
		To:          r.Email,
		FromName:    d.fromName,
		FromEmail:   d.fromEmail,
		Subject:     subject,
		HTMLContent: html,
		TextContent: text,
	}, token, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ campaign.Runner = (*Dispatcher)(nil)
