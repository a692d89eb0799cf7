package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
	"github.com/ignite/campaign-dispatcher/internal/recipients"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100

	startedMessage = "Campaign started. Emails are being sent in the background."

	recordTimeout = 10 * time.Second

	runErrorReason  = "campaign error"
	cancelledReason = "campaign cancelled"
)

// Runner performs the batched delivery of one campaign. It returns the final
// tallies, or Cancelled when it stopped early because the campaign was
// cancelled.
type Runner interface {
	Run(ctx context.Context, c *domain.Campaign) (RunResult, error)
}

// RunResult summarizes a finished run.
type RunResult struct {
	Sent      int
	Failed    int
	Cancelled bool
}

// CreateInput holds the fields for creating a new campaign. Recipients must
// already be validated.
type CreateInput struct {
	Name       string
	Subject    string
	HTML       string
	Text       string
	Owner      string
	Recipients []domain.RecipientInput
}

// SubmitInput is a raw submission. Recipients come from RecipientData
// (parsed according to ContentType) and/or the inline list.
type SubmitInput struct {
	Name          string
	Subject       string
	HTML          string
	Text          string
	Owner         string
	ContentType   string
	RecipientData io.Reader
	Recipients    []domain.RecipientInput
}

// SubmitResult is returned once a campaign has been accepted and scheduled.
type SubmitResult struct {
	CampaignID        string                `json:"campaignId"`
	Status            domain.CampaignStatus `json:"status"`
	TotalRecipients   int                   `json:"totalRecipients"`
	InvalidRecipients int                   `json:"invalidRecipients,omitempty"`
	Message           string                `json:"message"`
}

// ListResult is one page of campaign summaries.
type ListResult struct {
	Campaigns  []domain.Campaign `json:"campaigns"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"totalPages"`
}

// Service implements campaign business logic. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo   Repository
	runner Runner
	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
	now    func() time.Time
}

// NewService creates a campaign service backed by the given repository.
// A Runner must be set with SetRunner before campaigns can be created.
func NewService(repo Repository) *Service {
	runCtx, stopRun := context.WithCancel(context.Background())
	return &Service{
		repo:    repo,
		runCtx:  runCtx,
		stopRun: stopRun,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetRunner sets the delivery runner used for background runs.
func (s *Service) SetRunner(r Runner) {
	s.runner = r
}

// Get returns a single campaign with recipients.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns one page of campaign summaries, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	if f.Page < 1 {
		f.Page = defaultPage
	}
	if f.Limit < 1 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}

	items, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	if items == nil {
		items = []domain.Campaign{}
	}
	return &ListResult{
		Campaigns:  items,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	}, nil
}

// Submit parses and validates the recipient list, then creates and starts
// the campaign. Unusable recipient lists are rejected before anything is
// persisted.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if err := validateContent(in.Name, in.Subject, in.HTML, in.Text); err != nil {
		return nil, err
	}

	list := in.Recipients
	if in.RecipientData != nil {
		parsed, err := recipients.Parse(in.ContentType, in.RecipientData)
		if err != nil {
			return nil, err
		}
		list = append(list, parsed...)
	}

	checked, err := recipients.Validate(list)
	if err != nil {
		return nil, err
	}
	if checked.Invalid > 0 {
		logger.Info("campaign: dropped invalid recipients", "invalid", checked.Invalid, "valid", len(checked.Valid))
	}

	res, err := s.Create(ctx, CreateInput{
		Name:       in.Name,
		Subject:    in.Subject,
		HTML:       in.HTML,
		Text:       in.Text,
		Owner:      in.Owner,
		Recipients: checked.Valid,
	})
	if err != nil {
		return nil, err
	}
	res.InvalidRecipients = checked.Invalid
	return res, nil
}

// Create persists a new campaign, moves it to processing and schedules
// exactly one background run. It returns without waiting for delivery.
func (s *Service) Create(ctx context.Context, in CreateInput) (*SubmitResult, error) {
	if err := validateContent(in.Name, in.Subject, in.HTML, in.Text); err != nil {
		return nil, err
	}
	if len(in.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if s.runner == nil {
		return nil, errors.New("campaign: no runner configured")
	}

	now := s.now()
	c := &domain.Campaign{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(in.Name),
		Subject:         in.Subject,
		HTMLBody:        in.HTML,
		TextBody:        in.Text,
		Owner:           in.Owner,
		Status:          domain.CampaignPending,
		TotalRecipients: len(in.Recipients),
		Errors:          []string{},
		Recipients:      make([]domain.Recipient, len(in.Recipients)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, r := range in.Recipients {
		c.Recipients[i] = domain.Recipient{
			Index:  i,
			Email:  r.Email,
			Name:   r.Name,
			Status: domain.RecipientPending,
		}
	}

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	c.ID = id

	processing := domain.CampaignProcessing
	started := s.now()
	if err := s.repo.UpdateAggregate(ctx, id, AggregateUpdate{Status: &processing, StartedAt: &started}); err != nil {
		return nil, fmt.Errorf("start campaign %s: %w", id, err)
	}
	c.Status = processing
	c.StartedAt = &started

	s.schedule(c)

	logger.Info("campaign: started", "campaign_id", id, "recipient_count", c.TotalRecipients)
	return &SubmitResult{
		CampaignID:      id,
		Status:          processing,
		TotalRecipients: c.TotalRecipients,
		Message:         startedMessage,
	}, nil
}

// Finalize records the terminal outcome of a completed run. The campaign is
// failed only when every recipient failed.
func (s *Service) Finalize(ctx context.Context, id string, sent, failed int) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}

	status := domain.CampaignCompleted
	if failed == c.TotalRecipients {
		status = domain.CampaignFailed
	}
	progress := domain.ComputeProgress(sent+failed, c.TotalRecipients)
	completed := s.now()
	if err := s.repo.UpdateAggregate(ctx, id, AggregateUpdate{
		Status:      &status,
		SentCount:   &sent,
		FailedCount: &failed,
		Progress:    &progress,
		CompletedAt: &completed,
	}); err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}

	logger.Info("campaign: finished", "campaign_id", id, "status", string(status), "sent", sent, "failed", failed)
	return nil
}

// Fail marks a campaign failed after a run error. Recipients the run never
// reached are failed in the same write that records the error, so the
// counters add up before the status turns terminal. If either write fails
// the campaign stays in processing until the stale sweeper picks it up.
func (s *Service) Fail(ctx context.Context, id string, cause error) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", id, err)
	}

	batch := PendingOutcomes(c, runErrorReason)
	batch.Errors = []string{"Campaign error: " + cause.Error()}
	updated, err := s.repo.ApplyBatch(ctx, id, batch)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", id, err)
	}

	status := domain.CampaignFailed
	progress := domain.ComputeProgress(updated.Processed(), updated.TotalRecipients)
	completed := s.now()
	err = s.repo.UpdateAggregate(ctx, id, AggregateUpdate{
		Status:      &status,
		Progress:    &progress,
		CompletedAt: &completed,
	})
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", id, err)
	}
	return nil
}

// Cancel stops a pending or processing campaign. A running dispatcher
// notices between batches and fails the remaining recipients; for a
// campaign that never started they are failed here, before the status
// changes. Progress keeps tracking the counters until they close out.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(c.Status, domain.CampaignCancelled) {
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}

	if c.Status == domain.CampaignPending {
		if batch := PendingOutcomes(c, cancelledReason); len(batch.Outcomes) > 0 {
			if _, err := s.repo.ApplyBatch(ctx, id, batch); err != nil {
				return nil, fmt.Errorf("cancel %s: %w", id, err)
			}
		}
	}

	status := domain.CampaignCancelled
	completed := s.now()
	if err := s.repo.UpdateAggregate(ctx, id, AggregateUpdate{
		Status:      &status,
		CompletedAt: &completed,
	}); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}

	logger.Info("campaign: cancelled", "campaign_id", id)
	return s.repo.Get(ctx, id)
}

// Wait blocks until every background run started by this service has
// finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown waits for background runs until ctx is done, then interrupts the
// ones still going. Interrupted runs stop after their current batch and are
// marked failed. It returns ctx.Err() when runs had to be interrupted.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	logger.Warn("campaign: interrupting running campaigns")
	s.stopRun()
	<-done
	return ctx.Err()
}

// recordCtx is used for terminal writes, which must happen even after the
// run context is cancelled.
func (s *Service) recordCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.runCtx), recordTimeout)
}

func (s *Service) schedule(c *domain.Campaign) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("campaign: run panicked", "campaign_id", c.ID, "panic", fmt.Sprint(r))
				ctx, cancel := s.recordCtx()
				defer cancel()
				if err := s.Fail(ctx, c.ID, fmt.Errorf("panic: %v", r)); err != nil {
					logger.Error("campaign: could not record failure", "campaign_id", c.ID, "error", err)
				}
			}
		}()
		s.execute(c)
	}()
}

func (s *Service) execute(c *domain.Campaign) {
	res, err := s.runner.Run(s.runCtx, c)

	ctx, cancel := s.recordCtx()
	defer cancel()
	if err != nil && s.runCtx.Err() != nil {
		err = fmt.Errorf("interrupted by shutdown: %w", err)
	}
	switch {
	case errors.Is(err, ErrRunInProgress):
		logger.Warn("campaign: run skipped, already running elsewhere", "campaign_id", c.ID)
		return
	case err != nil:
		logger.Error("campaign: run failed", "campaign_id", c.ID, "error", err)
		if ferr := s.Fail(ctx, c.ID, err); ferr != nil {
			logger.Error("campaign: could not record failure", "campaign_id", c.ID, "error", ferr)
		}
		return
	case res.Cancelled:
		logger.Info("campaign: run stopped after cancellation", "campaign_id", c.ID, "sent", res.Sent, "failed", res.Failed)
		return
	}

	err = s.Finalize(ctx, c.ID, res.Sent, res.Failed)
	switch {
	case errors.Is(err, ErrInvalidTransition):
		// Cancelled after the last batch was recorded.
		logger.Info("campaign: not finalized", "campaign_id", c.ID, "reason", err.Error())
	case err != nil:
		logger.Error("campaign: finalize failed", "campaign_id", c.ID, "error", err)
	}
}

// PendingOutcomes builds a batch failing every still-pending recipient of c
// with the given reason.
func PendingOutcomes(c *domain.Campaign, reason string) BatchUpdate {
	var b BatchUpdate
	for _, r := range c.Recipients {
		if r.Status != domain.RecipientPending {
			continue
		}
		b.Outcomes = append(b.Outcomes, RecipientOutcome{
			Index: r.Index,
			Email: r.Email,
			Error: reason,
		})
	}
	return b
}

func validateContent(name, subject, html, text string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case strings.TrimSpace(subject) == "":
		return fmt.Errorf("%w: subject is required", ErrValidation)
	case strings.TrimSpace(html) == "" && strings.TrimSpace(text) == "":
		return fmt.Errorf("%w: html or text content is required", ErrValidation)
	}
	return nil
}
