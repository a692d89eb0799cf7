// Package memory provides an in-process campaign store. It keeps everything
// in a map guarded by one mutex, so each write is atomic with respect to
// readers. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

// CampaignStore implements campaign.Repository in memory.
type CampaignStore struct {
	mu        sync.RWMutex
	campaigns map[string]*domain.Campaign
	now       func() time.Time
}

var _ campaign.Repository = (*CampaignStore)(nil)

// NewCampaignStore creates an empty store.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{
		campaigns: make(map[string]*domain.Campaign),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a copy of c and returns its ID, generating one if empty.
func (s *CampaignStore) Create(_ context.Context, c *domain.Campaign) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := c.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if _, exists := s.campaigns[cp.ID]; exists {
		return "", fmt.Errorf("campaign %s already exists", cp.ID)
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Errors == nil {
		cp.Errors = []string{}
	}
	for i := range cp.Recipients {
		cp.Recipients[i].Index = i
		if cp.Recipients[i].Status == "" {
			cp.Recipients[i].Status = domain.RecipientPending
		}
	}
	s.campaigns[cp.ID] = cp
	return cp.ID, nil
}

// Get returns a deep copy of the campaign.
func (s *CampaignStore) Get(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return c.Clone(), nil
}

// List returns summaries ordered by CreatedAt descending.
func (s *CampaignStore) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Campaign
	for _, c := range s.campaigns {
		if f.Owner != "" && c.Owner != f.Owner {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	total := len(out)
	offset := f.Offset()
	if offset >= total {
		return []domain.Campaign{}, total, nil
	}
	end := offset + f.Limit
	if end > total || f.Limit <= 0 {
		end = total
	}
	return out[offset:end], total, nil
}

// UpdateRecipientStatus moves every pending recipient with email to u.Status.
func (s *CampaignStore) UpdateRecipientStatus(_ context.Context, campaignID, email string, u campaign.RecipientUpdate) error {
	if u.Status == domain.RecipientPending {
		return fmt.Errorf("recipient status must be terminal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return campaign.ErrNotFound
	}
	for i := range c.Recipients {
		r := &c.Recipients[i]
		if r.Email != email || r.Status != domain.RecipientPending {
			continue
		}
		r.Status = u.Status
		r.Error = u.Error
		r.MessageID = u.MessageID
		if u.SentAt != nil {
			t := *u.SentAt
			r.SentAt = &t
		}
	}
	c.UpdatedAt = s.now()
	return nil
}

// ApplyBatch applies one batch of outcomes under the store lock.
func (s *CampaignStore) ApplyBatch(_ context.Context, campaignID string, b campaign.BatchUpdate) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	for _, o := range b.Outcomes {
		if o.Index < 0 || o.Index >= len(c.Recipients) {
			return nil, fmt.Errorf("campaign %s: recipient index %d out of range", campaignID, o.Index)
		}
	}

	errs := append([]string(nil), b.Errors...)
	for _, o := range b.Outcomes {
		r := &c.Recipients[o.Index]
		if r.Status != domain.RecipientPending {
			continue
		}
		r.TrackingToken = o.TrackingToken
		if o.Success {
			sentAt := o.SentAt
			r.Status = domain.RecipientSent
			r.SentAt = &sentAt
			r.MessageID = o.MessageID
			c.SentCount++
		} else {
			r.Status = domain.RecipientFailed
			r.Error = o.Error
			c.FailedCount++
			errs = append(errs, o.ErrorEntry())
		}
	}

	c.Errors = domain.AppendErrors(c.Errors, errs)
	c.Progress = domain.ComputeProgress(c.Processed(), c.TotalRecipients)
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

// UpdateAggregate applies campaign-level changes.
func (s *CampaignStore) UpdateAggregate(_ context.Context, campaignID string, u campaign.AggregateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return campaign.ErrNotFound
	}
	if u.Status != nil && *u.Status != c.Status && !domain.CanTransition(c.Status, *u.Status) {
		return fmt.Errorf("%w: %s -> %s", campaign.ErrInvalidTransition, c.Status, *u.Status)
	}

	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.SentCount != nil {
		c.SentCount = *u.SentCount
	}
	if u.FailedCount != nil {
		c.FailedCount = *u.FailedCount
	}
	if u.Progress != nil {
		c.Progress = *u.Progress
	}
	if len(u.AppendErrors) > 0 {
		c.Errors = domain.AppendErrors(c.Errors, u.AppendErrors)
	}
	if u.StartedAt != nil && c.StartedAt == nil {
		t := *u.StartedAt
		c.StartedAt = &t
	}
	if u.CompletedAt != nil && c.CompletedAt == nil {
		t := *u.CompletedAt
		c.CompletedAt = &t
	}
	c.UpdatedAt = s.now()
	return nil
}

// ListStale returns processing campaigns not updated since olderThan.
func (s *CampaignStore) ListStale(_ context.Context, olderThan time.Time) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignProcessing && c.UpdatedAt.Before(olderThan) {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
