package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use, and a reader must never
// observe a batch half-applied.
type Repository interface {
	// Create inserts a new campaign with its recipients and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// Get returns a single campaign with recipients. Returns ErrNotFound if
	// it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaign summaries matching the filter, ordered by
	// created_at DESC, plus the total match count.
	List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)

	// UpdateRecipientStatus moves every still-pending recipient with the
	// given email to a terminal status.
	UpdateRecipientStatus(ctx context.Context, campaignID, email string, u RecipientUpdate) error

	// ApplyBatch records the outcomes of one batch as a single atomic write:
	// recipient rows, counters, progress and the error log. It returns the
	// updated campaign.
	ApplyBatch(ctx context.Context, campaignID string, b BatchUpdate) (*domain.Campaign, error)

	// UpdateAggregate changes campaign-level fields. Returns
	// ErrInvalidTransition if a status change is not allowed.
	UpdateAggregate(ctx context.Context, campaignID string, u AggregateUpdate) error

	// ListStale returns processing campaigns whose record has not been
	// updated since olderThan.
	ListStale(ctx context.Context, olderThan time.Time) ([]domain.Campaign, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Owner  string
	Status string
	Page   int
	Limit  int
}

// Offset returns the row offset for the filter's page.
func (f ListFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// RecipientUpdate is the terminal outcome for one recipient.
type RecipientUpdate struct {
	Status    domain.RecipientStatus
	Error     string
	SentAt    *time.Time
	MessageID string
}

// RecipientOutcome is the settled result of one send within a batch.
// Index identifies the recipient row, so duplicate addresses stay distinct.
type RecipientOutcome struct {
	Index         int
	Email         string
	Success       bool
	Error         string
	SentAt        time.Time
	MessageID     string
	TrackingToken string
}

// ErrorEntry formats the campaign error-log line for a failed outcome.
func (o RecipientOutcome) ErrorEntry() string {
	return o.Email + ": " + o.Error
}

// BatchUpdate carries every outcome of one batch. Errors are campaign-level
// log entries written ahead of the outcomes' own entries.
type BatchUpdate struct {
	Outcomes []RecipientOutcome
	Errors   []string
}

// AggregateUpdate holds campaign-level changes. Nil fields are not applied.
// StartedAt and CompletedAt are only written when not already set.
type AggregateUpdate struct {
	Status       *domain.CampaignStatus
	SentCount    *int
	FailedCount  *int
	Progress     *int
	AppendErrors []string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
