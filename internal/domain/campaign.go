package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignProcessing CampaignStatus = "processing"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

// MaxStoredErrors caps the number of error strings kept verbatim on a campaign.
// Failures beyond the cap are still reflected in FailedCount.
const MaxStoredErrors = 100

// transitions lists the allowed forward edges of the campaign state machine.
var transitions = map[CampaignStatus][]CampaignStatus{
	CampaignPending:    {CampaignProcessing, CampaignCancelled},
	CampaignProcessing: {CampaignCompleted, CampaignFailed, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to another.
// Statuses never revert; terminal statuses have no outgoing edges.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

// Campaign is a single bulk-send job with its own recipient list and lifecycle.
type Campaign struct {
	ID       string         `json:"id" db:"id"`
	Name     string         `json:"name" db:"name"`
	Subject  string         `json:"subject" db:"subject"`
	HTMLBody string         `json:"html,omitempty" db:"html_body"`
	TextBody string         `json:"text,omitempty" db:"text_body"`
	Owner    string         `json:"owner,omitempty" db:"owner"`
	Status   CampaignStatus `json:"status" db:"status"`

	TotalRecipients int      `json:"totalRecipients" db:"total_recipients"`
	SentCount       int      `json:"sentCount" db:"sent_count"`
	FailedCount     int      `json:"failedCount" db:"failed_count"`
	Progress        int      `json:"progress" db:"progress"`
	Errors          []string `json:"errors" db:"errors"`

	Recipients []Recipient `json:"recipients,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Processed returns the number of recipients with a terminal outcome.
func (c *Campaign) Processed() int {
	return c.SentCount + c.FailedCount
}

// Summary returns a copy of the campaign without bodies or recipients, the
// projection used for list views.
func (c *Campaign) Summary() Campaign {
	s := *c
	s.HTMLBody = ""
	s.TextBody = ""
	s.Recipients = nil
	s.Errors = append(make([]string, 0, len(c.Errors)), c.Errors...)
	return s
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Errors = append(make([]string, 0, len(c.Errors)), c.Errors...)
	if c.Recipients != nil {
		cp.Recipients = make([]Recipient, len(c.Recipients))
		copy(cp.Recipients, c.Recipients)
		for i := range cp.Recipients {
			if t := c.Recipients[i].SentAt; t != nil {
				v := *t
				cp.Recipients[i].SentAt = &v
			}
		}
	}
	if c.StartedAt != nil {
		v := *c.StartedAt
		cp.StartedAt = &v
	}
	if c.CompletedAt != nil {
		v := *c.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// ComputeProgress returns round(100*processed/total), rounding halves up.
// A campaign with no recipients reports 100.
func ComputeProgress(processed, total int) int {
	if total <= 0 {
		return 100
	}
	if processed >= total {
		return 100
	}
	return (200*processed + total) / (2 * total)
}

// AppendErrors appends errs to existing, keeping at most MaxStoredErrors entries.
// Older entries win; overflow is dropped.
func AppendErrors(existing, errs []string) []string {
	out := append(make([]string, 0, len(existing)), existing...)
	for _, e := range errs {
		if len(out) >= MaxStoredErrors {
			break
		}
		out = append(out, e)
	}
	return out
}
