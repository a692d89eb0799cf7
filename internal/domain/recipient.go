package domain

import "time"

// RecipientStatus enumerates the per-recipient delivery states.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Recipient is a single addressee embedded in a campaign. It is not
// independently addressable; Index is its position in the campaign list.
type Recipient struct {
	Index         int             `json:"-" db:"position"`
	Email         string          `json:"email" db:"email"`
	Name          string          `json:"name,omitempty" db:"name"`
	Status        RecipientStatus `json:"status" db:"status"`
	Error         string          `json:"error,omitempty" db:"error"`
	SentAt        *time.Time      `json:"sentAt,omitempty" db:"sent_at"`
	MessageID     string          `json:"messageId,omitempty" db:"message_id"`
	TrackingToken string          `json:"-" db:"tracking_token"`
}

// RecipientInput is a parsed {email, name} pair from a recipient source.
type RecipientInput struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
