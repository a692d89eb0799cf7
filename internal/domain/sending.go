package domain

import "time"

// EmailMessage is the fully-resolved message ready for a mail sender.
// By the time a message reaches this struct, placeholder substitution and
// tracking injection are complete.
type EmailMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	To          string            `json:"to"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a mail sender after a successful delivery attempt.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Provider  string    `json:"provider"`
	SentAt    time.Time `json:"sent_at"`
}
