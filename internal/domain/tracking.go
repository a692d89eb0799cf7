package domain

import "time"

// TrackingEventType enumerates the types of email engagement events.
type TrackingEventType string

const (
	EventOpen  TrackingEventType = "open"
	EventClick TrackingEventType = "click"
)

// TrackingEvent is a single engagement event decoded from a tracking token.
type TrackingEvent struct {
	CampaignID string            `json:"campaign_id"`
	MessageID  string            `json:"message_id"`
	EventType  TrackingEventType `json:"event_type"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	URL        string            `json:"url,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
