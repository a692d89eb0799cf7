package sending

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
)

// LogSender accepts every message and logs it instead of delivering.
// Intended for local development.
type LogSender struct{}

// NewLogSender creates a log-only sender.
func NewLogSender() *LogSender { return &LogSender{} }

// Send implements Sender.
func (LogSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.New().String()
	logger.Info("log sender: message accepted",
		"campaign_id", msg.CampaignID,
		"recipient", msg.To,
		"subject", msg.Subject,
		"message_id", id,
	)
	return &domain.SendResult{MessageID: id, Provider: "log", SentAt: time.Now().UTC()}, nil
}
