package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
)

// Recorder receives decoded tracking events. Implementations must not block
// the pixel response.
type Recorder interface {
	Record(ctx context.Context, evt domain.TrackingEvent)
}

// NewRecorder returns an SQS publisher when queueURL is set, otherwise a
// LogRecorder.
func NewRecorder(ctx context.Context, queueURL, region string) (Recorder, error) {
	if queueURL == "" {
		return LogRecorder{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSQSPublisher(sqs.NewFromConfig(awsCfg), queueURL), nil
}

// LogRecorder writes events to the structured log.
type LogRecorder struct{}

// Record implements Recorder.
func (LogRecorder) Record(_ context.Context, evt domain.TrackingEvent) {
	logger.Info("tracking: open",
		"campaign_id", evt.CampaignID,
		"recipient_key", evt.MessageID,
		"ip", evt.IPAddress,
	)
}

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards events to an SQS queue for downstream processing.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Record implements Recorder. The send runs in the background on its own
// deadline so a slow queue never delays the pixel.
func (p *SQSPublisher) Record(_ context.Context, evt domain.TrackingEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		logger.Error("tracking: marshal event", "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			logger.Error("tracking: publish to SQS", "error", err, "campaign_id", evt.CampaignID)
		}
	}()
}
