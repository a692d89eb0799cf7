package sending

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	client SESAPI
}

// NewSESSender creates an SES sender. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewSESSender(ctx context.Context, cfg config.SESConfig) (*SESSender, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESSenderWithClient wraps an existing client.
func NewSESSenderWithClient(client SESAPI) *SESSender {
	return &SESSender{client: client}
}

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}

	body := &types.Body{}
	if msg.HTMLContent != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")}
	}
	if msg.TextContent != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("ses: sent", "recipient", msg.To, "message_id", messageID)

	return &domain.SendResult{
		MessageID: messageID,
		Provider:  "ses",
		SentAt:    time.Now().UTC(),
	}, nil
}
