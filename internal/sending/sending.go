// Package sending delivers fully-rendered messages through a mail transport.
//
// Each transport (SES, SMTP relay, log) implements Sender. The dispatcher
// only sees the interface; NewFromConfig picks the implementation.
package sending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// ErrNotConfigured is returned by a sender whose transport was never set up.
var ErrNotConfigured = errors.New("mail transport not configured")

// Sender sends a single email. Implementations must be safe for concurrent
// use; the dispatcher calls Send from many goroutines at once.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	return f(ctx, msg)
}

// NewFromConfig builds the configured transport. Each attempt is bounded by
// the per-send timeout and transient failures are retried.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Sender, error) {
	var s Sender
	switch strings.ToLower(cfg.Mail.Provider) {
	case "ses":
		ses, err := NewSESSender(ctx, cfg.SES)
		if err != nil {
			return nil, err
		}
		s = ses
	case "smtp":
		s = NewSMTPSender(cfg.SMTP)
	case "log", "":
		s = NewLogSender()
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Mail.Provider)
	}
	return WithRetry(WithTimeout(s, cfg.Dispatch.SendTimeout()), cfg.Dispatch.SendRetries, 0), nil
}

type timeoutSender struct {
	next    Sender
	timeout time.Duration
}

// WithTimeout bounds every Send call by d. A non-positive d returns next
// unchanged.
func WithTimeout(next Sender, d time.Duration) Sender {
	if d <= 0 {
		return next
	}
	return &timeoutSender{next: next, timeout: d}
}

func (t *timeoutSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type outcome struct {
		res *domain.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.next.Send(ctx, msg)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("send to %s: %w", msg.To, ctx.Err())
	}
}

func formatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
