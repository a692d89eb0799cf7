package sending

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/textproto"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
)

// ErrTransient marks a failure worth retrying. Wrap it around errors the
// remote side reported as temporary.
var ErrTransient = errors.New("transient send failure")

type retrySender struct {
	next       Sender
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// WithRetry retries transient failures of next up to maxRetries times with
// exponential backoff and full jitter. Permanent failures (SMTP 5xx,
// rejected addresses) and context cancellation return immediately. A
// non-positive maxRetries returns next unchanged.
func WithRetry(next Sender, maxRetries int, baseDelay time.Duration) Sender {
	if maxRetries <= 0 {
		return next
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &retrySender{
		next:       next,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   10 * time.Second,
	}
}

func (r *retrySender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			logger.Debug("sending: retrying", "recipient", msg.To, "attempt", attempt, "wait", delay.String(), "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			}
		}

		res, err := r.next.Send(ctx, msg)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// calculateDelay is random(0, min(maxDelay, baseDelay * 2^(attempt-1))),
// with a 50ms floor.
func (r *retrySender) calculateDelay(attempt int) time.Duration {
	exp := float64(r.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(r.maxDelay) {
		exp = float64(r.maxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// IsTransient reports whether err is worth retrying: errors marked with
// ErrTransient, SMTP 4xx replies, connection failures and network
// timeouts. Deadline and cancellation errors are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
