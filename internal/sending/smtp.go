package sending

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
)

// SMTPSender relays messages through an SMTP submission server, one
// connection per message.
type SMTPSender struct {
	host          string
	port          int
	username      string
	password      string
	implicitTLS   bool
	allowInsecure bool
	dialer        *net.Dialer
}

// NewSMTPSender creates a relay sender from config.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		host:          cfg.Host,
		port:          cfg.Port,
		username:      cfg.Username,
		password:      cfg.Password,
		implicitTLS:   cfg.ImplicitTLS,
		allowInsecure: cfg.AllowInsecure,
		dialer:        &net.Dialer{Timeout: 30 * time.Second},
	}
}

// Send delivers a single email through the relay.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.host == "" {
		return nil, ErrNotConfigured
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	raw, err := buildMIME(msg, messageID)
	if err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}

	if err := s.transmit(ctx, msg.FromEmail, msg.To, raw); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	logger.Debug("smtp: sent", "recipient", msg.To, "message_id", messageID)
	return &domain.SendResult{MessageID: messageID, Provider: "smtp", SentAt: time.Now().UTC()}, nil
}

func (s *SMTPSender) transmit(ctx context.Context, from, to string, raw []byte) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	tlsCfg := &tls.Config{ServerName: s.host, InsecureSkipVerify: s.allowInsecure}

	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	if s.implicitTLS {
		conn = tls.Client(conn, tlsCfg)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: %w", err)
	}
	defer c.Close()

	if !s.implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}
	if s.username != "" && s.password != "" {
		if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return c.Quit()
}

// buildMIME renders msg as an RFC 5322 message. Messages with both bodies
// become multipart/alternative; single-body messages are sent flat.
func buildMIME(msg *domain.EmailMessage, messageID string) ([]byte, error) {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"), gomail.SetEncoding(gomail.QuotedPrintable))
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	m.SetDateHeader("Date", time.Now().UTC())
	if msg.CampaignID != "" {
		m.SetHeader("X-Campaign-ID", msg.CampaignID)
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.HTMLContent != "" && msg.TextContent != "":
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	case msg.HTMLContent != "":
		m.SetBody("text/html", msg.HTMLContent)
	default:
		m.SetBody("text/plain", msg.TextContent)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
