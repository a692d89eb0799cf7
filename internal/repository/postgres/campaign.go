// Package postgres implements the campaign repository on PostgreSQL.
//
// Every multi-row write runs in one transaction, and reads that span the
// campaign and its recipients use a repeatable-read snapshot, so readers see
// a batch either fully applied or not at all.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

// recipientChunk bounds the rows per multi-row INSERT (5 params per row).
const recipientChunk = 1000

const campaignColumns = `id, name, subject, html_body, text_body, owner, status,
		       total_recipients, sent_count, failed_count, progress, errors,
		       started_at, completed_at, created_at, updated_at`

const summaryColumns = `id, name, subject, owner, status,
		       total_recipients, sent_count, failed_count, progress, errors,
		       started_at, completed_at, created_at, updated_at`

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

var _ campaign.Repository = (*CampaignRepo)(nil)

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

// Ping checks database connectivity.
func (r *CampaignRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	errs := c.Errors
	if errs == nil {
		errs = []string{}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("create campaign: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, subject, html_body, text_body, owner, status,
			 total_recipients, errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, c.ID, c.Name, c.Subject, c.HTMLBody, c.TextBody, c.Owner, string(c.Status),
		c.TotalRecipients, pq.Array(errs), now)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}

	for start := 0; start < len(c.Recipients); start += recipientChunk {
		end := min(start+recipientChunk, len(c.Recipients))
		if err := insertRecipients(ctx, tx, c.ID, c.Recipients, start, end); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("create campaign: commit: %w", err)
	}
	return c.ID, nil
}

func insertRecipients(ctx context.Context, tx *sql.Tx, campaignID string, recips []domain.Recipient, start, end int) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO campaign_recipients (campaign_id, position, email, name, status) VALUES `)
	args := make([]interface{}, 0, (end-start)*4+1)
	args = append(args, campaignID)
	for i := start; i < end; i++ {
		if i > start {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($1, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		status := recips[i].Status
		if status == "" {
			status = domain.RecipientPending
		}
		args = append(args, i, recips[i].Email, recips[i].Name, string(status))
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert recipients %d-%d: %w", start, end, err)
	}
	return nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, campaign.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("get campaign: begin: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT position, email, name, status, error, sent_at, message_id, tracking_token
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	defer rows.Close()

	c.Recipients = make([]domain.Recipient, 0, c.TotalRecipients)
	for rows.Next() {
		var rec domain.Recipient
		var sentAt sql.NullTime
		if err := rows.Scan(&rec.Index, &rec.Email, &rec.Name, &rec.Status, &rec.Error,
			&sentAt, &rec.MessageID, &rec.TrackingToken); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		rec.SentAt = timePtr(sentAt)
		c.Recipients = append(c.Recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("get campaign: commit: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	var conds []string
	var args []interface{}
	if f.Owner != "" {
		args = append(args, f.Owner)
		conds = append(conds, fmt.Sprintf("owner = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + summaryColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	qArgs := append(append([]interface{}{}, args...), limit, f.Offset())

	rows, err := r.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	out := []domain.Campaign{}
	for rows.Next() {
		c, err := scanSummary(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate campaigns: %w", err)
	}
	return out, total, nil
}

func (r *CampaignRepo) UpdateRecipientStatus(ctx context.Context, campaignID, email string, u campaign.RecipientUpdate) error {
	if u.Status == domain.RecipientPending {
		return fmt.Errorf("recipient status must be terminal")
	}
	if _, err := uuid.Parse(campaignID); err != nil {
		return campaign.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update recipient: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE campaigns SET updated_at = NOW() WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = $3, error = $4, sent_at = $5, message_id = $6
		WHERE campaign_id = $1 AND email = $2 AND status = 'pending'
	`, campaignID, email, string(u.Status), u.Error, nullableTime(u.SentAt), u.MessageID)
	if err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update recipient: commit: %w", err)
	}
	return nil
}

// ApplyBatch locks the campaign row, moves each still-pending recipient to
// its outcome and rewrites the counters in the same transaction. The
// returned campaign carries aggregate fields only.
func (r *CampaignRepo) ApplyBatch(ctx context.Context, campaignID string, b campaign.BatchUpdate) (*domain.Campaign, error) {
	if _, err := uuid.Parse(campaignID); err != nil {
		return nil, campaign.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("apply batch: begin: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply batch: lock campaign: %w", err)
	}

	errs := append([]string(nil), b.Errors...)
	for _, o := range b.Outcomes {
		var res sql.Result
		if o.Success {
			res, err = tx.ExecContext(ctx, `
				UPDATE campaign_recipients
				SET status = 'sent', sent_at = $3, message_id = $4, tracking_token = $5
				WHERE campaign_id = $1 AND position = $2 AND status = 'pending'
			`, campaignID, o.Index, o.SentAt, o.MessageID, o.TrackingToken)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE campaign_recipients
				SET status = 'failed', error = $3, tracking_token = $4
				WHERE campaign_id = $1 AND position = $2 AND status = 'pending'
			`, campaignID, o.Index, o.Error, o.TrackingToken)
		}
		if err != nil {
			return nil, fmt.Errorf("apply batch: recipient %d: %w", o.Index, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if o.Success {
			c.SentCount++
		} else {
			c.FailedCount++
			errs = append(errs, o.ErrorEntry())
		}
	}

	c.Errors = domain.AppendErrors(c.Errors, errs)
	c.Progress = domain.ComputeProgress(c.Processed(), c.TotalRecipients)

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = $2, failed_count = $3, progress = $4, errors = $5, updated_at = NOW()
		WHERE id = $1
	`, campaignID, c.SentCount, c.FailedCount, c.Progress, pq.Array(c.Errors))
	if err != nil {
		return nil, fmt.Errorf("apply batch: update counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("apply batch: commit: %w", err)
	}
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

func (r *CampaignRepo) UpdateAggregate(ctx context.Context, campaignID string, u campaign.AggregateUpdate) error {
	if _, err := uuid.Parse(campaignID); err != nil {
		return campaign.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update campaign: begin: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update campaign: lock: %w", err)
	}
	if u.Status != nil && *u.Status != c.Status && !domain.CanTransition(c.Status, *u.Status) {
		return fmt.Errorf("%w: %s -> %s", campaign.ErrInvalidTransition, c.Status, *u.Status)
	}

	args := []interface{}{campaignID}
	var sets []string
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.SentCount != nil {
		add("sent_count", *u.SentCount)
	}
	if u.FailedCount != nil {
		add("failed_count", *u.FailedCount)
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if len(u.AppendErrors) > 0 {
		add("errors", pq.Array(domain.AppendErrors(c.Errors, u.AppendErrors)))
	}
	if u.StartedAt != nil && c.StartedAt == nil {
		add("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil && c.CompletedAt == nil {
		add("completed_at", *u.CompletedAt)
	}
	sets = append(sets, "updated_at = NOW()")

	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...); err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update campaign: commit: %w", err)
	}
	return nil
}

// ListStale returns summaries of processing campaigns untouched since
// olderThan. Recipients are not loaded.
func (r *CampaignRepo) ListStale(ctx context.Context, olderThan time.Time) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM campaigns
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var errs pq.StringArray
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.HTMLBody, &c.TextBody, &c.Owner, &c.Status,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.Progress, &errs,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Errors = append([]string{}, errs...)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

func scanSummary(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var errs pq.StringArray
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.Owner, &c.Status,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.Progress, &errs,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Errors = append([]string{}, errs...)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
