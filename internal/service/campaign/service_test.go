package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/recipients"
	"github.com/ignite/campaign-dispatcher/internal/repository/memory"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

// fakeRunner marks recipients via the repository the way a dispatcher
// would, failing the addresses listed in fail.
type fakeRunner struct {
	repo  campaign.Repository
	fail  map[string]bool
	err   error
	block chan struct{}
	// sentBeforeErr recipients are recorded as sent before err is returned.
	sentBeforeErr int
	// untilCancelled makes Run block until its context is cancelled.
	untilCancelled bool

	mu   sync.Mutex
	runs []string
}

func (f *fakeRunner) Run(ctx context.Context, c *domain.Campaign) (campaign.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, c.ID)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.untilCancelled {
		<-ctx.Done()
		return campaign.RunResult{}, ctx.Err()
	}
	if f.err != nil {
		var b campaign.BatchUpdate
		for _, r := range c.Recipients[:f.sentBeforeErr] {
			b.Outcomes = append(b.Outcomes, campaign.RecipientOutcome{Index: r.Index, Email: r.Email, Success: true, SentAt: time.Now()})
		}
		if len(b.Outcomes) > 0 {
			if _, err := f.repo.ApplyBatch(ctx, c.ID, b); err != nil {
				return campaign.RunResult{}, err
			}
		}
		return campaign.RunResult{}, f.err
	}

	var b campaign.BatchUpdate
	for _, r := range c.Recipients {
		o := campaign.RecipientOutcome{Index: r.Index, Email: r.Email, SentAt: time.Now()}
		if f.fail[r.Email] {
			o.Error = "rejected"
		} else {
			o.Success = true
		}
		b.Outcomes = append(b.Outcomes, o)
	}
	updated, err := f.repo.ApplyBatch(ctx, c.ID, b)
	if err != nil {
		return campaign.RunResult{}, err
	}
	if updated.Status == domain.CampaignCancelled {
		return campaign.RunResult{Sent: updated.SentCount, Failed: updated.FailedCount, Cancelled: true}, nil
	}
	return campaign.RunResult{Sent: updated.SentCount, Failed: updated.FailedCount}, nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newService(t *testing.T) (*campaign.Service, *memory.CampaignStore, *fakeRunner) {
	t.Helper()
	store := memory.NewCampaignStore()
	runner := &fakeRunner{repo: store}
	svc := campaign.NewService(store)
	svc.SetRunner(runner)
	return svc, store, runner
}

func validInput(emails ...string) campaign.CreateInput {
	in := campaign.CreateInput{Name: "Spring sale", Subject: "Hi {{name}}", HTML: "<p>Sale</p>", Owner: "ops@acme.test"}
	for _, e := range emails {
		in.Recipients = append(in.Recipients, domain.RecipientInput{Email: e})
	}
	return in
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*campaign.CreateInput)
	}{
		{"missing name", func(in *campaign.CreateInput) { in.Name = "  " }},
		{"missing subject", func(in *campaign.CreateInput) { in.Subject = "" }},
		{"no content", func(in *campaign.CreateInput) { in.HTML, in.Text = "", " " }},
		{"no recipients", func(in *campaign.CreateInput) { in.Recipients = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, runner := newService(t)
			in := validInput("a@x.com")
			tt.mutate(&in)

			_, err := svc.Create(context.Background(), in)
			assert.ErrorIs(t, err, campaign.ErrValidation)

			items, total, _ := store.List(context.Background(), campaign.ListFilter{Limit: 10})
			assert.Zero(t, total)
			assert.Empty(t, items)
			assert.Zero(t, runner.runCount())
		})
	}
}

func TestCreateRequiresRunner(t *testing.T) {
	svc := campaign.NewService(memory.NewCampaignStore())
	_, err := svc.Create(context.Background(), validInput("a@x.com"))
	assert.Error(t, err)
}

func TestCreateCompletesInBackground(t *testing.T) {
	svc, _, runner := newService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, validInput("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignProcessing, res.Status)
	assert.Equal(t, 3, res.TotalRecipients)
	assert.Equal(t, "Campaign started. Emails are being sent in the background.", res.Message)
	assert.NotEmpty(t, res.CampaignID)

	svc.Wait()
	assert.Equal(t, 1, runner.runCount())

	got, err := svc.Get(ctx, res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.SentCount)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
	assert.Equal(t, "ops@acme.test", got.Owner)
}

func TestCreatePartialFailureIsCompleted(t *testing.T) {
	svc, _, runner := newService(t)
	runner.fail = map[string]bool{"b@x.com": true}

	res, err := svc.Create(context.Background(), validInput("a@x.com", "b@x.com"))
	require.NoError(t, err)
	svc.Wait()

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, []string{"b@x.com: rejected"}, got.Errors)
}

func TestCreateAllFailedIsFailed(t *testing.T) {
	svc, _, runner := newService(t)
	runner.fail = map[string]bool{"a@x.com": true, "b@x.com": true}

	res, err := svc.Create(context.Background(), validInput("a@x.com", "b@x.com"))
	require.NoError(t, err)
	svc.Wait()

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 100, got.Progress)
}

func TestRunErrorFailsCampaign(t *testing.T) {
	svc, _, runner := newService(t)
	runner.err = errors.New("store unavailable")

	res, err := svc.Create(context.Background(), validInput("a@x.com"))
	require.NoError(t, err)
	svc.Wait()

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, []string{"Campaign error: store unavailable", "a@x.com: campaign error"}, got.Errors)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, got.TotalRecipients, got.SentCount+got.FailedCount)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.RecipientFailed, got.Recipients[0].Status)
}

func TestRunErrorClosesOutUnsentRecipients(t *testing.T) {
	svc, _, runner := newService(t)
	runner.err = errors.New("store unavailable")
	runner.sentBeforeErr = 1

	res, err := svc.Create(context.Background(), validInput("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)
	svc.Wait()

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.RecipientSent, got.Recipients[0].Status)
	assert.Equal(t, "campaign error", got.Recipients[2].Error)
	assert.Equal(t, "Campaign error: store unavailable", got.Errors[0])
}

func TestFailLeavesCampaignProcessingWhenStoreIsDown(t *testing.T) {
	store := &brokenBatchStore{CampaignStore: memory.NewCampaignStore()}
	svc := campaign.NewService(store)
	ctx := context.Background()

	id, err := store.Create(ctx, &domain.Campaign{
		Name:            "Down",
		Subject:         "S",
		TextBody:        "T",
		Status:          domain.CampaignProcessing,
		TotalRecipients: 1,
		Recipients:      []domain.Recipient{{Email: "a@x.com", Status: domain.RecipientPending}},
	})
	require.NoError(t, err)

	err = svc.Fail(ctx, id, errors.New("boom"))
	require.Error(t, err)

	got, _ := store.Get(ctx, id)
	assert.Equal(t, domain.CampaignProcessing, got.Status)
	assert.Zero(t, got.Progress)
}

// brokenBatchStore refuses batch writes.
type brokenBatchStore struct {
	*memory.CampaignStore
}

func (b *brokenBatchStore) ApplyBatch(context.Context, string, campaign.BatchUpdate) (*domain.Campaign, error) {
	return nil, errors.New("connection refused")
}

func TestRunInProgressLeavesCampaignAlone(t *testing.T) {
	svc, _, runner := newService(t)
	runner.err = fmt.Errorf("lock: %w", campaign.ErrRunInProgress)

	res, err := svc.Create(context.Background(), validInput("a@x.com"))
	require.NoError(t, err)
	svc.Wait()

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignProcessing, got.Status)
	assert.Empty(t, got.Errors)
}

func TestSubmitParsesCSV(t *testing.T) {
	svc, _, _ := newService(t)
	csv := "Email,Name\nann@example.com,Ann\nnot-an-email,Bob\nCAROL@example.com,\n"

	res, err := svc.Submit(context.Background(), campaign.SubmitInput{
		Name:          "Newsletter",
		Subject:       "News",
		Text:          "Hello {{name}}",
		ContentType:   "text/csv",
		RecipientData: strings.NewReader(csv),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalRecipients)
	assert.Equal(t, 1, res.InvalidRecipients)
	svc.Wait()

	got, _ := svc.Get(context.Background(), res.CampaignID)
	require.Len(t, got.Recipients, 2)
	assert.Equal(t, "ann@example.com", got.Recipients[0].Email)
	assert.Equal(t, "Ann", got.Recipients[0].Name)
	assert.Equal(t, "carol@example.com", got.Recipients[1].Email)
}

func TestSubmitRejectsBadRecipientLists(t *testing.T) {
	svc, store, _ := newService(t)
	base := campaign.SubmitInput{Name: "N", Subject: "S", HTML: "<p>x</p>", ContentType: "text/csv"}

	in := base
	in.RecipientData = strings.NewReader("name,phone\nann,123\n")
	_, err := svc.Submit(context.Background(), in)
	assert.ErrorIs(t, err, recipients.ErrInvalidFormat)

	in = base
	in.RecipientData = strings.NewReader("email\nnope\nalso-nope\n")
	_, err = svc.Submit(context.Background(), in)
	assert.ErrorIs(t, err, recipients.ErrNoValidRecipients)

	in = base
	in.Subject = ""
	in.RecipientData = strings.NewReader("email\na@x.com\n")
	_, err = svc.Submit(context.Background(), in)
	assert.ErrorIs(t, err, campaign.ErrValidation)

	_, total, _ := store.List(context.Background(), campaign.ListFilter{Limit: 10})
	assert.Zero(t, total, "rejected submissions must not be persisted")
}

func TestListPagination(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		in := validInput("a@x.com")
		in.Name = fmt.Sprintf("campaign %d", i)
		_, err := svc.Create(ctx, in)
		require.NoError(t, err)
	}
	svc.Wait()

	res, err := svc.List(ctx, campaign.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 20, res.Limit)
	assert.Equal(t, 25, res.Total)
	assert.Equal(t, 2, res.TotalPages)
	assert.Len(t, res.Campaigns, 20)
	for _, c := range res.Campaigns {
		assert.Empty(t, c.Recipients)
		assert.Empty(t, c.HTMLBody)
	}

	res, err = svc.List(ctx, campaign.ListFilter{Page: 2, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Limit)
	assert.Empty(t, res.Campaigns)
	assert.NotNil(t, res.Campaigns)

	res, err = svc.List(ctx, campaign.ListFilter{Owner: "someone-else"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestGetNotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestCancelRunningCampaign(t *testing.T) {
	svc, _, runner := newService(t)
	runner.block = make(chan struct{})
	ctx := context.Background()

	res, err := svc.Create(ctx, validInput("a@x.com", "b@x.com"))
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Before the run records its next batch, progress still reflects the counters.
	got, _ = svc.Get(ctx, res.CampaignID)
	assert.Zero(t, got.SentCount+got.FailedCount)
	assert.Zero(t, got.Progress)

	close(runner.block)
	svc.Wait()

	got, _ = svc.Get(ctx, res.CampaignID)
	assert.Equal(t, domain.CampaignCancelled, got.Status, "a cancelled campaign is never finalized")
	assert.Equal(t, got.TotalRecipients, got.SentCount+got.FailedCount)
	assert.Equal(t, 100, got.Progress)

	_, err = svc.Cancel(ctx, res.CampaignID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestCancelPendingCampaignFailsRecipients(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	id, err := store.Create(ctx, &domain.Campaign{
		Name:            "Queued",
		Subject:         "S",
		TextBody:        "T",
		Status:          domain.CampaignPending,
		TotalRecipients: 2,
		Recipients: []domain.Recipient{
			{Email: "a@x.com", Status: domain.RecipientPending},
			{Email: "b@x.com", Status: domain.RecipientPending},
		},
	})
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "campaign cancelled", got.Recipients[0].Error)
}

func TestCancelUnknownCampaign(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestPendingOutcomes(t *testing.T) {
	c := &domain.Campaign{Recipients: []domain.Recipient{
		{Index: 0, Email: "a@x.com", Status: domain.RecipientSent},
		{Index: 1, Email: "b@x.com", Status: domain.RecipientPending},
	}}
	b := campaign.PendingOutcomes(c, "stopped")
	require.Len(t, b.Outcomes, 1)
	assert.Equal(t, 1, b.Outcomes[0].Index)
	assert.False(t, b.Outcomes[0].Success)
	assert.Equal(t, "b@x.com: stopped", b.Outcomes[0].ErrorEntry())
}

func TestShutdownWithoutRunsReturnsImmediately(t *testing.T) {
	svc, _, _ := newService(t)
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestShutdownWaitsForRunsToFinish(t *testing.T) {
	svc, _, runner := newService(t)
	runner.block = make(chan struct{})

	res, err := svc.Create(context.Background(), validInput("a@x.com"))
	require.NoError(t, err)

	time.AfterFunc(10*time.Millisecond, func() { close(runner.block) })
	require.NoError(t, svc.Shutdown(context.Background()))

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
}

func TestShutdownInterruptsRunsAfterGracePeriod(t *testing.T) {
	svc, _, runner := newService(t)
	runner.untilCancelled = true

	res, err := svc.Create(context.Background(), validInput("a@x.com", "b@x.com"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, _ := svc.Get(context.Background(), res.CampaignID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 100, got.Progress)
	require.NotEmpty(t, got.Errors)
	assert.Contains(t, got.Errors[0], "interrupted by shutdown")
}
