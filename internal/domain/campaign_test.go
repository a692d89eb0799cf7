package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		processed, total, want int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 200, 1}, // 0.5 rounds up
		{10, 25, 40},
		{25, 25, 100},
		{0, 0, 100},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tc.processed, tc.total), func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeProgress(tc.processed, tc.total))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(CampaignPending, CampaignProcessing))
	assert.True(t, CanTransition(CampaignProcessing, CampaignCompleted))
	assert.True(t, CanTransition(CampaignProcessing, CampaignFailed))
	assert.True(t, CanTransition(CampaignProcessing, CampaignCancelled))

	assert.False(t, CanTransition(CampaignProcessing, CampaignPending))
	assert.False(t, CanTransition(CampaignCompleted, CampaignFailed))
	assert.False(t, CanTransition(CampaignFailed, CampaignProcessing))
	assert.False(t, CanTransition(CampaignCancelled, CampaignProcessing))
}

func TestAppendErrorsCap(t *testing.T) {
	var errs []string
	for i := 0; i < 150; i++ {
		errs = AppendErrors(errs, []string{fmt.Sprintf("e%d", i)})
	}
	assert.Len(t, errs, MaxStoredErrors)
	assert.Equal(t, "e0", errs[0])
	assert.Equal(t, "e99", errs[99])
}

func TestCloneIsDeep(t *testing.T) {
	c := &Campaign{
		ID:         "c1",
		Errors:     []string{"a"},
		Recipients: []Recipient{{Email: "a@x.com", Status: RecipientPending}},
	}
	cp := c.Clone()
	cp.Errors[0] = "changed"
	cp.Recipients[0].Status = RecipientSent

	assert.Equal(t, "a", c.Errors[0])
	assert.Equal(t, RecipientPending, c.Recipients[0].Status)
}

func TestSummaryDropsBodies(t *testing.T) {
	c := &Campaign{HTMLBody: "<p>x</p>", TextBody: "x", Recipients: []Recipient{{Email: "a@x.com"}}}
	s := c.Summary()
	assert.Empty(t, s.HTMLBody)
	assert.Empty(t, s.TextBody)
	assert.Nil(t, s.Recipients)
}
