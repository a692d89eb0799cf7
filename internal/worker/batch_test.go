package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

func recipientsN(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{Index: i, Status: domain.RecipientPending}
	}
	return out
}

func TestBatchGrouperPartition(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		count int
		want  []int
	}{
		{"exact multiple", 10, 20, []int{10, 10}},
		{"remainder", 10, 25, []int{10, 10, 5}},
		{"smaller than batch", 10, 3, []int{3}},
		{"single recipient batches", 1, 3, []int{1, 1, 1}},
		{"empty", 10, 0, nil},
		{"default size", 0, 12, []int{10, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := NewBatchGrouper(tt.size).Partition(recipientsN(tt.count))
			var sizes []int
			for _, b := range batches {
				sizes = append(sizes, len(b))
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestBatchGrouperKeepsOrderAndSkipsSettled(t *testing.T) {
	rs := recipientsN(5)
	rs[1].Status = domain.RecipientSent
	rs[3].Status = domain.RecipientFailed

	batches := NewBatchGrouper(2).Partition(rs)
	assert.Len(t, batches, 2)
	assert.Equal(t, 0, batches[0][0].Index)
	assert.Equal(t, 2, batches[0][1].Index)
	assert.Equal(t, 4, batches[1][0].Index)
}
