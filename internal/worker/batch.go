package worker

import "github.com/ignite/campaign-dispatcher/internal/domain"

// DefaultBatchSize is used when a dispatcher is configured with a
// non-positive batch size.
const DefaultBatchSize = 10

// BatchGrouper splits a campaign's recipient list into send batches.
// Batches are contiguous and keep list order; every batch except possibly
// the last holds exactly Size recipients.
type BatchGrouper struct {
	Size int
}

// NewBatchGrouper creates a grouper for the given batch size.
func NewBatchGrouper(size int) *BatchGrouper {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &BatchGrouper{Size: size}
}

// Partition groups the still-pending recipients into batches. Recipients
// that already have an outcome are skipped so a resumed run never sends
// twice to the same row.
func (g *BatchGrouper) Partition(recipients []domain.Recipient) [][]domain.Recipient {
	var batches [][]domain.Recipient
	var current []domain.Recipient

	for _, r := range recipients {
		if r.Status != domain.RecipientPending {
			continue
		}
		if len(current) >= g.Size {
			batches = append(batches, current)
			current = nil
		}
		current = append(current, r)
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
