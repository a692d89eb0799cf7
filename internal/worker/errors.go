package worker

import (
	"fmt"

	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

// ErrRunInProgress is returned by Dispatcher.Run when another process holds
// the run lock for the campaign.
var ErrRunInProgress = campaign.ErrRunInProgress

// RecipientSendError is the failure of one recipient within a batch. It is
// recorded on the recipient and in the campaign error log and never aborts
// the run.
type RecipientSendError struct {
	Email string
	Stage string // "render", "send" or "panic"
	Err   error
}

func (e *RecipientSendError) Error() string {
	if e.Stage == "send" || e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RecipientSendError) Unwrap() error { return e.Err }
