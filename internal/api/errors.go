package api

import (
	"errors"
	"net/http"

	"github.com/ignite/campaign-dispatcher/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatcher/internal/recipients"
	"github.com/ignite/campaign-dispatcher/internal/service/campaign"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeValidation        = "validation_error"
	CodeInvalidFormat     = "invalid_format"
	CodeNoValidRecipients = "no_valid_recipients"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeFileTooLarge      = "file_too_large"
)

// respondServiceError maps service sentinels to HTTP responses. Client
// errors carry the wrapped message; anything unrecognised is a 500 whose
// cause is logged but never sent to the client.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrValidation):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, recipients.ErrInvalidFormat):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeInvalidFormat, err.Error())
	case errors.Is(err, recipients.ErrNoValidRecipients):
		httputil.ErrorCode(w, http.StatusBadRequest, CodeNoValidRecipients, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		httputil.ErrorCode(w, http.StatusNotFound, CodeNotFound, "campaign not found")
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Conflict(w, CodeInvalidTransition, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
