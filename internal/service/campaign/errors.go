package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRunInProgress     = errors.New("campaign run already in progress")
)
