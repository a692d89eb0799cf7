// Package campaign implements the campaign lifecycle.
//
// The Service validates submissions, persists the campaign record, schedules
// exactly one background run per campaign and records the terminal outcome.
// It depends on the Repository interface defined here and on a Runner that
// performs the actual batched delivery (see internal/worker).
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
