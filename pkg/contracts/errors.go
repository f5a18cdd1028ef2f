package contracts

import "errors"

// Structural errors surfaced to callers. Policy denials are never errors;
// they are EvaluationResults with IsAllowed=false.
var (
	// ErrValidation marks a malformed permission document at creation or
	// update time. Nothing failing validation is ever persisted.
	ErrValidation = errors.New("validation failed")

	// ErrPermissionNotFound means the permission id does not exist.
	ErrPermissionNotFound = errors.New("permission not found")

	// ErrStatusConflict means a compare-and-set transition found the stored
	// status no longer matching the expected one. The caller may re-read
	// and retry; the engine never retries on its own.
	ErrStatusConflict = errors.New("permission status changed concurrently")

	// ErrVotingDisabled means a community vote was submitted for a
	// permission whose metadata does not enable voting.
	ErrVotingDisabled = errors.New("community voting not enabled for permission")
)
