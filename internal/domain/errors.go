package domain

import "errors"

var (
	// ErrChannelUnavailable means a login channel could not be opened.
	ErrChannelUnavailable = errors.New("login channel unavailable")
	// ErrTimeout means a login or an attempt exceeded its bound.
	ErrTimeout = errors.New("timed out")
	// ErrIncompleteLogin means the channel finished without an authentication token.
	ErrIncompleteLogin = errors.New("login incomplete: missing authentication token")
	// ErrMalformedCredential means the stored credential blob cannot be used.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrMissingContent means the account has no check-in content configured.
	ErrMissingContent = errors.New("check-in content not configured")
	// ErrSubmissionFailed means the remote form rejected an attempt.
	ErrSubmissionFailed = errors.New("submission failed")
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation error")
	// ErrCheckinInProgress means another check-in for the same account is running.
	ErrCheckinInProgress = errors.New("check-in already in progress")
	// ErrBatchInProgress means a batch run is already going.
	ErrBatchInProgress = errors.New("batch check-in already in progress")
)
