package model

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownKind      = errors.New("unknown job kind")
	ErrAlreadySaved     = errors.New("already saved")
	ErrInvalidFeedback  = errors.New("invalid feedback value for channel")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRetryUnavailable = errors.New("retry is only available for failed jobs")
	ErrNoActiveJob      = errors.New("no job attached")
	ErrNoResultAsset    = errors.New("job has no result asset")
)
