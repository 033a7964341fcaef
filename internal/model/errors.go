package model

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidOption          = errors.New("option does not belong to poll")
	ErrDuplicateVote          = errors.New("duplicate vote")
	ErrVoteProcessingFailed   = errors.New("vote processing failed")
	ErrCorruptedTally         = errors.New("corrupted tally")
	ErrInvalidPollID          = errors.New("invalid poll id")
	ErrInvalidConnectionState = errors.New("invalid connection state")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrForbidden              = errors.New("forbidden")
	ErrUnauthenticated        = errors.New("authentication required")
	ErrInvalidInput           = errors.New("invalid input")
)
