package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid input")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSiteUnavailable   = errors.New("site unavailable")
	ErrMalformedUpstream = errors.New("malformed upstream data")
	ErrDuplicateProblem  = errors.New("duplicate problem")
	ErrBelowThreshold    = errors.New("quality below threshold")
	ErrAlreadyClaimed    = errors.New("problem already claimed")
	ErrNotAvailable      = errors.New("problem not available")
	ErrNotOwner          = errors.New("agent does not hold this problem")
	ErrCrossPostFailure  = errors.New("cross-post failed")
)
