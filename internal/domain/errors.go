package domain

import "errors"

var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrInvalidInput      = errors.New("invalid input")
	ErrRoundOutOfOrder   = errors.New("round completion out of order")
	ErrInvalidTransition = errors.New("invalid round transition")
	ErrSessionClosed     = errors.New("session no longer accepts contributions")
	ErrAttemptNotPending = errors.New("attempt is not pending")
)
