package engine

import (
	"errors"

	"tenderline/internal/engine/auth"
	"tenderline/internal/repo"
)

// Failures returned by engine operations. Match them with errors.Is; the
// returned errors carry additional context.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = auth.ErrUnauthorized
	ErrInvalidState       = errors.New("invalid state")
	ErrDeadlinePassed     = errors.New("deadline passed")
	ErrDeadlineNotReached = errors.New("deadline not reached")
	ErrIntegrity          = errors.New("integrity error")
	ErrAlreadyBid         = errors.New("already bid")
	ErrOutOfOrder         = errors.New("milestone out of order")
	ErrNothingToWithdraw  = errors.New("nothing to withdraw")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrReentrant          = errors.New("reentrant call")
	ErrNotFound           = repo.ErrNotFound
)
