package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBid indicates that a spot bid was malformed (non-positive instance count or negative price).
	// Invalid bids are rejected synchronously and never enter the market.
	ErrInvalidBid = errors.New("invalid spot bid")

	// ErrInvalidRequest indicates that a reserved VM request or a release was malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCapacityExceeded indicates that an allocation would have overcommitted a host.
	// The ledger is left unchanged when ErrCapacityExceeded is returned.
	ErrCapacityExceeded = errors.New("allocation would exceed host capacity")

	// ErrNoCapacityAvailable indicates that a placement or admission search found no eligible host or price.
	//
	// This is a normal outcome rather than a fault. Callers may retry later or reject the request.
	ErrNoCapacityAvailable = errors.New("no capacity available")

	// ErrInvariantViolation indicates that the capacity ledger or the market reached a state that no legitimate
	// mutation path can produce, such as used memory exceeding total memory or a double release.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInfeasibleBid indicates that a bid can never be admitted because it alone needs more capacity than the
	// entire pool could ever offer to the spot market.
	ErrInfeasibleBid = fmt.Errorf("%w: bid exceeds total spot capacity", ErrInvariantViolation)

	// ErrExternalActionFailed indicates that a collaborator (launch adapter or store) failed after a decision was
	// committed. The decision has been rolled back and the caller may retry.
	ErrExternalActionFailed = errors.New("external action failed")

	ErrHostNotFound  = errors.New("host not found")
	ErrHostExists    = errors.New("host is already registered")
	ErrHostInactive  = errors.New("host is inactive")
	ErrHostNotEmpty  = errors.New("host still has allocated memory")
	ErrBidNotFound   = errors.New("bid not found")
	ErrBidNotActive  = errors.New("bid is no longer active")
	ErrInvalidConfig = errors.New("invalid configuration")
)
