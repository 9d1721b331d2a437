package feed

import "errors"

var (
	// ErrIdentityRequired rejects mutating engagement calls that arrive
	// without a user token.
	ErrIdentityRequired = errors.New("user identity required")
	// ErrInvalidArgument rejects out-of-range votes, empty post fields and
	// bad generation counts.
	ErrInvalidArgument = errors.New("invalid argument")
)
