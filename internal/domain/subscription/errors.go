package subscription

import "errors"

var (
	// ErrNotFound is returned when the user has no subscription record
	ErrNotFound = errors.New("subscription not found")

	// ErrAlreadyExists is returned when a row for the same gateway
	// subscription reference already exists (replayed event)
	ErrAlreadyExists = errors.New("subscription already exists")

	// ErrUnknownStatus is returned when the gateway sends a status outside
	// the translation table
	ErrUnknownStatus = errors.New("unknown gateway subscription status")
)
