package user

import "errors"

var (
	// ErrNotFound is returned when the user does not exist in the mirror table
	ErrNotFound = errors.New("user not found")
)
