package payment

import "errors"

var (
	// ErrNotFound is returned when no payment matches
	ErrNotFound = errors.New("payment not found")

	// ErrAlreadyCompleted signals the completion transition already
	// happened. Callers treat it as success
	ErrAlreadyCompleted = errors.New("payment already completed")

	// ErrUnknownUser is returned when a gateway event references a user
	// this service has no mirror row for
	ErrUnknownUser = errors.New("unknown user")

	// ErrGatewayUnavailable wraps transport failures talking to the
	// payment gateway
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrInvalidEvent is returned for webhook deliveries that fail
	// signature verification or parsing
	ErrInvalidEvent = errors.New("invalid gateway event")
)
