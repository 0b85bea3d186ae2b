package email

import "errors"

var (
	// ErrInvalidMessage marks SendOptions the relay would never accept.
	ErrInvalidMessage = errors.New("invalid email message")
	// ErrDelivery wraps transport failures.
	ErrDelivery = errors.New("email delivery failed")
)
