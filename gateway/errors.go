package gateway

import "errors"

var (
	// ErrConfiguration marks missing or invalid integrator-supplied
	// settings: credentials, callback URLs, keys. Fatal for the request
	// that hits it.
	ErrConfiguration = errors.New("gateway configuration error")

	// ErrInvalidSignature marks an inbound message whose hash does not
	// match the recomputed digest. The message is never trusted.
	ErrInvalidSignature = errors.New("invalid response signature")

	// ErrMissingField marks a message lacking a required protocol field.
	ErrMissingField = errors.New("missing required field")
)
