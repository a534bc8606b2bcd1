// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested document row or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., save key collision).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates a failed token or password check.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidCommand indicates a malformed or unsupported command.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrNoCallback indicates the document has no owner to notify (no callback or base url).
	ErrNoCallback = errors.New("no callback")

	// ErrDeliveryRejected indicates the owner answered, but did not confirm the save.
	ErrDeliveryRejected = errors.New("delivery rejected")

	// ErrShutdown indicates the server is shutting down and will not schedule retries.
	ErrShutdown = errors.New("shutting down")
)
