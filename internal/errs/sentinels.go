// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across agent/registry layers.
var (
	// ErrNotFound indicates the requested entity does not exist (e.g. device document missing).
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input (bad PIN, empty model, unknown field).
	ErrValidation = errors.New("validation")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnknownKey is returned by the secret store for keys outside its schema.
	ErrUnknownKey = errors.New("unknown key")

	// ErrNotRegistered reports an operation that requires a registered device.
	ErrNotRegistered = errors.New("device not registered")

	// ErrPrivilegeDenied reports that the host refused a privileged primitive.
	ErrPrivilegeDenied = errors.New("privilege denied")

	// ErrUnavailable reports a transient transport failure (network down, server unreachable).
	ErrUnavailable = errors.New("unavailable")
)
