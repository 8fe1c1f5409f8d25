package tocket

import "errors"

var (
	// ErrInvalidAmount is returned when the requested amount is zero or
	// exceeds the bucket's capacity. Such a request can never be satisfied,
	// so it is rejected immediately rather than queued or retried.
	ErrInvalidAmount = errors.New("tocket: invalid acquire amount")

	// ErrUnknownKey is returned by backends configured to reject keys that
	// were not provisioned explicitly.
	ErrUnknownKey = errors.New("tocket: unknown bucket key")

	// ErrStorageUnavailable is returned when a backend could not be reached
	// after its retry policy was exhausted. The acquire may or may not have
	// been applied; the authoritative state lives with the backend.
	ErrStorageUnavailable = errors.New("tocket: storage unavailable")
)
