package types

import "errors"

// Error classes. Component errors wrap one of these so callers can
// classify a failure with errors.Is without knowing which component
// produced it.
var (
	// ErrInput is a malformed or undecodable submission. Terminal, never retried.
	ErrInput = errors.New("input error")

	// ErrUpstreamUnavailable means an inference or storage backend could not be reached
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCacheDegraded means the dedup index could not be reached
	ErrCacheDegraded = errors.New("cache degraded")

	// ErrValidation is a result payload that failed structural validation
	ErrValidation = errors.New("validation error")
)
