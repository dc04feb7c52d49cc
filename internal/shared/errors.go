package shared

import "fmt"

var (
	// Configuration errors
	ErrInvalidConfig = fmt.Errorf("invalid configuration")
	ErrInvalidKey    = fmt.Errorf("invalid encryption key")

	// Credential errors
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrRefreshFailed      = fmt.Errorf("token refresh failed")

	// Upstream error kinds. Every error surfaced by the catalog client wraps exactly one of these.
	ErrRateLimited  = fmt.Errorf("rate limited")
	ErrRetryable    = fmt.Errorf("retryable upstream failure")
	ErrUnauthorized = fmt.Errorf("unauthorized")
	ErrFatal        = fmt.Errorf("fatal upstream failure")

	// Queue and storage errors
	ErrJobNotFound     = fmt.Errorf("job not found")
	ErrInvalidPayload  = fmt.Errorf("invalid job payload")
	ErrUnknownJobType  = fmt.Errorf("unknown job type")
	ErrUnknownResource = fmt.Errorf("unknown sync resource")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)
