package apperrors

import "errors"

// Routing and stream errors
var (
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrRegistrySealed = errors.New("topic registry sealed")
	ErrTopicClosed    = errors.New("topic closed")
)

// Order and ledger errors
var (
	ErrDuplicateOrder = errors.New("duplicate order")
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderRejected  = errors.New("order rejected")
	ErrPlacementBusy  = errors.New("placement already in flight")
)

// Startup and infrastructure errors
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingCredentials = errors.New("missing exchange credentials")
	ErrGatewayClosed      = errors.New("gateway closed")
	ErrPoolFull           = errors.New("worker pool full")
	ErrNetwork            = errors.New("network error")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
)
