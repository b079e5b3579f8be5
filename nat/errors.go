package nat

import "errors"

// Translation errors. Validation failures wrap the first two so callers can
// match them with errors.Is.
var (
	ErrInvalidAddressFormat = errors.New("invalid address format")
	ErrPortOutOfRange       = errors.New("port out of range")
	ErrAllocationExhausted  = errors.New("external port space exhausted")
	ErrInvalidTTL           = errors.New("initial TTL must be positive")
)
