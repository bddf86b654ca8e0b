package gateway

import "errors"

var (
	// ErrNotConfigured is returned when a request is issued before a gateway was set.
	ErrNotConfigured = errors.New("gateway is not configured")
	// ErrGatewayChanged fails requests that were in flight when the gateway was replaced.
	ErrGatewayChanged = errors.New("gateway was changed")
	ErrInvalidConfig  = errors.New("invalid gateway configuration")
)
