package dtls

import "errors"

var (
	// ErrHandshakeFailed is returned when the gateway rejects the key or identity or aborts the handshake.
	ErrHandshakeFailed = errors.New("dtls handshake failed")
	// ErrHandshakeTimeout is returned when no handshake completes within the handshake timeout.
	ErrHandshakeTimeout = errors.New("dtls handshake timed out")
	// ErrSessionExpired is returned by a session that was closed or whose connection failed.
	ErrSessionExpired = errors.New("dtls session expired")
)
