package coap

import (
	"errors"

	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	"github.com/plgd-dev/go-coap-gateway/udp/client"
	"github.com/plgd-dev/go-coap-gateway/udp/coder"
)

// Errors returned by the client. Match them with errors.Is.
var (
	ErrNotConfigured    = gateway.ErrNotConfigured
	ErrInvalidConfig    = gateway.ErrInvalidConfig
	ErrGatewayChanged   = gateway.ErrGatewayChanged
	ErrHandshakeFailed  = dtls.ErrHandshakeFailed
	ErrHandshakeTimeout = dtls.ErrHandshakeTimeout
	ErrSessionExpired   = dtls.ErrSessionExpired
	ErrEncoding         = coder.ErrEncoding
	ErrMalformedMessage = coder.ErrMalformedMessage
	ErrRequestTimedOut  = client.ErrRequestTimedOut
	ErrRequestRejected  = client.ErrRequestRejected
	ErrRequestReset     = client.ErrRequestReset
	ErrNoPayload        = client.ErrNoPayload
	ErrObservationEnded = client.ErrObservationEnded
	ErrClientClosed     = errors.New("client closed")
)

// RequestRejectedError carries the 4.xx or 5.xx code of a rejected request.
type RequestRejectedError = client.RequestRejectedError
