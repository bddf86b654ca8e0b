package coder

import (
	"errors"

	"github.com/plgd-dev/go-coap-gateway/message"
)

var (
	// ErrEncoding is returned when a message cannot be represented on the wire.
	ErrEncoding = errors.New("encoding error")
	// ErrMalformedMessage is returned when a datagram is not a valid CoAP message.
	ErrMalformedMessage = errors.New("malformed message")
)

const (
	ErrMessageTruncated       = message.Error("message is truncated")
	ErrMessageInvalidVersion  = message.Error("invalid version of message")
	ErrMessageTooLarge        = message.Error("message exceeds maximum message size")
	ErrInvalidType            = message.Error("invalid message type")
	ErrPayloadMarkerNoPayload = message.Error("payload marker is not followed by payload")
	ErrInvalidMaxMessageSize  = message.Error("invalid maximum message size")
)
