package client

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

var (
	// ErrRequestTimedOut is returned when a request was retransmitted MaxRetransmit times
	// without acknowledgement or when the separate response did not arrive in time.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrRequestRejected is matched by every RequestRejectedError.
	ErrRequestRejected = errors.New("request rejected")
	// ErrRequestReset is returned when the gateway answered with a Reset message.
	ErrRequestReset = errors.New("request reset by peer")
	// ErrNoPayload is returned for PUT and POST requests without payload.
	ErrNoPayload = errors.New("request has no payload")
	// ErrConnClosed is the default reason of Close.
	ErrConnClosed = errors.New("connection closed")
	ErrTokenInUse = errors.New("token is already in use")
)

// RequestRejectedError carries the 4.xx or 5.xx response code of the gateway.
type RequestRejectedError struct {
	Code codes.Code
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("%v: %v (%v)", ErrRequestRejected, e.Code, e.Code.Dotted())
}

func (e *RequestRejectedError) Is(target error) bool {
	return target == ErrRequestRejected
}

// responseError maps a response code to an error. Success codes map to nil.
func responseError(code codes.Code) error {
	if code.IsSuccess() {
		return nil
	}
	return &RequestRejectedError{Code: code}
}
