package client

import (
	"time"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

// Observer is notified about the life of requests.
type Observer interface {
	RequestStarted(method codes.Code)
	// RequestFinished gets a nil resp when no response was received.
	RequestFinished(method codes.Code, resp *message.Message, err error, duration time.Duration)
	Retransmitted(method codes.Code)
}

type nilObserver struct{}

func (nilObserver) RequestStarted(codes.Code) {}

func (nilObserver) RequestFinished(codes.Code, *message.Message, error, time.Duration) {}

func (nilObserver) Retransmitted(codes.Code) {}
