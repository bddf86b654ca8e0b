package client

import (
	"sync"
	"time"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

type result struct {
	resp *message.Message
	err  error
}

// pendingRequest is an outstanding request waiting for its response.
type pendingRequest struct {
	token       message.Token
	messageID   uint16
	method      codes.Code
	confirmable bool
	// ping is answered by a Reset or an empty ACK
	ping        bool
	data        []byte
	start       time.Time

	ackOnce sync.Once
	acked   chan struct{}
	// buffered, only the goroutine that removed the request from the token map sends
	result chan result
}

func newPendingRequest(req message.Message, data []byte) *pendingRequest {
	return &pendingRequest{
		token:       req.Token,
		messageID:   req.MessageID,
		method:      req.Code,
		confirmable: req.Type == message.Confirmable,
		data:        data,
		start:       time.Now(),
		acked:       make(chan struct{}),
		result:      make(chan result, 1),
	}
}

// acknowledge records an empty ACK, retransmission stops.
func (p *pendingRequest) acknowledge() {
	p.ackOnce.Do(func() {
		close(p.acked)
	})
}

func (p *pendingRequest) deliver(r result) {
	select {
	case p.result <- r:
	default:
	}
}
