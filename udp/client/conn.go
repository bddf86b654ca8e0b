package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
	"github.com/plgd-dev/go-coap-gateway/pkg/cache"
	coapSync "github.com/plgd-dev/go-coap-gateway/pkg/sync"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

const (
	errFmtWriteRequest = "cannot write request: %w"

	readBufferSize        = 64 * 1024
	expirationCheckPeriod = 4 * time.Second
)

// Session carries encoded messages to the gateway and back.
type Session interface {
	WriteWithContext(ctx context.Context, data []byte) error
	ReadWithContext(ctx context.Context, buffer []byte) (int, error)
	Close() error
}

// Conn performs CoAP exchanges over a session: it assigns message IDs and tokens,
// retransmits Confirmable requests and matches responses to requests.
type Conn struct {
	session Session
	cfg     Config
	logger  log.FieldLogger

	tokenHandlerContainer *coapSync.Map[uint64, *pendingRequest]
	midHandlerContainer   *coapSync.Map[uint16, *pendingRequest]
	observations          *coapSync.Map[uint64, *Observation]
	// separate responses already acknowledged, by message ID
	ackedResponses *cache.Cache[uint16, struct{}]
	inFlight       *semaphore.Weighted

	done      chan struct{}
	closeOnce sync.Once
	closeErr  atomic.Error
}

// NewConn creates connection over session. Run must be called to receive responses.
func NewConn(session Session, opts ...Option) *Conn {
	cfg := DefaultConfig
	for _, o := range opts {
		o.ApplyConn(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nilObserver{}
	}
	if cfg.Coder == nil {
		cfg.Coder = DefaultConfig.Coder
	}
	if cfg.GetMID == nil {
		cfg.GetMID = message.GetMID
	}
	if cfg.GetToken == nil {
		cfg.GetToken = message.GetToken
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig.MaxInFlight
	}
	return &Conn{
		session:               session,
		cfg:                   cfg,
		logger:                cfg.Logger,
		tokenHandlerContainer: coapSync.NewMap[uint64, *pendingRequest](),
		midHandlerContainer:   coapSync.NewMap[uint16, *pendingRequest](),
		observations:          coapSync.NewMap[uint64, *Observation](),
		ackedResponses:        cache.NewCache[uint16, struct{}](),
		inFlight:              semaphore.NewWeighted(cfg.MaxInFlight),
		done:                  make(chan struct{}),
	}
}

// Done is closed when the connection is closed.
func (cc *Conn) Done() <-chan struct{} {
	return cc.done
}

// Err returns the reason the connection was closed, or nil.
func (cc *Conn) Err() error {
	return cc.closeErr.Load()
}

// Close fails all pending requests and observations with reason and closes the session.
// Later requests fail with reason too. Only the first call has an effect.
func (cc *Conn) Close(reason error) error {
	var err error
	cc.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrConnClosed
		}
		cc.closeErr.Store(reason)
		close(cc.done)
		pending := cc.tokenHandlerContainer.Drain()
		cc.midHandlerContainer.Drain()
		for _, p := range pending {
			p.deliver(result{err: reason})
		}
		observations := cc.observations.Drain()
		for _, o := range observations {
			o.finish(reason)
		}
		err = cc.session.Close()
		cc.logger.WithFields(log.Fields{
			"reason":       reason,
			"pending":      len(pending),
			"observations": len(observations),
		}).Debug("connection closed")
	})
	return err
}

func (cc *Conn) removePending(p *pendingRequest) {
	deleteIfSame := func(current *pendingRequest, loaded bool) (*pendingRequest, bool) {
		return current, !loaded || current == p
	}
	cc.tokenHandlerContainer.Update(p.token.Hash(), deleteIfSame)
	cc.midHandlerContainer.Update(p.messageID, deleteIfSame)
}

// takePending removes and returns the request waiting for token. Only one caller gets it.
func (cc *Conn) takePending(token message.Token) (*pendingRequest, bool) {
	var p *pendingRequest
	cc.tokenHandlerContainer.Update(token.Hash(), func(current *pendingRequest, loaded bool) (*pendingRequest, bool) {
		if !loaded {
			return nil, true
		}
		if !current.token.Equal(token) {
			return current, false
		}
		p = current
		return nil, true
	})
	if p == nil {
		return nil, false
	}
	cc.midHandlerContainer.Update(p.messageID, func(current *pendingRequest, loaded bool) (*pendingRequest, bool) {
		return current, !loaded || current == p
	})
	return p, true
}

// Do sends the request and waits for its response. The message ID is always assigned by
// the connection; a token is generated when req has none.
//
// A response with a 4.xx or 5.xx code is returned together with a *RequestRejectedError.
func (cc *Conn) Do(ctx context.Context, req message.Message) (*message.Message, error) {
	if err := cc.Err(); err != nil {
		return nil, err
	}
	if err := cc.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer cc.inFlight.Release(1)

	req.MessageID = cc.cfg.GetMID()
	if len(req.Token) == 0 {
		token, err := cc.cfg.GetToken()
		if err != nil {
			return nil, fmt.Errorf("cannot get token: %w", err)
		}
		req.Token = token
	}
	data, err := cc.cfg.Coder.Encode(req)
	if err != nil {
		return nil, err
	}

	p := newPendingRequest(req, data)
	if _, loaded := cc.tokenHandlerContainer.LoadOrStore(req.Token.Hash(), p); loaded {
		return nil, fmt.Errorf("%w: %v", ErrTokenInUse, req.Token)
	}
	cc.midHandlerContainer.Store(req.MessageID, p)
	defer cc.removePending(p)
	if err := cc.Err(); err != nil {
		// closed while registering
		return nil, err
	}

	cc.cfg.Observer.RequestStarted(p.method)
	resp, err := cc.exchange(ctx, p)
	cc.cfg.Observer.RequestFinished(p.method, resp, err, time.Since(p.start))
	return resp, err
}

// Ping sends a CoAP ping, a Confirmable Empty message, and waits for the Reset answering
// it. The ping is retransmitted like a request.
func (cc *Conn) Ping(ctx context.Context) error {
	if err := cc.Err(); err != nil {
		return err
	}
	req := message.Message{
		Type:      message.Confirmable,
		Code:      codes.Empty,
		MessageID: cc.cfg.GetMID(),
	}
	data, err := cc.cfg.Coder.Encode(req)
	if err != nil {
		return err
	}
	p := newPendingRequest(req, data)
	p.ping = true
	cc.midHandlerContainer.Store(req.MessageID, p)
	defer cc.midHandlerContainer.Update(req.MessageID, func(current *pendingRequest, loaded bool) (*pendingRequest, bool) {
		return current, !loaded || current == p
	})
	if err := cc.Err(); err != nil {
		return err
	}
	_, err = cc.exchange(ctx, p)
	return err
}

func (cc *Conn) logRequest(p *pendingRequest) log.FieldLogger {
	return cc.logger.WithFields(log.Fields{
		"mid":    p.messageID,
		"token":  p.token.String(),
		"method": p.method.String(),
	})
}

func (cc *Conn) exchange(ctx context.Context, p *pendingRequest) (*message.Message, error) {
	if err := cc.session.WriteWithContext(ctx, p.data); err != nil {
		return nil, fmt.Errorf(errFmtWriteRequest, err)
	}
	cc.logRequest(p).Debug("request sent")

	var nextTimeout func() time.Duration
	if p.confirmable {
		bo := newRetransmissionBackOff(cc.cfg.TransmissionAcknowledgeTimeout, cc.cfg.TransmissionAckRandomFactor)
		nextTimeout = bo.NextBackOff
	} else {
		nextTimeout = func() time.Duration { return cc.cfg.SeparateResponseTimeout }
	}
	timer := time.NewTimer(nextTimeout())
	defer timer.Stop()

	acked := p.acked
	retransmissions := uint32(0)
	waitingForSeparate := !p.confirmable
	for {
		select {
		case r := <-p.result:
			return r.resp, r.err
		case <-ctx.Done():
			select {
			case r := <-p.result:
				return r.resp, r.err
			default:
			}
			return nil, ctx.Err()
		case <-cc.done:
			select {
			case r := <-p.result:
				return r.resp, r.err
			default:
			}
			return nil, cc.Err()
		case <-acked:
			acked = nil
			waitingForSeparate = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(cc.cfg.SeparateResponseTimeout)
			cc.logRequest(p).Debug("request acknowledged, waiting for separate response")
		case <-timer.C:
			if waitingForSeparate || retransmissions >= cc.cfg.TransmissionMaxRetransmit {
				cc.logRequest(p).WithField("retransmissions", retransmissions).Debug("request timed out")
				return nil, fmt.Errorf("%w: %v %v", ErrRequestTimedOut, p.method, p.token)
			}
			retransmissions++
			cc.cfg.Observer.Retransmitted(p.method)
			cc.logRequest(p).WithField("retransmission", retransmissions).Debug("retransmitting request")
			if err := cc.session.WriteWithContext(ctx, p.data); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf(errFmtWriteRequest, err)
			}
			timer.Reset(nextTimeout())
		}
	}
}

// Run reads datagrams from the session and dispatches them until ctx is canceled or
// the session fails. Pending requests then fail with the session error.
func (cc *Conn) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cc.checkExpirations(runCtx)

	buf := make([]byte, readBufferSize)
	for {
		n, err := cc.session.ReadWithContext(runCtx, buf)
		if err != nil {
			select {
			case <-cc.done:
				return nil
			default:
			}
			_ = cc.Close(err)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("cannot read from session: %w", err)
		}
		cc.Process(runCtx, buf[:n])
	}
}

func (cc *Conn) checkExpirations(ctx context.Context) {
	ticker := time.NewTicker(expirationCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cc.ackedResponses.CheckExpirations(now)
		}
	}
}

// Process handles one received datagram. Responses go to the request waiting for their
// token, otherwise to the observation of the token.
func (cc *Conn) Process(ctx context.Context, datagram []byte) {
	if len(datagram) > cc.cfg.Coder.MaxMessageSize() {
		cc.logger.WithField("size", len(datagram)).Debug("dropping oversized datagram")
		return
	}
	msg, err := cc.cfg.Coder.Decode(datagram)
	if err != nil {
		cc.logger.WithError(err).Debug("dropping malformed datagram")
		return
	}
	switch msg.Type {
	case message.Acknowledgement:
		if msg.IsEmpty() {
			if p, ok := cc.midHandlerContainer.Load(msg.MessageID); ok {
				if p.ping {
					p.deliver(result{})
				} else {
					p.acknowledge()
				}
			}
			return
		}
		cc.deliverResponse(msg)
	case message.Reset:
		cc.handleReset(msg)
	case message.Confirmable:
		cc.handleConfirmable(ctx, msg)
	case message.NonConfirmable:
		cc.deliverResponse(msg)
	}
}

func (cc *Conn) deliverResponse(msg message.Message) bool {
	if msg.Code.IsRequest() {
		cc.logger.WithField("code", msg.Code.String()).Debug("dropping request from gateway")
		return false
	}
	p, ok := cc.takePending(msg.Token)
	if !ok {
		if cc.notify(&msg) {
			return true
		}
		cc.logger.WithFields(log.Fields{
			"mid":   msg.MessageID,
			"token": msg.Token.String(),
		}).Debug("dropping unmatched response")
		return false
	}
	p.deliver(result{resp: &msg, err: responseError(msg.Code)})
	return true
}

func (cc *Conn) handleReset(msg message.Message) {
	p, ok := cc.midHandlerContainer.Load(msg.MessageID)
	if ok && p.ping {
		p.deliver(result{})
		return
	}
	if !ok && len(msg.Token) > 0 {
		p, ok = cc.tokenHandlerContainer.Load(msg.Token.Hash())
	}
	if !ok {
		return
	}
	if p, ok = cc.takePending(p.token); ok {
		p.deliver(result{err: fmt.Errorf("%w: %v %v", ErrRequestReset, p.method, p.token)})
	}
}

func (cc *Conn) handleConfirmable(ctx context.Context, msg message.Message) {
	if msg.IsEmpty() {
		// CoAP ping
		cc.sendEmpty(ctx, message.Reset, msg.MessageID)
		return
	}
	if cc.ackedResponses.Load(msg.MessageID) != nil {
		// our ACK was lost
		cc.sendEmpty(ctx, message.Acknowledgement, msg.MessageID)
		return
	}
	if !cc.deliverResponse(msg) {
		return
	}
	cc.ackedResponses.LoadOrStore(msg.MessageID, cache.NewElement(struct{}{}, time.Now().Add(ExchangeLifetime), nil))
	cc.sendEmpty(ctx, message.Acknowledgement, msg.MessageID)
}

func (cc *Conn) sendEmpty(ctx context.Context, typ message.Type, messageID uint16) {
	data, err := cc.cfg.Coder.Encode(message.Message{Type: typ, Code: codes.Empty, MessageID: messageID})
	if err != nil {
		cc.logger.WithError(err).Warn("cannot encode empty message")
		return
	}
	if err := cc.session.WriteWithContext(ctx, data); err != nil {
		cc.logger.WithError(err).WithField("mid", messageID).Debug("cannot send " + typ.String())
	}
}
