package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

// ObservationSequenceTimeout defines how long is sequence number is valid. https://tools.ietf.org/html/rfc7641#section-3.4
const ObservationSequenceTimeout = 128 * time.Second

// ErrObservationEnded is reported when the gateway stops sending notifications: the
// resource is not observable or a notification carried an error code.
var ErrObservationEnded = errors.New("observation ended by gateway")

// ValidSequenceNumber implements conditions in https://tools.ietf.org/html/rfc7641#section-3.4
func ValidSequenceNumber(old, new uint32, lastEventOccurs time.Time, now time.Time) bool {
	const half = 1 << 23
	return (old < new && new-old < half) ||
		(old > new && old-new > half) ||
		now.Sub(lastEventOccurs) > ObservationSequenceTimeout
}

// Observation represents subscription to resource on the gateway.
type Observation struct {
	cc          *Conn
	req         message.Message
	observeFunc func(*message.Message)

	done      chan struct{}
	closeOnce sync.Once
	err       error

	private struct { // members guarded by mutex
		mutex       sync.Mutex
		obsSequence uint32
		lastEvent   time.Time
		etag        []byte
	}
}

func newObservation(cc *Conn, req message.Message, observeFunc func(*message.Message)) *Observation {
	return &Observation{
		cc:          cc,
		req:         req,
		observeFunc: observeFunc,
		done:        make(chan struct{}),
	}
}

// Done is closed when the observation is canceled or ended by the gateway or the connection.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

// Err returns why the observation ended. It is nil while the observation is active and
// after Cancel.
func (o *Observation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

func (o *Observation) Token() message.Token {
	return o.req.Token
}

func (o *Observation) finish(err error) {
	o.closeOnce.Do(func() {
		o.err = err
		close(o.done)
	})
}

func (o *Observation) etag() []byte {
	o.private.mutex.Lock()
	defer o.private.mutex.Unlock()
	return o.private.etag
}

func (o *Observation) wantBeNotified(r *message.Message) bool {
	obsSequence, err := r.Options.Observe()
	if err != nil {
		return true
	}
	now := time.Now()

	o.private.mutex.Lock()
	defer o.private.mutex.Unlock()
	if !ValidSequenceNumber(o.private.obsSequence, obsSequence, o.private.lastEvent, now) {
		return false
	}
	o.private.obsSequence = obsSequence
	o.private.lastEvent = now
	if etag, err := r.Options.ETag(); err == nil {
		o.private.etag = append(o.private.etag[:0], etag...)
	}
	return true
}

// handle delivers a notification. A notification without the Observe option or with an
// error code is the last one.
func (o *Observation) handle(r *message.Message) {
	if o.wantBeNotified(r) {
		o.observeFunc(r)
	}
	if !r.Options.HasOption(message.Observe) || !r.Code.IsSuccess() {
		if o.cc.removeObservation(o) {
			if err := responseError(r.Code); err != nil {
				o.finish(fmt.Errorf("%w: %w", ErrObservationEnded, err))
			} else {
				o.finish(ErrObservationEnded)
			}
		}
	}
}

// Cancel deregisters the observation at the gateway. For recreate observation use Observe.
func (o *Observation) Cancel(ctx context.Context) error {
	if !o.cc.removeObservation(o) {
		// observation already ended
		return nil
	}
	o.finish(nil)

	options := append(message.Options(nil), o.req.Options...)
	options = options.SetObserve(1)
	if etag := o.etag(); len(etag) > 0 {
		options = options.Set(message.Option{ID: message.ETag, Value: etag})
	}
	_, err := o.cc.Do(ctx, message.Message{
		Type:    message.Confirmable,
		Code:    codes.GET,
		Token:   o.req.Token,
		Options: options,
	})
	if err != nil {
		return fmt.Errorf("cannot cancel observation: %w", err)
	}
	return nil
}

func (cc *Conn) removeObservation(o *Observation) bool {
	removed := false
	cc.observations.Update(o.req.Token.Hash(), func(current *Observation, loaded bool) (*Observation, bool) {
		if loaded && current == o {
			removed = true
			return nil, true
		}
		return current, !loaded
	})
	return removed
}

// Observe subscribes for every change of resource on path. The first response is
// delivered to observeFunc before Observe returns, notifications are delivered from the
// read loop so observeFunc must not block.
//
// When the resource is not observable the observation is returned already done with
// ErrObservationEnded.
func (cc *Conn) Observe(ctx context.Context, path string, observeFunc func(*message.Message), opts ...message.Option) (*Observation, error) {
	req, err := NewRequest(codes.GET, path, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create observe request: %w", err)
	}
	req.Options = req.Options.SetObserve(0)
	token, err := cc.cfg.GetToken()
	if err != nil {
		return nil, fmt.Errorf("cannot get token: %w", err)
	}
	req.Token = token

	o := newObservation(cc, req, observeFunc)
	if _, loaded := cc.observations.LoadOrStore(token.Hash(), o); loaded {
		return nil, fmt.Errorf("%w: %v", ErrTokenInUse, token)
	}
	if err := cc.Err(); err != nil {
		// closed while registering
		cc.removeObservation(o)
		return nil, err
	}
	resp, err := cc.Do(ctx, req)
	if err != nil {
		cc.removeObservation(o)
		return nil, err
	}
	o.handle(resp)
	return o, nil
}

// notify routes a response no request waits for to the observation of its token.
func (cc *Conn) notify(msg *message.Message) bool {
	o, ok := cc.observations.Load(msg.Token.Hash())
	if !ok || !o.req.Token.Equal(msg.Token) {
		return false
	}
	o.handle(msg)
	return true
}
