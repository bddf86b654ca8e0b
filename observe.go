package coap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	"github.com/plgd-dev/go-coap-gateway/message"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
)

// Observation is an observation of a gateway resource. It survives the loss of the
// session: the resource is observed again over the next session. It ends when the
// gateway changes, when the client is closed or when the gateway ends it.
type Observation struct {
	client      *Client
	path        string
	observeFunc func(*message.Message)
	opts        []message.Option
	// registry version of the observed gateway
	version uint64

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	err       error

	mutex    sync.Mutex
	current  *udpClient.Observation
	canceled bool
}

// Observe subscribes observeFunc to changes of the resource at path. The current
// representation is delivered before Observe returns and again after every
// re-registration. observeFunc runs on the read loop of the session and must not block.
func (c *Client) Observe(ctx context.Context, path string, observeFunc func(*message.Message), opts ...message.Option) (*Observation, error) {
	_, version, err := c.registry.Current()
	if err != nil {
		return nil, err
	}
	o := &Observation{
		client:      c,
		path:        path,
		observeFunc: observeFunc,
		opts:        opts,
		version:     version,
		done:        make(chan struct{}),
	}
	o.ctx, o.cancel = context.WithCancel(c.ctx)
	obs, err := o.register(ctx)
	if err != nil {
		o.cancel()
		return nil, err
	}
	o.current = obs
	c.observations.Store(o, struct{}{})
	go o.watch(obs)
	return o, nil
}

// Done is closed when the observation ends.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

// Err returns why the observation ended: ErrGatewayChanged, ErrClientClosed or an error
// matching ErrObservationEnded. It is nil while the observation is active and after Cancel.
func (o *Observation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Cancel deregisters the observation at the gateway. No notification is delivered after
// Cancel returns, even when the deregistration fails.
func (o *Observation) Cancel(ctx context.Context) error {
	o.mutex.Lock()
	if o.canceled {
		o.mutex.Unlock()
		return nil
	}
	o.canceled = true
	current := o.current
	o.mutex.Unlock()

	o.end(nil)
	if current == nil {
		return nil
	}
	return current.Cancel(ctx)
}

func (o *Observation) end(err error) {
	o.closeOnce.Do(func() {
		o.err = err
		close(o.done)
	})
	o.cancel()
	o.client.observations.Delete(o)
}

func (o *Observation) register(ctx context.Context) (*udpClient.Observation, error) {
	return do(ctx, o.client, func(conn *udpClient.Conn, version uint64) (*udpClient.Observation, error) {
		if version != o.version {
			return nil, gateway.ErrGatewayChanged
		}
		return conn.Observe(ctx, o.path, o.observeFunc, o.opts...)
	})
}

func (o *Observation) setCurrent(obs *udpClient.Observation) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.canceled {
		return false
	}
	o.current = obs
	return true
}

// observationLost reports whether the observation ended together with its session.
func observationLost(err error) bool {
	return err != nil &&
		!errors.Is(err, udpClient.ErrObservationEnded) &&
		!errors.Is(err, gateway.ErrGatewayChanged) &&
		!errors.Is(err, ErrClientClosed)
}

func permanentRegistrationError(err error) bool {
	return errors.Is(err, gateway.ErrGatewayChanged) ||
		errors.Is(err, gateway.ErrNotConfigured) ||
		errors.Is(err, ErrClientClosed) ||
		errors.Is(err, udpClient.ErrRequestRejected) ||
		errors.Is(err, context.Canceled)
}

func (o *Observation) watch(obs *udpClient.Observation) {
	logger := o.client.logger.WithField("path", o.path)
	for {
		select {
		case <-o.ctx.Done():
			o.end(ErrClientClosed)
			return
		case <-obs.Done():
		}
		err := obs.Err()
		if !observationLost(err) {
			o.end(err)
			return
		}
		logger.WithError(err).Debug("observation lost with the session, observing again")
		obs, err = o.reregister()
		if err != nil {
			if o.ctx.Err() != nil && !errors.Is(err, gateway.ErrGatewayChanged) {
				err = ErrClientClosed
			}
			o.end(err)
			return
		}
		if !o.setCurrent(obs) {
			_ = obs.Cancel(o.client.ctx)
			return
		}
	}
}

func (o *Observation) reregister() (*udpClient.Observation, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	return backoff.RetryNotifyWithData(func() (*udpClient.Observation, error) {
		obs, err := o.register(o.ctx)
		if err != nil && permanentRegistrationError(err) {
			return nil, backoff.Permanent(err)
		}
		return obs, err
	}, backoff.WithContext(bo, o.ctx), func(err error, d time.Duration) {
		o.client.logger.WithError(err).WithField("path", o.path).Debugf("cannot observe again, retrying in %v", d)
	})
}
