// Package coap is a CoAP client of a single gateway reachable over DTLS with a pre-shared key.
//
// The gateway is kept in a gateway.Registry. The DTLS session is opened by the first request
// and shared by all requests until the session expires or the gateway changes.
package coap

import (
	"context"
	"errors"
	"sync"

	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	"github.com/plgd-dev/go-coap-gateway/keepalive"
	"github.com/plgd-dev/go-coap-gateway/message"
	coapSync "github.com/plgd-dev/go-coap-gateway/pkg/sync"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
	log "github.com/sirupsen/logrus"
)

// dial is a handshake in progress. Concurrent requests wait for the same dial.
type dial struct {
	version uint64
	done    chan struct{}
	conn    *udpClient.Conn
	err     error
}

// Client sends requests to the gateway of its registry.
type Client struct {
	registry *gateway.Registry
	cfg      Config
	logger   log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	observations *coapSync.Map[*Observation, struct{}]

	mutex   sync.Mutex
	version uint64
	conn    *udpClient.Conn
	dialing *dial
	closed  bool
}

// New creates a client of the gateway held by registry. A nil registry gets a private one.
func New(registry *gateway.Registry, opts ...Option) *Client {
	var cfg Config
	for _, o := range opts {
		o.ApplyClient(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	cfg.SessionOptions = append([]dtls.Option{dtls.WithLogger(cfg.Logger)}, cfg.SessionOptions...)
	cfg.ConnOptions = append([]udpClient.Option{udpClient.WithLogger(cfg.Logger)}, cfg.ConnOptions...)
	if registry == nil {
		registry = gateway.NewRegistry(cfg.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		version:  registry.Version(),

		observations: coapSync.NewMap[*Observation, struct{}](),
	}
	registry.OnChange(c.gatewayChanged)
	return c
}

// gatewayChanged runs under the registry lock, before the new gateway is visible.
func (c *Client) gatewayChanged(version uint64) {
	c.mutex.Lock()
	c.version = version
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()
	if conn != nil {
		_ = conn.Close(gateway.ErrGatewayChanged)
	}
	for o := range c.observations.Drain() {
		o.end(gateway.ErrGatewayChanged)
	}
}

// SetGateway replaces the gateway. Requests in flight and observations of the previous
// gateway fail with ErrGatewayChanged.
func (c *Client) SetGateway(address, identity string, psk []byte) error {
	return c.registry.Set(gateway.Config{
		Address:  address,
		Identity: identity,
		PSK:      psk,
	})
}

// Gateway returns the current gateway.
func (c *Client) Gateway() (gateway.Config, error) {
	return c.registry.Get()
}

// getConn returns a live connection to the current gateway and the registry version of
// that gateway.
func (c *Client) getConn(ctx context.Context) (*udpClient.Conn, uint64, error) {
	gw, version, err := c.registry.Current()
	if err != nil {
		return nil, 0, err
	}
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, 0, ErrClientClosed
	}
	if version != c.version {
		c.mutex.Unlock()
		return nil, 0, gateway.ErrGatewayChanged
	}
	if c.conn != nil && c.conn.Err() == nil {
		conn := c.conn
		c.mutex.Unlock()
		return conn, version, nil
	}
	d := c.dialing
	if d == nil || d.version != version {
		d = &dial{version: version, done: make(chan struct{})}
		c.dialing = d
		go c.open(d, gw)
	}
	c.mutex.Unlock()

	select {
	case <-d.done:
		return d.conn, version, d.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// open performs the handshake of d. It is not bound to the context of any request, the
// handshake timeout limits it.
func (c *Client) open(d *dial, gw gateway.Config) {
	defer close(d.done)
	session, err := dtls.Open(c.ctx, gw, c.cfg.SessionOptions...)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.dialing == d {
		c.dialing = nil
	}
	if err != nil {
		d.err = err
		return
	}
	switch {
	case c.closed:
		d.err = ErrClientClosed
	case c.version != d.version:
		d.err = gateway.ErrGatewayChanged
	}
	if d.err != nil {
		_ = session.Close()
		return
	}
	conn := udpClient.NewConn(session, c.cfg.ConnOptions...)
	d.conn = conn
	c.conn = conn
	go c.run(conn, session)
	if c.cfg.KeepAlive != nil {
		go c.keepAlive(conn)
	}
}

func (c *Client) keepAlive(conn *udpClient.Conn) {
	if err := c.cfg.KeepAlive.Run(c.ctx, conn); err != nil {
		c.logger.WithError(err).Warn("gateway stopped answering pings")
		c.dropConn(conn)
	}
}

// sessionLost reports whether err is a failure of the session rather than of the request.
func sessionLost(err error) bool {
	return errors.Is(err, dtls.ErrSessionExpired) || errors.Is(err, keepalive.ErrKeepAliveDeadlineExceeded)
}

func (c *Client) run(conn *udpClient.Conn, session *dtls.Session) {
	logger := c.logger.WithField("gateway", session.RemoteAddr().String())
	if err := conn.Run(c.ctx); err != nil {
		logger.WithError(err).Debug("session closed")
	}
	// make sure a closed connection is not reused
	c.dropConn(conn)
}

func (c *Client) dropConn(conn *udpClient.Conn) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// do runs f over the current session. A request failing because the session expired is
// retried once over a new session.
func do[T any](ctx context.Context, c *Client, f func(conn *udpClient.Conn, version uint64) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		conn, version, err := c.getConn(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		resp, err := f(conn, version)
		if attempt == 0 && sessionLost(err) {
			c.logger.WithError(err).Debug("session expired, handshaking again")
			c.dropConn(conn)
			continue
		}
		return resp, err
	}
}

// Request issues a Confirmable GET for uriPath and returns the response payload.
func (c *Client) Request(ctx context.Context, uriPath string) ([]byte, error) {
	resp, err := c.Get(ctx, uriPath)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Get issues a GET request. A 4.xx or 5.xx response is returned together with a
// *RequestRejectedError.
func (c *Client) Get(ctx context.Context, path string, opts ...message.Option) (*message.Message, error) {
	return do(ctx, c, func(conn *udpClient.Conn, _ uint64) (*message.Message, error) {
		return conn.Get(ctx, path, opts...)
	})
}

func (c *Client) Delete(ctx context.Context, path string, opts ...message.Option) (*message.Message, error) {
	return do(ctx, c, func(conn *udpClient.Conn, _ uint64) (*message.Message, error) {
		return conn.Delete(ctx, path, opts...)
	})
}

func (c *Client) Put(ctx context.Context, path string, contentFormat message.MediaType, payload []byte, opts ...message.Option) (*message.Message, error) {
	if len(payload) == 0 {
		return nil, ErrNoPayload
	}
	return do(ctx, c, func(conn *udpClient.Conn, _ uint64) (*message.Message, error) {
		return conn.Put(ctx, path, contentFormat, payload, opts...)
	})
}

func (c *Client) Post(ctx context.Context, path string, contentFormat message.MediaType, payload []byte, opts ...message.Option) (*message.Message, error) {
	if len(payload) == 0 {
		return nil, ErrNoPayload
	}
	return do(ctx, c, func(conn *udpClient.Conn, _ uint64) (*message.Message, error) {
		return conn.Post(ctx, path, contentFormat, payload, opts...)
	})
}

// Close fails the requests in flight and the observations with ErrClientClosed and closes
// the session.
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(ErrClientClosed)
	}
	for o := range c.observations.Drain() {
		o.end(ErrClientClosed)
	}
	c.cancel()
	return err
}
