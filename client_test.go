package coap_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	coap "github.com/plgd-dev/go-coap-gateway"
	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	"github.com/plgd-dev/go-coap-gateway/keepalive"
	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
	"github.com/plgd-dev/go-coap-gateway/metrics"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
	testGateway "github.com/plgd-dev/go-coap-gateway/test/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	testIdentity = "client-1"
	testPSK      = "secretPSK"
)

func newGateway(t *testing.T) (*testGateway.Server, *testGateway.Resources) {
	gw, err := testGateway.New(testIdentity, []byte(testPSK))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gw.Close()
	})
	res := testGateway.NewResources()
	res.Store("/sensors/temp", []byte("22.5"))
	gw.SetHandler(res.Handle)
	return gw, res
}

func newClient(t *testing.T, opts ...coap.Option) *coap.Client {
	c := coap.New(gateway.NewRegistry(nil), opts...)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestClientNotConfigured(t *testing.T) {
	c := newClient(t)
	_, err := c.Request(context.Background(), "/sensors/temp")
	require.ErrorIs(t, err, coap.ErrNotConfigured)
	_, err = c.Gateway()
	require.ErrorIs(t, err, coap.ErrNotConfigured)
}

func TestClientSetGatewayInvalid(t *testing.T) {
	c := newClient(t)
	require.ErrorIs(t, c.SetGateway("", testIdentity, []byte(testPSK)), coap.ErrInvalidConfig)
	require.ErrorIs(t, c.SetGateway("127.0.0.1:5684", "", []byte(testPSK)), coap.ErrInvalidConfig)
	require.ErrorIs(t, c.SetGateway("127.0.0.1:5684", testIdentity, nil), coap.ErrInvalidConfig)
	_, err := c.Gateway()
	require.ErrorIs(t, err, coap.ErrNotConfigured)
}

func TestClientGatewayDefaultPort(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.SetGateway("192.0.2.1", testIdentity, []byte(testPSK)))
	gw, err := c.Gateway()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:5684", gw.Address)
	assert.Equal(t, testIdentity, gw.Identity)
}

func TestClientRequest(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, "22.5", string(payload))

	resp, err := c.Get(ctx, "/sensors/missing")
	require.ErrorIs(t, err, coap.ErrRequestRejected)
	var rejected *coap.RequestRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, codes.NotFound, rejected.Code)
	require.NotNil(t, resp)
	assert.Equal(t, codes.NotFound, resp.Code)
	assert.Equal(t, 1, gw.Handshakes())
}

func TestClientPutPostDelete(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Post(ctx, "/lights/1", message.AppJSON, []byte(`{"on":false}`))
	require.NoError(t, err)
	assert.Equal(t, codes.Created, resp.Code)

	resp, err = c.Put(ctx, "/lights/1", message.AppJSON, []byte(`{"on":true}`))
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, resp.Code)

	payload, err := c.Request(ctx, "/lights/1")
	require.NoError(t, err)
	assert.Equal(t, `{"on":true}`, string(payload))

	resp, err = c.Delete(ctx, "/lights/1")
	require.NoError(t, err)
	assert.Equal(t, codes.Deleted, resp.Code)

	_, err = c.Request(ctx, "/lights/1")
	require.ErrorIs(t, err, coap.ErrRequestRejected)

	_, err = c.Put(ctx, "/lights/1", message.AppJSON, nil)
	require.ErrorIs(t, err, coap.ErrNoPayload)
}

func TestClientConcurrentRequestsShareHandshake(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := c.Request(ctx, "/sensors/temp")
			if err == nil && string(payload) != "22.5" {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, gw.Handshakes())
}

func TestClientGatewayChangedFailsInFlight(t *testing.T) {
	gw1, _ := newGateway(t)
	gw1.SetHandler(func(message.Message) testGateway.Reply {
		return testGateway.Reply{Drop: true}
	})
	gw2, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw1.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "/sensors/temp")
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return gw1.Requests() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetGateway(gw2.Addr(), testIdentity, []byte(testPSK)))
	select {
	case err := <-errs:
		require.ErrorIs(t, err, coap.ErrGatewayChanged)
	case <-ctx.Done():
		require.FailNow(t, "request was not failed by the gateway change")
	}

	payload, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, "22.5", string(payload))
	assert.Equal(t, 1, gw2.Handshakes())
}

func TestClientHandshakesAgainAfterSessionLoss(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)

	gw.CloseSessions()

	payload, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, "22.5", string(payload))
	assert.Equal(t, 2, gw.Handshakes())
}

func TestClientHandshakeRejected(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t, coap.WithSessionOptions(dtls.WithHandshakeTimeout(time.Second)))
	require.NoError(t, c.SetGateway(gw.Addr(), "intruder", []byte(testPSK)))

	_, err := c.Request(context.Background(), "/sensors/temp")
	require.Error(t, err)
	require.True(t, errors.Is(err, coap.ErrHandshakeFailed) || errors.Is(err, coap.ErrHandshakeTimeout), "unexpected error: %v", err)
	assert.Equal(t, 0, gw.Handshakes())
}

func TestClientClose(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = c.Request(ctx, "/sensors/temp")
	require.ErrorIs(t, err, coap.ErrClientClosed)
	require.NoError(t, c.Close())
}

func TestClientMetrics(t *testing.T) {
	gw, _ := newGateway(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.New("coap", reg)
	require.NoError(t, err)
	c := newClient(t, coap.WithMetrics(m))
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "coap_client_requests_total", "coap_dtls_handshakes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func newKeepAliveClient(t *testing.T) *coap.Client {
	return newClient(t,
		coap.WithConnOptions(udpClient.WithTransmission(20*time.Millisecond, 1, 2)),
		coap.WithKeepAlive(keepalive.Config{
			Interval:    50 * time.Millisecond,
			WaitForPong: 100 * time.Millisecond,
			NewRetryPolicy: func() keepalive.RetryFunc {
				start := time.Now()
				return func() (time.Time, error) {
					if time.Since(start) > 300*time.Millisecond {
						return time.Time{}, keepalive.ErrKeepAliveDeadlineExceeded
					}
					return time.Now().Add(50 * time.Millisecond), nil
				}
			},
		}),
	)
}

func TestClientKeepAlive(t *testing.T) {
	gw, _ := newGateway(t)
	c := newKeepAliveClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return gw.Pings() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Handshakes())
}

func TestClientKeepAliveDropsDeadSession(t *testing.T) {
	gw, _ := newGateway(t)
	gw.IgnorePings(true)
	c := newKeepAliveClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "/sensors/temp")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		payload, err := c.Request(ctx, "/sensors/temp")
		return err == nil && string(payload) == "22.5" && gw.Handshakes() >= 2
	}, 8*time.Second, 100*time.Millisecond)
}

func TestClientRequestInFlightDuringSessionLoss(t *testing.T) {
	gw, res := newGateway(t)
	var drop atomic.Bool
	drop.Store(true)
	gw.SetHandler(func(req message.Message) testGateway.Reply {
		if drop.Load() {
			return testGateway.Reply{Drop: true}
		}
		return res.Handle(req)
	})
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	type result struct {
		payload []byte
		err     error
	}
	results := make(chan result, 1)
	go func() {
		payload, err := c.Request(ctx, "/sensors/temp")
		results <- result{payload: payload, err: err}
	}()
	require.Eventually(t, func() bool {
		return gw.Requests() > 0
	}, 5*time.Second, 10*time.Millisecond)

	drop.Store(false)
	gw.CloseSessions()
	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, "22.5", string(r.payload))
	case <-ctx.Done():
		require.FailNow(t, "request did not finish")
	}
	assert.Equal(t, 2, gw.Handshakes())
}

func observe(ctx context.Context, t *testing.T, c *coap.Client, path string) (*coap.Observation, <-chan string) {
	notifications := make(chan string, 16)
	o, err := c.Observe(ctx, path, func(m *message.Message) {
		notifications <- string(m.Payload)
	})
	require.NoError(t, err)
	return o, notifications
}

func expectPayload(t *testing.T, notifications <-chan string, want string) {
	select {
	case got := <-notifications:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		require.FailNowf(t, "no notification", "expected %q", want)
	}
}

func waitDone(t *testing.T, o *coap.Observation) {
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "observation did not end")
	}
}

func TestClientObserve(t *testing.T) {
	gw, res := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, notifications := observe(ctx, t, c, "/sensors/temp")
	expectPayload(t, notifications, "22.5")
	assert.Equal(t, 1, gw.Observers())

	res.Store("/sensors/temp", []byte("23.0"))
	require.Equal(t, 1, gw.Notify("/sensors/temp", []byte("23.0")))
	expectPayload(t, notifications, "23.0")
	require.Eventually(t, func() bool {
		return gw.Acks() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(ctx))
	waitDone(t, o)
	require.NoError(t, o.Err())
	assert.Equal(t, 0, gw.Observers())
	assert.Equal(t, 0, gw.Notify("/sensors/temp", []byte("23.5")))
	require.NoError(t, o.Cancel(ctx))
}

func TestClientObserveNotFound(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Observe(ctx, "/sensors/missing", func(*message.Message) {})
	require.ErrorIs(t, err, coap.ErrRequestRejected)
	assert.Equal(t, 0, gw.Observers())
}

func TestClientObserveReregistersAfterSessionLoss(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	o, notifications := observe(ctx, t, c, "/sensors/temp")
	expectPayload(t, notifications, "22.5")

	gw.CloseSessions()
	// registered again over a new session
	expectPayload(t, notifications, "22.5")
	require.Eventually(t, func() bool {
		return gw.Observers() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, gw.Handshakes())

	require.Equal(t, 1, gw.Notify("/sensors/temp", []byte("24.0")))
	expectPayload(t, notifications, "24.0")
	require.NoError(t, o.Err())
	require.NoError(t, o.Cancel(ctx))
}

func TestClientObserveFailsOnGatewayChange(t *testing.T) {
	gw1, _ := newGateway(t)
	gw2, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw1.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, notifications := observe(ctx, t, c, "/sensors/temp")
	expectPayload(t, notifications, "22.5")

	require.NoError(t, c.SetGateway(gw2.Addr(), testIdentity, []byte(testPSK)))
	waitDone(t, o)
	require.ErrorIs(t, o.Err(), coap.ErrGatewayChanged)
	require.NoError(t, o.Cancel(ctx))
	assert.Equal(t, 0, gw2.Handshakes())
}

func TestClientObserveClose(t *testing.T) {
	gw, _ := newGateway(t)
	c := newClient(t)
	require.NoError(t, c.SetGateway(gw.Addr(), testIdentity, []byte(testPSK)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, notifications := observe(ctx, t, c, "/sensors/temp")
	expectPayload(t, notifications, "22.5")

	require.NoError(t, c.Close())
	waitDone(t, o)
	require.ErrorIs(t, o.Err(), coap.ErrClientClosed)
	_, err := c.Observe(ctx, "/sensors/temp", func(*message.Message) {})
	require.ErrorIs(t, err, coap.ErrClientClosed)
}
