package dtls_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
	coapNet "github.com/plgd-dev/go-coap-gateway/net"
	testGateway "github.com/plgd-dev/go-coap-gateway/test/gateway"
	"github.com/plgd-dev/go-coap-gateway/udp/coder"
	"github.com/stretchr/testify/require"
)

const (
	testIdentity = "client_identity"
	testPSK      = "secretPSK"
)

func newTestGateway(t *testing.T) *testGateway.Server {
	s, err := testGateway.New(testIdentity, []byte(testPSK))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func openSession(t *testing.T, address string, opts ...dtls.Option) *dtls.Session {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := dtls.Open(ctx, gateway.Config{Address: address, Identity: testIdentity, PSK: []byte(testPSK)}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSessionExchange(t *testing.T) {
	gw := newTestGateway(t)
	gw.SetHandler(func(req message.Message) testGateway.Reply {
		return testGateway.Reply{Code: codes.Content, Payload: []byte("22.5")}
	})
	var handshakes int
	s := openSession(t, gw.Addr(), dtls.WithOnHandshake(func(d time.Duration, err error) {
		require.NoError(t, err)
		handshakes++
	}))
	require.Equal(t, 1, handshakes)
	require.Equal(t, gw.Addr(), s.RemoteAddr().String())

	options, err := message.Options{}.SetPath("/sensor/temp")
	require.NoError(t, err)
	req, err := coder.DefaultCoder.Encode(message.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: 0x1234,
		Token:     []byte{1, 2, 3, 4},
		Options:   options,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WriteWithContext(ctx, req))

	buf := make([]byte, s.MTU())
	n, err := s.ReadWithContext(ctx, buf)
	require.NoError(t, err)
	resp, err := coder.DefaultCoder.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, message.Acknowledgement, resp.Type)
	require.Equal(t, uint16(0x1234), resp.MessageID)
	require.Equal(t, message.Token{1, 2, 3, 4}, resp.Token)
	require.Equal(t, []byte("22.5"), resp.Payload)
}

func TestOpenRejectedIdentity(t *testing.T) {
	gw := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := dtls.Open(ctx, gateway.Config{Address: gw.Addr(), Identity: "intruder", PSK: []byte(testPSK)},
		dtls.WithHandshakeTimeout(2*time.Second))
	require.Error(t, err)
	require.True(t, errors.Is(err, dtls.ErrHandshakeFailed) || errors.Is(err, dtls.ErrHandshakeTimeout), err)
	require.Equal(t, 0, gw.Handshakes())
}

func TestOpenHandshakeTimeout(t *testing.T) {
	// a socket that never answers
	silent, err := coapNet.ListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = silent.Close()
	}()

	var observed error
	start := time.Now()
	_, err = dtls.Open(context.Background(), gateway.Config{Address: silent.LocalAddr().String(), Identity: testIdentity, PSK: []byte(testPSK)},
		dtls.WithHandshakeTimeout(300*time.Millisecond),
		dtls.WithOnHandshake(func(d time.Duration, err error) {
			observed = err
		}))
	require.ErrorIs(t, err, dtls.ErrHandshakeTimeout)
	require.ErrorIs(t, observed, dtls.ErrHandshakeTimeout)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestSessionClose(t *testing.T) {
	gw := newTestGateway(t)
	s := openSession(t, gw.Addr())
	require.False(t, s.Expired())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	default:
		require.FailNow(t, "done is not closed")
	}
	require.True(t, s.Expired())
	err := s.WriteWithContext(context.Background(), []byte{0x40, 0, 0, 0})
	require.ErrorIs(t, err, dtls.ErrSessionExpired)
	_, err = s.ReadWithContext(context.Background(), make([]byte, 16))
	require.ErrorIs(t, err, dtls.ErrSessionExpired)
}

func TestSessionExpiresWhenGatewayCloses(t *testing.T) {
	gw := newTestGateway(t)
	s := openSession(t, gw.Addr(), dtls.WithHeartBeat(20*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadWithContext(context.Background(), make([]byte, s.MTU()))
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	gw.CloseSessions()

	select {
	case err := <-done:
		require.ErrorIs(t, err, dtls.ErrSessionExpired)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "session did not expire")
	}
	require.True(t, s.Expired())
}

func TestReadCanceledKeepsSession(t *testing.T) {
	gw := newTestGateway(t)
	s := openSession(t, gw.Addr(), dtls.WithHeartBeat(20*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.ReadWithContext(ctx, make([]byte, s.MTU()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, s.Expired())
}
