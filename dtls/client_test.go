package dtls_test

import (
	"context"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	testGateway "github.com/plgd-dev/go-coap-gateway/test/gateway"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
	"github.com/stretchr/testify/require"
)

func TestDial(t *testing.T) {
	gw := newTestGateway(t)
	res := testGateway.NewResources()
	res.Store("/a", []byte("hello"))
	gw.SetHandler(res.Handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := dtls.Dial(ctx, gateway.Config{Address: gw.Addr(), Identity: testIdentity, PSK: []byte(testPSK)})
	require.NoError(t, err)

	payload, err := cc.Request(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))

	require.NoError(t, cc.Close(nil))
	_, err = cc.Request(ctx, "/a")
	require.ErrorIs(t, err, udpClient.ErrConnClosed)
}

func TestDialRejected(t *testing.T) {
	gw := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := dtls.Dial(ctx, gateway.Config{Address: gw.Addr(), Identity: "intruder", PSK: []byte(testPSK)})
	require.Error(t, err)
}
