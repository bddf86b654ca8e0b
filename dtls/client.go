package dtls

import (
	"context"

	"github.com/plgd-dev/go-coap-gateway/gateway"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
)

// Dial opens a session to the gateway and returns a connection ready for requests.
// Closing the connection closes the session.
func Dial(ctx context.Context, gw gateway.Config, opts ...udpClient.Option) (*udpClient.Conn, error) {
	s, err := Open(ctx, gw)
	if err != nil {
		return nil, err
	}
	return Client(s, opts...), nil
}

// Client creates a connection over an established session and starts its receive loop.
func Client(s *Session, opts ...udpClient.Option) *udpClient.Conn {
	opts = append([]udpClient.Option{udpClient.WithLogger(s.logger)}, opts...)
	cc := udpClient.NewConn(s, opts...)
	go func() {
		if err := cc.Run(context.Background()); err != nil {
			s.logger.WithError(err).Debug("receive loop stopped")
		}
	}()
	return cc
}
