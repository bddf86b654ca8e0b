package dtls

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap-gateway/gateway"
	coapNet "github.com/plgd-dev/go-coap-gateway/net"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Session is an established DTLS-PSK association with a gateway. Writes are encrypted
// before they are sent, reads return decrypted datagrams.
//
// Multiple goroutines may invoke methods on a Session simultaneously.
type Session struct {
	connection *coapNet.Conn
	logger     log.FieldLogger
	done       chan struct{}
	closeOnce  sync.Once
	expired    atomic.Bool
	mtu        int
}

// Open dials the gateway from an ephemeral local port and performs the PSK handshake.
// The identity is offered as the PSK identity.
func Open(ctx context.Context, gw gateway.Config, opts ...Option) (*Session, error) {
	cfg := DefaultConfig
	for _, o := range opts {
		o.ApplySession(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.OnHandshake == nil {
		cfg.OnHandshake = DefaultConfig.OnHandshake
	}
	address := gateway.NormalizeAddress(gw.Address)
	logger := cfg.Logger.WithFields(log.Fields{
		"address":  address,
		"identity": gw.Identity,
	})

	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	start := time.Now()
	s, err := handshake(handshakeCtx, address, gw, &cfg)
	cfg.OnHandshake(time.Since(start), err)
	if err != nil {
		logger.WithError(err).Warn("cannot establish dtls session")
		return nil, err
	}
	s.logger = logger.WithField("local", s.LocalAddr().String())
	s.logger.Debug("dtls session established")
	return s, nil
}

func handshake(ctx context.Context, address string, gw gateway.Config, cfg *Config) (*Session, error) {
	udpConn, err := coapNet.DialUDP(ctx, cfg.Network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	psk := append([]byte(nil), gw.PSK...)
	dtlsCfg := &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: []byte(gw.Identity),
		CipherSuites:    cfg.CipherSuites,
		MTU:             cfg.MTU,
	}
	dtlsConn, err := piondtls.ClientWithContext(ctx, udpConn, dtlsCfg)
	if err != nil {
		_ = udpConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v: %w", ErrHandshakeTimeout, address, err)
		}
		return nil, fmt.Errorf("%w: %v: %w", ErrHandshakeFailed, address, err)
	}
	return &Session{
		connection: coapNet.NewConn(dtlsConn, coapNet.WithHeartBeat(cfg.HeartBeat)),
		done:       make(chan struct{}),
		mtu:        cfg.MTU,
	}, nil
}

// Done is closed when the session is closed or expired.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Expired reports whether the session can no longer be used.
func (s *Session) Expired() bool {
	return s.expired.Load()
}

// MTU is the size of the buffer needed to read any datagram of the session.
func (s *Session) MTU() int {
	return s.mtu
}

func (s *Session) LocalAddr() net.Addr {
	return s.connection.LocalAddr()
}

func (s *Session) RemoteAddr() net.Addr {
	return s.connection.RemoteAddr()
}

// Close sends close_notify to the gateway and releases the socket.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.expired.Store(true)
		close(s.done)
		err = s.connection.Close()
		if s.logger != nil {
			s.logger.Debug("dtls session closed")
		}
	})
	return err
}

func (s *Session) expire(err error) error {
	_ = s.Close()
	return fmt.Errorf("%w: %w", ErrSessionExpired, err)
}

// WriteWithContext encrypts data and sends it as one record.
func (s *Session) WriteWithContext(ctx context.Context, data []byte) error {
	if s.expired.Load() {
		return ErrSessionExpired
	}
	err := s.connection.WriteWithContext(ctx, data)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.expire(fmt.Errorf("cannot write to connection: %w", err))
}

// ReadWithContext receives one record and returns the size of the decrypted data in buffer.
func (s *Session) ReadWithContext(ctx context.Context, buffer []byte) (int, error) {
	if s.expired.Load() {
		return -1, ErrSessionExpired
	}
	n, err := s.connection.ReadWithContext(ctx, buffer)
	if err == nil {
		return n, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, s.expire(fmt.Errorf("cannot read from connection: %w", err))
}
