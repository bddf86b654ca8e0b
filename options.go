package coap

import (
	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/keepalive"
	"github.com/plgd-dev/go-coap-gateway/metrics"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
	log "github.com/sirupsen/logrus"
)

// Config of a Client.
type Config struct {
	Logger         log.FieldLogger
	SessionOptions []dtls.Option
	ConnOptions    []udpClient.Option
	// KeepAlive pings the gateway of an idle session, nil disables it.
	KeepAlive *keepalive.KeepAlive
}

// Option configures New.
type Option interface {
	ApplyClient(*Config)
}

type LoggerOpt struct {
	logger log.FieldLogger
}

func (o LoggerOpt) ApplyClient(cfg *Config) {
	cfg.Logger = o.logger
}

// WithLogger sets the logger of the client and of every session and connection it opens.
func WithLogger(logger log.FieldLogger) LoggerOpt {
	return LoggerOpt{logger: logger}
}

type SessionOpt struct {
	opts []dtls.Option
}

func (o SessionOpt) ApplyClient(cfg *Config) {
	cfg.SessionOptions = append(cfg.SessionOptions, o.opts...)
}

// WithSessionOptions passes options to every DTLS handshake.
func WithSessionOptions(opts ...dtls.Option) SessionOpt {
	return SessionOpt{opts: opts}
}

type ConnOpt struct {
	opts []udpClient.Option
}

func (o ConnOpt) ApplyClient(cfg *Config) {
	cfg.ConnOptions = append(cfg.ConnOptions, o.opts...)
}

// WithConnOptions passes options to the request engine of every session.
func WithConnOptions(opts ...udpClient.Option) ConnOpt {
	return ConnOpt{opts: opts}
}

type MetricsOpt struct {
	m *metrics.Metrics
}

func (o MetricsOpt) ApplyClient(cfg *Config) {
	cfg.SessionOptions = append(cfg.SessionOptions, dtls.WithOnHandshake(o.m.ObserveHandshake))
	cfg.ConnOptions = append(cfg.ConnOptions, udpClient.WithObserver(o.m))
}

// WithMetrics reports requests and handshakes to m.
func WithMetrics(m *metrics.Metrics) MetricsOpt {
	return MetricsOpt{m: m}
}

type KeepAliveOpt struct {
	k *keepalive.KeepAlive
}

func (o KeepAliveOpt) ApplyClient(cfg *Config) {
	cfg.KeepAlive = o.k
}

// WithKeepAlive detects a dead gateway by pinging it. Requests in flight on a dead
// session are retried over a new one.
func WithKeepAlive(cfg keepalive.Config) KeepAliveOpt {
	return KeepAliveOpt{k: keepalive.New(cfg)}
}
