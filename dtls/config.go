package dtls

import (
	"time"

	piondtls "github.com/pion/dtls/v2"
	log "github.com/sirupsen/logrus"
)

// HandshakeObserverFunc is called after every handshake attempt.
type HandshakeObserverFunc = func(duration time.Duration, err error)

var DefaultConfig = Config{
	Network:          "udp",
	HandshakeTimeout: time.Second * 5,
	HeartBeat:        time.Millisecond * 200,
	CipherSuites:     []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	MTU:              1200,
	OnHandshake:      func(time.Duration, error) {},
}

type Config struct {
	Network          string
	HandshakeTimeout time.Duration
	HeartBeat        time.Duration
	CipherSuites     []piondtls.CipherSuiteID
	MTU              int
	Logger           log.FieldLogger
	OnHandshake      HandshakeObserverFunc
}

// Option configures Open.
type Option interface {
	ApplySession(*Config)
}

type HandshakeTimeoutOpt struct {
	timeout time.Duration
}

func (o HandshakeTimeoutOpt) ApplySession(cfg *Config) {
	cfg.HandshakeTimeout = o.timeout
}

// WithHandshakeTimeout bounds the duration of the handshake.
func WithHandshakeTimeout(timeout time.Duration) HandshakeTimeoutOpt {
	return HandshakeTimeoutOpt{timeout: timeout}
}

type CipherSuitesOpt struct {
	suites []piondtls.CipherSuiteID
}

func (o CipherSuitesOpt) ApplySession(cfg *Config) {
	cfg.CipherSuites = o.suites
}

// WithCipherSuites overrides the PSK cipher suites offered to the gateway.
func WithCipherSuites(suites ...piondtls.CipherSuiteID) CipherSuitesOpt {
	return CipherSuitesOpt{suites: suites}
}

type NetworkOpt struct {
	network string
}

func (o NetworkOpt) ApplySession(cfg *Config) {
	cfg.Network = o.network
}

// WithNetwork selects udp, udp4 or udp6.
func WithNetwork(network string) NetworkOpt {
	return NetworkOpt{network: network}
}

type HeartBeatOpt struct {
	heartBeat time.Duration
}

func (o HeartBeatOpt) ApplySession(cfg *Config) {
	cfg.HeartBeat = o.heartBeat
}

func WithHeartBeat(heartBeat time.Duration) HeartBeatOpt {
	return HeartBeatOpt{heartBeat: heartBeat}
}

type LoggerOpt struct {
	logger log.FieldLogger
}

func (o LoggerOpt) ApplySession(cfg *Config) {
	cfg.Logger = o.logger
}

func WithLogger(logger log.FieldLogger) LoggerOpt {
	return LoggerOpt{logger: logger}
}

type OnHandshakeOpt struct {
	f HandshakeObserverFunc
}

func (o OnHandshakeOpt) ApplySession(cfg *Config) {
	cfg.OnHandshake = o.f
}

// WithOnHandshake registers an observer of handshake attempts, e.g. for metrics.
func WithOnHandshake(f HandshakeObserverFunc) OnHandshakeOpt {
	return OnHandshakeOpt{f: f}
}
