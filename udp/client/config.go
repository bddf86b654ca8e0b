package client

import (
	"time"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/udp/coder"
	log "github.com/sirupsen/logrus"
)

// https://datatracker.ietf.org/doc/html/rfc7252#section-4.8.2
const ExchangeLifetime = 247 * time.Second

type (
	GetMIDFunc   = func() uint16
	GetTokenFunc = func() (message.Token, error)
)

var DefaultConfig = Config{
	TransmissionAcknowledgeTimeout: time.Second * 2,
	TransmissionAckRandomFactor:    1.5,
	TransmissionMaxRetransmit:      4,
	SeparateResponseTimeout:        time.Second * 30,
	MaxInFlight:                    32,
	Coder:                          coder.DefaultCoder,
	GetMID:                         message.GetMID,
	GetToken:                       message.GetToken,
	Observer:                       nilObserver{},
}

type Config struct {
	// Initial retransmission timeout is random in [TransmissionAcknowledgeTimeout, TransmissionAcknowledgeTimeout*TransmissionAckRandomFactor].
	TransmissionAcknowledgeTimeout time.Duration
	TransmissionAckRandomFactor    float64
	TransmissionMaxRetransmit      uint32
	// SeparateResponseTimeout bounds the wait for a response after an empty ACK
	// and for the response to a NonConfirmable request.
	SeparateResponseTimeout time.Duration
	MaxInFlight             int64
	Coder                   *coder.Coder
	GetMID                  GetMIDFunc
	GetToken                GetTokenFunc
	Logger                  log.FieldLogger
	Observer                Observer
}

// Option configures a Conn.
type Option interface {
	ApplyConn(*Config)
}

type TransmissionOpt struct {
	acknowledgeTimeout time.Duration
	randomFactor       float64
	maxRetransmit      uint32
}

func (o TransmissionOpt) ApplyConn(cfg *Config) {
	cfg.TransmissionAcknowledgeTimeout = o.acknowledgeTimeout
	cfg.TransmissionAckRandomFactor = o.randomFactor
	cfg.TransmissionMaxRetransmit = o.maxRetransmit
}

// WithTransmission sets ACK_TIMEOUT, ACK_RANDOM_FACTOR and MAX_RETRANSMIT.
func WithTransmission(acknowledgeTimeout time.Duration, randomFactor float64, maxRetransmit uint32) TransmissionOpt {
	return TransmissionOpt{
		acknowledgeTimeout: acknowledgeTimeout,
		randomFactor:       randomFactor,
		maxRetransmit:      maxRetransmit,
	}
}

type SeparateResponseTimeoutOpt struct {
	timeout time.Duration
}

func (o SeparateResponseTimeoutOpt) ApplyConn(cfg *Config) {
	cfg.SeparateResponseTimeout = o.timeout
}

func WithSeparateResponseTimeout(timeout time.Duration) SeparateResponseTimeoutOpt {
	return SeparateResponseTimeoutOpt{timeout: timeout}
}

type MaxInFlightOpt struct {
	limit int64
}

func (o MaxInFlightOpt) ApplyConn(cfg *Config) {
	cfg.MaxInFlight = o.limit
}

// WithMaxInFlight limits the number of concurrently outstanding requests.
func WithMaxInFlight(limit int64) MaxInFlightOpt {
	return MaxInFlightOpt{limit: limit}
}

type CoderOpt struct {
	coder *coder.Coder
}

func (o CoderOpt) ApplyConn(cfg *Config) {
	cfg.Coder = o.coder
}

// WithCoder sets the codec, and with it the maximum message size.
func WithCoder(c *coder.Coder) CoderOpt {
	return CoderOpt{coder: c}
}

type GetTokenOpt struct {
	getToken GetTokenFunc
}

func (o GetTokenOpt) ApplyConn(cfg *Config) {
	cfg.GetToken = o.getToken
}

func WithGetToken(getToken GetTokenFunc) GetTokenOpt {
	return GetTokenOpt{getToken: getToken}
}

type GetMIDOpt struct {
	getMID GetMIDFunc
}

func (o GetMIDOpt) ApplyConn(cfg *Config) {
	cfg.GetMID = o.getMID
}

func WithGetMID(getMID GetMIDFunc) GetMIDOpt {
	return GetMIDOpt{getMID: getMID}
}

type LoggerOpt struct {
	logger log.FieldLogger
}

func (o LoggerOpt) ApplyConn(cfg *Config) {
	cfg.Logger = o.logger
}

func WithLogger(logger log.FieldLogger) LoggerOpt {
	return LoggerOpt{logger: logger}
}

type ObserverOpt struct {
	observer Observer
}

func (o ObserverOpt) ApplyConn(cfg *Config) {
	cfg.Observer = o.observer
}

// WithObserver reports request outcomes, e.g. to metrics.
func WithObserver(observer Observer) ObserverOpt {
	return ObserverOpt{observer: observer}
}
