// Package metrics exports Prometheus instrumentation of the CoAP client.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
	"github.com/plgd-dev/go-coap-gateway/udp/client"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultTimeout  = "timeout"
	resultReset    = "reset"
	resultCanceled = "canceled"
	resultError    = "error"
	resultOK       = "ok"
)

// Metrics implements client.Observer and observes DTLS handshakes.
type Metrics struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	retransmissions   *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Number of finished requests by method and result.",
		}, []string{"method", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests including retransmissions.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_in_flight",
			Help:      "Number of requests waiting for a response.",
		}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "retransmissions_total",
			Help:      "Number of retransmitted Confirmable requests.",
		}, []string{"method"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dtls",
			Name:      "handshakes_total",
			Help:      "Number of DTLS handshakes by result.",
		}, []string{"result"}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dtls",
			Name:      "handshake_duration_seconds",
			Help:      "Duration of DTLS handshakes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.requestDuration, m.inFlight, m.retransmissions, m.handshakes, m.handshakeDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RequestStarted(codes.Code) {
	m.inFlight.Inc()
}

func (m *Metrics) RequestFinished(method codes.Code, resp *message.Message, err error, duration time.Duration) {
	m.inFlight.Dec()
	m.requestDuration.WithLabelValues(method.String()).Observe(duration.Seconds())
	m.requests.WithLabelValues(method.String(), requestResult(resp, err)).Inc()
}

func (m *Metrics) Retransmitted(method codes.Code) {
	m.retransmissions.WithLabelValues(method.String()).Inc()
}

// ObserveHandshake matches dtls.HandshakeObserverFunc.
func (m *Metrics) ObserveHandshake(duration time.Duration, err error) {
	m.handshakeDuration.Observe(duration.Seconds())
	result := resultOK
	switch {
	case errors.Is(err, dtls.ErrHandshakeTimeout):
		result = resultTimeout
	case err != nil:
		result = resultError
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// requestResult is the dotted response code, or the kind of failure when there is no response.
func requestResult(resp *message.Message, err error) string {
	if resp != nil {
		return resp.Code.Dotted()
	}
	switch {
	case errors.Is(err, client.ErrRequestTimedOut):
		return resultTimeout
	case errors.Is(err, client.ErrRequestReset):
		return resultReset
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resultCanceled
	}
	return resultError
}
