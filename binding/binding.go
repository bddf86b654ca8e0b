// Package binding is the boundary used by foreign callers: SetGateway does not report
// errors and Request returns the response payload as text, or "" on any failure.
// Failures are logged.
package binding

import (
	"context"
	"sync"

	coap "github.com/plgd-dev/go-coap-gateway"
	log "github.com/sirupsen/logrus"
)

// Adapter collapses the errors of a client into log entries.
type Adapter struct {
	client *coap.Client
	logger log.FieldLogger
}

func NewAdapter(client *coap.Client, logger log.FieldLogger) *Adapter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Adapter{
		client: client,
		logger: logger,
	}
}

// SetGateway replaces the gateway of the client. An invalid gateway is logged and ignored.
func (a *Adapter) SetGateway(address, identity, psk string) {
	if err := a.client.SetGateway(address, identity, []byte(psk)); err != nil {
		a.logger.WithError(err).WithFields(log.Fields{
			"address":  address,
			"identity": identity,
		}).Error("cannot set gateway")
	}
}

// Request sends a GET for uriPath and returns the payload of the response.
func (a *Adapter) Request(uriPath string) string {
	payload, err := a.client.Request(context.Background(), uriPath)
	if err != nil {
		a.logger.WithError(err).WithField("path", uriPath).Error("request failed")
		return ""
	}
	return string(payload)
}

var (
	defaultAdapter     *Adapter
	defaultAdapterOnce sync.Once
)

// Default returns the adapter behind SetGateway and Request, creating it on first use.
func Default() *Adapter {
	defaultAdapterOnce.Do(func() {
		defaultAdapter = NewAdapter(coap.New(nil), nil)
	})
	return defaultAdapter
}

func SetGateway(address, identity, psk string) {
	Default().SetGateway(address, identity, psk)
}

func Request(uriPath string) string {
	return Default().Request(uriPath)
}
