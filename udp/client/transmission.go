package client

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetransmissionBackOff returns the CoAP retransmission schedule: the first interval
// is random in [ackTimeout, ackTimeout*randomFactor] and every next one doubles.
func newRetransmissionBackOff(ackTimeout time.Duration, randomFactor float64) backoff.BackOff {
	if randomFactor < 1 {
		randomFactor = 1
	}
	b := backoff.NewExponentialBackOff()
	// backoff randomizes symmetrically around the interval
	b.InitialInterval = time.Duration(float64(ackTimeout) * (1 + randomFactor) / 2)
	b.RandomizationFactor = (randomFactor - 1) / (randomFactor + 1)
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64 / 4)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
