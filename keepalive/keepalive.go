// Package keepalive detects a dead gateway by pinging an idle session.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrKeepAliveDeadlineExceeded = errors.New("keepalive: deadline exceeded")

// Conn is a connection that can be pinged.
type Conn interface {
	Ping(ctx context.Context) error
	Done() <-chan struct{}
	Close(reason error) error
}

type (
	RetryFunc        = func() (when time.Time, err error)
	RetryFuncFactory = func() RetryFunc
)

// Config KeepAlive config
type Config struct {
	// Interval between two successful pings
	Interval time.Duration
	// WaitForPong bounds a single ping including its retransmissions.
	WaitForPong time.Duration
	// NewRetryPolicy creates retry policy for the connection when ping fails.
	NewRetryPolicy RetryFuncFactory
}

// MakeConfig creates a policy that detects a dead gateway within the connTimeout limit
// while attempting to make 3 pings during that period.
func MakeConfig(connTimeout time.Duration) Config {
	duration := connTimeout / 6
	return Config{
		Interval:    duration,
		WaitForPong: duration,
		NewRetryPolicy: func() RetryFunc {
			// the first failure is detected 2*duration after the previous successful ping
			start := time.Now()
			attempt := time.Duration(1)
			return func() (time.Time, error) {
				attempt++
				if time.Since(start) <= 2*2*duration {
					return start.Add(attempt * duration), nil
				}
				return time.Time{}, ErrKeepAliveDeadlineExceeded
			}
		},
	}
}

type KeepAlive struct {
	cfg Config
}

// New creates a keepalive policy. The zero Config is replaced by MakeConfig(time.Minute).
func New(cfg Config) *KeepAlive {
	if cfg.Interval <= 0 || cfg.WaitForPong <= 0 || cfg.NewRetryPolicy == nil {
		cfg = MakeConfig(time.Minute)
	}
	return &KeepAlive{cfg: cfg}
}

func (k *KeepAlive) ping(ctx context.Context, cc Conn) error {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.WaitForPong)
	defer cancel()
	return cc.Ping(ctx)
}

// Run pings cc until ctx is canceled or cc is closed. When the gateway stops answering,
// cc is closed with an error matching ErrKeepAliveDeadlineExceeded, which is also returned.
func (k *KeepAlive) Run(ctx context.Context, cc Conn) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cc.Done():
			return nil
		case <-ticker.C:
		}
		err := k.ping(ctx, cc)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-cc.Done():
			return nil
		default:
		}
		if err = k.retry(ctx, cc, err); err != nil {
			_ = cc.Close(err)
			return err
		}
	}
}

// retry pings cc by the retry policy until a ping succeeds or the policy gives up.
func (k *KeepAlive) retry(ctx context.Context, cc Conn, pingErr error) error {
	retryPolicy := k.cfg.NewRetryPolicy()
	for {
		when, err := retryPolicy()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrKeepAliveDeadlineExceeded, pingErr)
		}
		timer := time.NewTimer(time.Until(when))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-cc.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if pingErr = k.ping(ctx, cc); pingErr == nil {
			return nil
		}
	}
}
