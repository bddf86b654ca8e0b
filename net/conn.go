package net

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
)

// Conn is a datagram-oriented network connection that provides Read/Write with context.
// Every Read returns one datagram and every Write sends one.
//
// Multiple goroutines may invoke methods on a Conn simultaneously.
type Conn struct {
	heartBeat  time.Duration
	connection net.Conn
	closed     atomic.Bool
}

var defaultConnOptions = connOptions{
	heartBeat: time.Millisecond * 200,
}

type connOptions struct {
	heartBeat time.Duration
}

// A ConnOption sets options such as heartBeat.
type ConnOption interface {
	applyConn(*connOptions)
}

type heartBeatOpt struct {
	heartBeat time.Duration
}

func (o heartBeatOpt) applyConn(cfg *connOptions) {
	cfg.heartBeat = o.heartBeat
}

// WithHeartBeat sets how often blocked reads and writes check their context.
func WithHeartBeat(v time.Duration) ConnOption {
	return heartBeatOpt{heartBeat: v}
}

// NewConn creates connection over net.Conn.
func NewConn(c net.Conn, opts ...ConnOption) *Conn {
	cfg := defaultConnOptions
	for _, o := range opts {
		o.applyConn(&cfg)
	}
	return &Conn{
		connection: c,
		heartBeat:  cfg.heartBeat,
	}
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.connection.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.connection.RemoteAddr()
}

// Connection returns the wrapped network connection.
func (c *Conn) Connection() net.Conn {
	return c.connection
}

// Close closes the connection. Only the first call closes the underlying connection.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.connection.Close()
}

func (c *Conn) checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return nil
}

// WriteWithContext sends data as a single datagram.
func (c *Conn) WriteWithContext(ctx context.Context, data []byte) error {
	for {
		if err := c.checkCtx(ctx); err != nil {
			return err
		}
		deadline := time.Now().Add(c.heartBeat)
		err := c.connection.SetWriteDeadline(deadline)
		if err != nil {
			return fmt.Errorf("cannot set write deadline for connection: %w", err)
		}
		n, err := c.connection.Write(data)
		if err != nil {
			if isTemporary(err, deadline) {
				continue
			}
			if c.closed.Load() {
				return ErrConnectionClosed
			}
			return err
		}
		if n != len(data) {
			return fmt.Errorf("cannot write whole datagram: written %v of %v bytes", n, len(data))
		}
		return nil
	}
}

// ReadWithContext receives one datagram into buffer.
func (c *Conn) ReadWithContext(ctx context.Context, buffer []byte) (int, error) {
	for {
		if err := c.checkCtx(ctx); err != nil {
			return -1, err
		}
		deadline := time.Now().Add(c.heartBeat)
		err := c.connection.SetReadDeadline(deadline)
		if err != nil {
			return -1, fmt.Errorf("cannot set read deadline for connection: %w", err)
		}
		n, err := c.connection.Read(buffer)
		if err != nil {
			if isTemporary(err, deadline) {
				continue
			}
			if c.closed.Load() {
				return -1, ErrConnectionClosed
			}
			return -1, err
		}
		return n, nil
	}
}
