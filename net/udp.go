package net

import (
	"context"
	"fmt"
	"net"
)

// DialUDP opens a UDP socket bound to an ephemeral local port and connected to address.
func DialUDP(ctx context.Context, network, address string) (*net.UDPConn, error) {
	if network == "" {
		network = "udp"
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %v: %w", address, err)
	}
	udpConn, ok := c.(*net.UDPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("cannot dial %v: unsupported network %v", address, network)
	}
	return udpConn, nil
}

// ListenUDP binds a UDP socket. Used to run a local peer in tests and tools.
func ListenUDP(network, address string) (*net.UDPConn, error) {
	if network == "" {
		network = "udp"
	}
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve address %v: %w", address, err)
	}
	return net.ListenUDP(network, addr)
}
