package gateway

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the IANA port of CoAP over DTLS.
const DefaultPort = 5684

// Config identifies the gateway and the pre-shared key used to reach it.
type Config struct {
	Address  string
	Identity string
	PSK      []byte
}

// NormalizeAddress appends DefaultPort to an address without a port.
func NormalizeAddress(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(DefaultPort))
}

func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidConfig)
	}
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("%w: address %v: %w", ErrInvalidConfig, c.Address, err)
	}
	if host == "" {
		return fmt.Errorf("%w: address %v: missing host", ErrInvalidConfig, c.Address)
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return fmt.Errorf("%w: address %v: invalid port", ErrInvalidConfig, c.Address)
	}
	if c.Identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidConfig)
	}
	if len(c.PSK) == 0 {
		return fmt.Errorf("%w: empty psk", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a copy that does not share the key material.
func (c Config) Clone() Config {
	c.PSK = append([]byte(nil), c.PSK...)
	return c
}

func (c Config) String() string {
	return fmt.Sprintf("gateway %v (identity %v)", c.Address, c.Identity)
}
