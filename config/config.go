// Package config loads the client configuration from COAP_ environment variables and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	coap "github.com/plgd-dev/go-coap-gateway"
	"github.com/plgd-dev/go-coap-gateway/dtls"
	"github.com/plgd-dev/go-coap-gateway/keepalive"
	udpClient "github.com/plgd-dev/go-coap-gateway/udp/client"
	"github.com/plgd-dev/go-coap-gateway/udp/coder"
	log "github.com/sirupsen/logrus"
)

const (
	EnvPrefix      = "COAP_"
	defaultEnvFile = ".env"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Size is a byte count written as "1152", "1152B" or "1KiB".
type Size uint32

func (s *Size) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		*s = Size(n)
		return nil
	}
	n, err := units.ParseBase2Bytes(v)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	if n < 0 || n > units.Base2Bytes(^uint32(0)) {
		return fmt.Errorf("invalid size %q: out of range", v)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return units.Base2Bytes(s).String()
}

type Config struct {
	Gateway  string `env:"GATEWAY"`
	Identity string `env:"IDENTITY"`
	PSK      string `env:"PSK"`

	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`

	HandshakeTimeout        time.Duration `env:"HANDSHAKE_TIMEOUT"         envDefault:"5s"`
	AckTimeout              time.Duration `env:"ACK_TIMEOUT"               envDefault:"2s"`
	AckRandomFactor         float64       `env:"ACK_RANDOM_FACTOR"         envDefault:"1.5"`
	MaxRetransmit           uint32        `env:"MAX_RETRANSMIT"            envDefault:"4"`
	SeparateResponseTimeout time.Duration `env:"SEPARATE_RESPONSE_TIMEOUT" envDefault:"30s"`
	MaxInFlight             int64         `env:"MAX_IN_FLIGHT"             envDefault:"32"`
	MaxMessageSize          Size          `env:"MAX_MESSAGE_SIZE"          envDefault:"1152B"`
	// KeepAliveTimeout is the time to detect a dead gateway, 0 disables pings.
	KeepAliveTimeout        time.Duration `env:"KEEPALIVE_TIMEOUT"         envDefault:"0s"`
}

// Load reads the configuration from the environment. Variables missing from the
// environment are taken from envFiles, or from ./.env when it exists and no file is given.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(defaultEnvFile); err == nil {
			envFiles = []string{defaultEnvFile}
		}
	}
	environment := env.ToMap(os.Environ())
	if len(envFiles) > 0 {
		vars, err := godotenv.Read(envFiles...)
		if err != nil {
			return Config{}, fmt.Errorf("cannot read env file: %w", err)
		}
		for k, v := range vars {
			if _, ok := environment[k]; !ok {
				environment[k] = v
			}
		}
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return Config{}, fmt.Errorf("cannot parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalidConfig, err)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake timeout %v", ErrInvalidConfig, c.HandshakeTimeout)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout %v", ErrInvalidConfig, c.AckTimeout)
	}
	if c.AckRandomFactor < 1 {
		return fmt.Errorf("%w: ack random factor %v is less than 1", ErrInvalidConfig, c.AckRandomFactor)
	}
	if c.SeparateResponseTimeout <= 0 {
		return fmt.Errorf("%w: separate response timeout %v", ErrInvalidConfig, c.SeparateResponseTimeout)
	}
	if c.KeepAliveTimeout < 0 {
		return fmt.Errorf("%w: keepalive timeout %v", ErrInvalidConfig, c.KeepAliveTimeout)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("%w: max in flight %v", ErrInvalidConfig, c.MaxInFlight)
	}
	if _, err := coder.NewCoder(int(c.MaxMessageSize)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level is the parsed LogLevel, info when it is invalid.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// HasGateway reports whether the gateway is configured by the environment.
func (c Config) HasGateway() bool {
	return c.Gateway != ""
}

// ClientOptions translates the configuration to options of coap.New.
func (c Config) ClientOptions() ([]coap.Option, error) {
	cd, err := coder.NewCoder(int(c.MaxMessageSize))
	if err != nil {
		return nil, err
	}
	opts := []coap.Option{
		coap.WithSessionOptions(dtls.WithHandshakeTimeout(c.HandshakeTimeout)),
		coap.WithConnOptions(
			udpClient.WithTransmission(c.AckTimeout, c.AckRandomFactor, c.MaxRetransmit),
			udpClient.WithSeparateResponseTimeout(c.SeparateResponseTimeout),
			udpClient.WithMaxInFlight(c.MaxInFlight),
			udpClient.WithCoder(cd),
		),
	}
	if c.KeepAliveTimeout > 0 {
		opts = append(opts, coap.WithKeepAlive(keepalive.MakeConfig(c.KeepAliveTimeout)))
	}
	return opts, nil
}
