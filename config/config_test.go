package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeUnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{in: "1152", want: 1152},
		{in: "1152B", want: 1152},
		{in: "1KiB", want: 1024},
		{in: " 64B ", want: 64},
		{in: "lots", wantErr: true},
		{in: "5GiB", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s Size
			err := s.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, log.InfoLevel, cfg.Level())
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, 1.5, cfg.AckRandomFactor)
	assert.Equal(t, uint32(4), cfg.MaxRetransmit)
	assert.Equal(t, 30*time.Second, cfg.SeparateResponseTimeout)
	assert.Equal(t, int64(32), cfg.MaxInFlight)
	assert.Equal(t, Size(1152), cfg.MaxMessageSize)
	assert.False(t, cfg.HasGateway())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COAP_GATEWAY", "192.0.2.1:5684")
	t.Setenv("COAP_IDENTITY", "client-1")
	t.Setenv("COAP_PSK", "secretPSK")
	t.Setenv("COAP_LOG_LEVEL", "debug")
	t.Setenv("COAP_ACK_TIMEOUT", "500ms")
	t.Setenv("COAP_MAX_MESSAGE_SIZE", "1KiB")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.HasGateway())
	assert.Equal(t, "192.0.2.1:5684", cfg.Gateway)
	assert.Equal(t, "client-1", cfg.Identity)
	assert.Equal(t, "secretPSK", cfg.PSK)
	assert.Equal(t, log.DebugLevel, cfg.Level())
	assert.Equal(t, 500*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, Size(1024), cfg.MaxMessageSize)

	opts, err := cfg.ClientOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	t.Setenv("COAP_KEEPALIVE_TIMEOUT", "30s")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveTimeout)
	opts, err = cfg.ClientOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coap.env")
	require.NoError(t, os.WriteFile(path, []byte("COAP_GATEWAY=gw.local\nCOAP_IDENTITY=from-file\nCOAP_MAX_IN_FLIGHT=8\n"), 0o600))
	t.Setenv("COAP_IDENTITY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw.local", cfg.Gateway)
	assert.Equal(t, "from-env", cfg.Identity)
	assert.Equal(t, int64(8), cfg.MaxInFlight)
	_, ok := os.LookupEnv("COAP_GATEWAY")
	assert.False(t, ok)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "log level", key: "COAP_LOG_LEVEL", value: "loud"},
		{name: "duration", key: "COAP_ACK_TIMEOUT", value: "soon"},
		{name: "random factor", key: "COAP_ACK_RANDOM_FACTOR", value: "0.5"},
		{name: "in flight", key: "COAP_MAX_IN_FLIGHT", value: "0"},
		{name: "message size", key: "COAP_MAX_MESSAGE_SIZE", value: "2B"},
		{name: "handshake timeout", key: "COAP_HANDSHAKE_TIMEOUT", value: "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
