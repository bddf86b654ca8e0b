package gateway

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry holds the single gateway configuration of a process.
// Change hooks run under the registry lock, before the new configuration becomes visible,
// so users of the old gateway are quiesced first.
type Registry struct {
	mutex   sync.RWMutex
	cfg     *Config
	version uint64
	hooks   []func(version uint64)
	logger  log.FieldLogger
}

func NewRegistry(logger log.FieldLogger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{logger: logger}
}

// OnChange registers f to be called with the new version whenever the configuration is
// replaced or cleared. f must not call back into the registry.
func (r *Registry) OnChange(f func(version uint64)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.hooks = append(r.hooks, f)
}

// Set validates cfg and installs it as the current gateway. An address without a port
// gets DefaultPort. On error the previous configuration stays in place.
func (r *Registry) Set(cfg Config) error {
	cfg = cfg.Clone()
	if cfg.Address != "" {
		cfg.Address = NormalizeAddress(cfg.Address)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.version++
	for _, h := range r.hooks {
		h(r.version)
	}
	r.cfg = &cfg
	r.logger.WithFields(log.Fields{
		"address":  cfg.Address,
		"identity": cfg.Identity,
		"version":  r.version,
	}).Info("gateway configured")
	return nil
}

// Clear removes the gateway. Subsequent Get calls return ErrNotConfigured.
func (r *Registry) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cfg == nil {
		return
	}
	r.version++
	for _, h := range r.hooks {
		h(r.version)
	}
	r.cfg = nil
	r.logger.WithField("version", r.version).Info("gateway cleared")
}

// Get returns a copy of the current configuration.
func (r *Registry) Get() (Config, error) {
	cfg, _, err := r.Current()
	return cfg, err
}

// Current returns a copy of the current configuration with its version.
func (r *Registry) Current() (Config, uint64, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.cfg == nil {
		return Config{}, r.version, ErrNotConfigured
	}
	return r.cfg.Clone(), r.version, nil
}

// Version returns the number of configuration changes so far.
func (r *Registry) Version() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.version
}
