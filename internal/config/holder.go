package config

import "sync"

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The control server and the agent workers read through a
// shared Holder, so a config file reload updates every consumer at once.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file and swaps it in when it validates. On
// error the previous config stays active. Environment overrides are applied
// again so they keep precedence over the file.
func (h *Holder) Reload(env EnvOverrides) (*Config, error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	h.Update(cfg)

	return cfg, nil
}
