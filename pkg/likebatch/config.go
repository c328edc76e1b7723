package likebatch

import (
	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Config is the root configuration of a likebatch client.
type Config = config.Config

// DefaultConfig returns a configuration with sensible defaults: SQLite for
// both stores, a 5s reconciler poll, a 10 like / 60s flush policy and a 60s
// read cache.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML or JSON file over the defaults, then applies
// LIKEBATCH_* environment overrides. An empty path only applies the
// environment.
func LoadConfig(path string) (*Config, error) {
	m := config.NewManager()
	if path != "" {
		if err := m.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := m.ApplyEnv(); err != nil {
		return nil, err
	}
	return m.Config(), nil
}

func reconcilerConfig(cfg config.ReconcilerConfig) ReconcilerConfig {
	return ReconcilerConfig{
		PollInterval: cfg.PollInterval,
		Policy: core.FlushPolicy{
			Size: cfg.FlushSize,
			Age:  cfg.FlushAge,
		},
		MaxFlushRate: cfg.MaxFlushRate,
	}
}
