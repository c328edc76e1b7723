package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	storeType string
	err       error
}

func (v stubValidator) Validate(BatchStoreConfig) error { return v.err }
func (v stubValidator) Type() string                    { return v.storeType }

func TestMain(m *testing.M) {
	RegisterValidator(stubValidator{storeType: "sqlite"})
	RegisterValidator(stubValidator{storeType: "memory"})
	RegisterValidator(stubValidator{storeType: "broken", err: errors.New("always invalid")})
	os.Exit(m.Run())
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Second, cfg.Reconciler.PollInterval)
	assert.Equal(t, int64(10), cfg.Reconciler.FlushSize)
	assert.Equal(t, 60*time.Second, cfg.Reconciler.FlushAge)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL)
	assert.Zero(t, cfg.Cache.SweepInterval)
	assert.Equal(t, "sqlite", cfg.BatchStore.Type)
	require.NoError(t, Validate(cfg))
}

func TestLoadFromYAML(t *testing.T) {
	m := NewManager()
	err := m.LoadFromYAML([]byte(`
log_level: debug
batch_store:
  type: memory
reconciler:
  poll_interval: 1s
  flush_size: 25
  flush_age: 30s
cache:
  ttl: 2m
  sweep_interval: 10s
`))
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.BatchStore.Type)
	assert.Equal(t, time.Second, cfg.Reconciler.PollInterval)
	assert.Equal(t, int64(25), cfg.Reconciler.FlushSize)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.FlushAge)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Second, cfg.Cache.SweepInterval)
	// untouched sections keep their defaults
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFromJSON(t *testing.T) {
	m := NewManager()
	err := m.LoadFromJSON([]byte(`{"batch_store":{"type":"memory"},"cache":{"ttl":1000000000}}`))
	require.NoError(t, err)
	assert.Equal(t, time.Second, m.Config().Cache.TTL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("reconciler:\n  flush_size: 3\n"), 0o600))

	m := NewManager()
	require.NoError(t, m.LoadFromFile(yamlPath))
	assert.Equal(t, int64(3), m.Config().Reconciler.FlushSize)

	txtPath := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("x"), 0o600))
	assert.Error(t, m.LoadFromFile(txtPath))

	assert.Error(t, m.LoadFromFile(filepath.Join(dir, "missing.yaml")))
}

func TestLoadRejectsInvalid(t *testing.T) {
	testCases := []struct {
		desc string
		yaml string
	}{
		{desc: "unknown batch store", yaml: "batch_store:\n  type: cassandra\n"},
		{desc: "backend validator fails", yaml: "batch_store:\n  type: broken\n"},
		{desc: "zero flush age", yaml: "reconciler:\n  flush_age: 0s\n"},
		{desc: "zero cache ttl", yaml: "cache:\n  ttl: 0s\n"},
		{desc: "unknown database", yaml: "database:\n  type: postgres\n"},
		{desc: "mysql without user", yaml: "database:\n  type: mysql\n  database: likes\n"},
		{desc: "stream without topic", yaml: "stream:\n  enabled: true\n  topic: \"\"\n"},
		{desc: "malformed yaml", yaml: "reconciler: [\n"},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			m := NewManager()
			assert.Error(t, m.LoadFromYAML([]byte(tC.yaml)))
			// a failed load keeps the previous configuration
			assert.Equal(t, Default(), m.Config())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LIKEBATCH_BATCH_STORE_TYPE", "memory")
	t.Setenv("LIKEBATCH_RECONCILER_FLUSH_SIZE", "50")
	t.Setenv("LIKEBATCH_RECONCILER_FLUSH_AGE", "15s")
	t.Setenv("LIKEBATCH_CACHE_TTL", "1m30s")
	t.Setenv("LIKEBATCH_STREAM_BROKERS", "k1:9092,k2:9092")

	m := NewManager()
	require.NoError(t, m.ApplyEnv())

	cfg := m.Config()
	assert.Equal(t, "memory", cfg.BatchStore.Type)
	assert.Equal(t, int64(50), cfg.Reconciler.FlushSize)
	assert.Equal(t, 15*time.Second, cfg.Reconciler.FlushAge)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Stream.Brokers)
}

func TestApplyEnvMalformed(t *testing.T) {
	t.Setenv("LIKEBATCH_RECONCILER_FLUSH_AGE", "soon")

	m := NewManager()
	err := m.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIKEBATCH_RECONCILER_FLUSH_AGE")
	assert.Equal(t, 60*time.Second, m.Config().Reconciler.FlushAge)
}

func TestRegisterValidatorPanics(t *testing.T) {
	assert.Panics(t, func() { RegisterValidator(nil) })
	assert.Panics(t, func() { RegisterValidator(stubValidator{}) })
	assert.Panics(t, func() { RegisterValidator(stubValidator{storeType: "memory"}) })
}
