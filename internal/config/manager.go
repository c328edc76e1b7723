package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "LIKEBATCH"

// Validator checks the backend specific part of a batch store
// configuration. Each batch store backend registers one for its type.
type Validator interface {
	Validate(cfg BatchStoreConfig) error
	Type() string
}

var (
	validatorRegistry      = make(map[string]Validator)
	validatorRegistryMutex sync.RWMutex
)

// RegisterValidator registers a batch store validator. It is called from
// the backends' init functions and panics on nil, empty or duplicate types.
func RegisterValidator(v Validator) {
	if v == nil {
		panic("validator cannot be nil")
	}
	if v.Type() == "" {
		panic("validator type cannot be empty")
	}

	validatorRegistryMutex.Lock()
	defer validatorRegistryMutex.Unlock()

	if _, exists := validatorRegistry[v.Type()]; exists {
		panic(fmt.Sprintf("validator for type %q is already registered", v.Type()))
	}
	validatorRegistry[v.Type()] = v
}

// GetValidator returns the validator registered for the batch store type.
func GetValidator(storeType string) (Validator, bool) {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()

	v, ok := validatorRegistry[storeType]
	return v, ok
}

// Manager loads configuration from files, raw data and the environment.
type Manager struct {
	config *Config
}

// NewManager returns a manager holding the default configuration.
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// LoadFromFile loads configuration from a YAML or JSON file, picked by the
// file extension.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return m.LoadFromYAML(data)
	case ".json":
		return m.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML loads configuration from YAML data on top of the defaults.
// Durations are written as Go duration strings ("5s").
func (m *Manager) LoadFromYAML(data []byte) error {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	return m.set(cfg)
}

// LoadFromJSON loads configuration from JSON data on top of the defaults.
// Durations are integer nanoseconds.
func (m *Manager) LoadFromJSON(data []byte) error {
	cfg := Default()
	if len(data) > 0 {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	return m.set(cfg)
}

func (m *Manager) set(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m.config = cfg
	return nil
}

// ApplyEnv overrides the current configuration from LIKEBATCH_<SECTION>_<KEY>
// environment variables, for example:
//   - LIKEBATCH_BATCH_STORE_TYPE=redis
//   - LIKEBATCH_BATCH_STORE_REDIS_ENDPOINTS=localhost:6379,localhost:6380
//   - LIKEBATCH_RECONCILER_FLUSH_AGE=30s
//   - LIKEBATCH_CACHE_TTL=1m
func (m *Manager) ApplyEnv() error {
	cfg := *m.config
	e := &envReader{lookup: os.LookupEnv}

	e.stringVar("SERVER_ADDR", &cfg.Server.Addr)
	e.stringVar("LOG_LEVEL", &cfg.LogLevel)

	e.stringVar("DATABASE_TYPE", &cfg.Database.Type)
	e.stringVar("DATABASE_HOST", &cfg.Database.Host)
	e.intVar("DATABASE_PORT", &cfg.Database.Port)
	e.stringVar("DATABASE_DATABASE", &cfg.Database.Database)
	e.stringVar("DATABASE_USERNAME", &cfg.Database.Username)
	e.stringVar("DATABASE_PASSWORD", &cfg.Database.Password)
	e.stringVar("DATABASE_DSN", &cfg.Database.DSN)
	e.intVar("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	e.intVar("DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)

	e.stringVar("BATCH_STORE_TYPE", &cfg.BatchStore.Type)
	e.stringVar("BATCH_STORE_SQLITE_PATH", &cfg.BatchStore.SQLite.Path)
	e.listVar("BATCH_STORE_REDIS_ENDPOINTS", &cfg.BatchStore.Redis.Endpoints)
	e.boolVar("BATCH_STORE_REDIS_CLUSTER_MODE", &cfg.BatchStore.Redis.ClusterMode)
	e.stringVar("BATCH_STORE_REDIS_PASSWORD", &cfg.BatchStore.Redis.Password)
	e.intVar("BATCH_STORE_REDIS_DB", &cfg.BatchStore.Redis.DB)
	e.intVar("BATCH_STORE_REDIS_POOL_SIZE", &cfg.BatchStore.Redis.PoolSize)
	e.stringVar("BATCH_STORE_REDIS_KEY_PREFIX", &cfg.BatchStore.Redis.KeyPrefix)
	e.stringVar("BATCH_STORE_DYNAMODB_REGION", &cfg.BatchStore.DynamoDB.Region)
	e.stringVar("BATCH_STORE_DYNAMODB_TABLE_NAME", &cfg.BatchStore.DynamoDB.TableName)
	e.stringVar("BATCH_STORE_DYNAMODB_ENDPOINT", &cfg.BatchStore.DynamoDB.Endpoint)

	e.durationVar("RECONCILER_POLL_INTERVAL", &cfg.Reconciler.PollInterval)
	e.int64Var("RECONCILER_FLUSH_SIZE", &cfg.Reconciler.FlushSize)
	e.durationVar("RECONCILER_FLUSH_AGE", &cfg.Reconciler.FlushAge)
	e.floatVar("RECONCILER_MAX_FLUSH_RATE", &cfg.Reconciler.MaxFlushRate)

	e.durationVar("CACHE_TTL", &cfg.Cache.TTL)
	e.durationVar("CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval)
	e.stringVar("CACHE_NAMESPACE", &cfg.Cache.Namespace)

	e.boolVar("STREAM_ENABLED", &cfg.Stream.Enabled)
	e.listVar("STREAM_BROKERS", &cfg.Stream.Brokers)
	e.stringVar("STREAM_TOPIC", &cfg.Stream.Topic)
	e.stringVar("STREAM_GROUP_ID", &cfg.Stream.GroupID)

	if e.err != nil {
		return e.err
	}
	return m.set(&cfg)
}

// envReader applies environment overrides and keeps the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	val, ok := e.lookup(EnvPrefix + "_" + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s_%s: %w", EnvPrefix, key, err)
	}
}

func (e *envReader) stringVar(key string, dst *string) {
	if val, ok := e.get(key); ok {
		*dst = val
	}
}

func (e *envReader) listVar(key string, dst *[]string) {
	if val, ok := e.get(key); ok {
		*dst = strings.Split(val, ",")
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if val, ok := e.get(key); ok {
		*dst = val == "true" || val == "1"
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if val, ok := e.get(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(key string, dst *int64) {
	if val, ok := e.get(key); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if val, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if val, ok := e.get(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

// Validate checks the whole configuration. The batch store section is
// checked by the validator registered for its type.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if cfg.BatchStore.Type == "" {
		return fmt.Errorf("batch_store.type is required")
	}
	v, ok := GetValidator(cfg.BatchStore.Type)
	if !ok {
		return fmt.Errorf("unsupported batch store type: %s", cfg.BatchStore.Type)
	}
	if err := v.Validate(cfg.BatchStore); err != nil {
		return fmt.Errorf("batch_store validation failed: %w", err)
	}

	switch cfg.Database.Type {
	case "sqlite":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for sqlite")
		}
	case "mysql":
		if cfg.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			return fmt.Errorf("database.port must be between 1 and 65535")
		}
		if cfg.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if cfg.Database.Username == "" {
			return fmt.Errorf("database.username is required")
		}
		if cfg.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be greater than 0")
		}
	case "":
		return fmt.Errorf("database.type is required")
	default:
		return fmt.Errorf("database.type must be 'mysql' or 'sqlite'")
	}

	if cfg.Reconciler.PollInterval <= 0 {
		return fmt.Errorf("reconciler.poll_interval must be greater than 0")
	}
	if cfg.Reconciler.FlushSize < 0 {
		return fmt.Errorf("reconciler.flush_size must be non-negative")
	}
	if cfg.Reconciler.FlushAge <= 0 {
		return fmt.Errorf("reconciler.flush_age must be greater than 0")
	}
	if cfg.Reconciler.MaxFlushRate < 0 {
		return fmt.Errorf("reconciler.max_flush_rate must be non-negative")
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	if cfg.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache.sweep_interval must be non-negative")
	}

	if cfg.Stream.Enabled {
		if len(cfg.Stream.Brokers) == 0 {
			return fmt.Errorf("stream.brokers is required when the stream is enabled")
		}
		if cfg.Stream.Topic == "" {
			return fmt.Errorf("stream.topic is required when the stream is enabled")
		}
		if cfg.Stream.GroupID == "" {
			return fmt.Errorf("stream.group_id is required when the stream is enabled")
		}
	}

	return nil
}
