// Package config loads and validates the likebatch service configuration.
package config

import (
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	BatchStore BatchStoreConfig `yaml:"batch_store" json:"batch_store"`
	Reconciler ReconcilerConfig `yaml:"reconciler" json:"reconciler"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Stream     StreamConfig     `yaml:"stream" json:"stream"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig configures the primary store.
type DatabaseConfig struct {
	Type              string        `yaml:"type" json:"type"`
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Database          string        `yaml:"database" json:"database"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password" json:"password"`
	DSN               string        `yaml:"dsn" json:"dsn"` // sqlite only
	MaxOpenConns      int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
}

// BatchStoreConfig selects and configures the batch store backend.
type BatchStoreConfig struct {
	Type     string         `yaml:"type" json:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`
}

// SQLiteConfig configures the sqlite batch store.
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RedisConfig configures the redis batch store.
type RedisConfig struct {
	Endpoints    []string      `yaml:"endpoints" json:"endpoints"`
	ClusterMode  bool          `yaml:"cluster_mode" json:"cluster_mode"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
}

// DynamoDBConfig configures the dynamodb batch store.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
}

// ReconcilerConfig controls when and how fast batches are flushed.
type ReconcilerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	FlushSize    int64         `yaml:"flush_size" json:"flush_size"`
	FlushAge     time.Duration `yaml:"flush_age" json:"flush_age"`

	// MaxFlushRate caps primary store flushes per second. 0 disables pacing.
	MaxFlushRate float64 `yaml:"max_flush_rate" json:"max_flush_rate"`
}

// CacheConfig configures the read cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// SweepInterval enables periodic purging of expired entries when > 0.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	Namespace     string        `yaml:"namespace" json:"namespace"`
}

// StreamConfig configures the kafka like event stream.
type StreamConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Brokers         []string      `yaml:"brokers" json:"brokers"`
	Topic           string        `yaml:"topic" json:"topic"`
	GroupID         string        `yaml:"group_id" json:"group_id"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	RequiredAcks    int           `yaml:"required_acks" json:"required_acks"`
	MinBytes        int           `yaml:"min_bytes" json:"min_bytes"`
	MaxBytes        int           `yaml:"max_bytes" json:"max_bytes"`
	MaxWait         time.Duration `yaml:"max_wait" json:"max_wait"`
	MaxMessageBytes int           `yaml:"max_message_bytes" json:"max_message_bytes"`
}

// Default returns a configuration that runs locally on sqlite with the
// standard flush thresholds.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		LogLevel: "info",
		Database: DatabaseConfig{
			Type:              "sqlite",
			Host:              "localhost",
			Port:              3306,
			DSN:               "likebatch.db",
			MaxOpenConns:      25,
			MaxIdleConns:      5,
			ConnMaxLifetime:   5 * time.Minute,
			ConnMaxIdleTime:   10 * time.Minute,
			ConnectionTimeout: 10 * time.Second,
		},
		BatchStore: BatchStoreConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "batcher.db",
			},
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				PoolSize:     10,
				MinIdleConns: 5,
				MaxRetries:   3,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				KeyPrefix:    "likebatch",
			},
			DynamoDB: DynamoDBConfig{
				Region:    "us-east-1",
				TableName: "likebatch-batches",
			},
		},
		Reconciler: ReconcilerConfig{
			PollInterval: 5 * time.Second,
			FlushSize:    10,
			FlushAge:     60 * time.Second,
		},
		Cache: CacheConfig{
			TTL:       60 * time.Second,
			Namespace: "likebatch",
		},
		Stream: StreamConfig{
			Enabled:         false,
			Brokers:         []string{"localhost:9092"},
			Topic:           "likebatch-likes",
			GroupID:         "likebatch-intake",
			BatchSize:       100,
			BatchTimeout:    10 * time.Millisecond,
			WriteTimeout:    10 * time.Second,
			ReadTimeout:     10 * time.Second,
			RequiredAcks:    -1, // all replicas
			MinBytes:        1,
			MaxBytes:        10 * 1024 * 1024,
			MaxWait:         100 * time.Millisecond,
			MaxMessageBytes: 1000000,
		},
	}
}
