package database

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
)

// Open connects to the primary store described by cfg.
func Open(cfg config.DatabaseConfig, logger *logrus.Logger) (*SQLDatabase, error) {
	switch cfg.Type {
	case "mysql":
		return NewMySQLDatabase(MySQLOptions{
			Host:              cfg.Host,
			Port:              cfg.Port,
			Database:          cfg.Database,
			Username:          cfg.Username,
			Password:          cfg.Password,
			MaxOpenConns:      cfg.MaxOpenConns,
			MaxIdleConns:      cfg.MaxIdleConns,
			ConnMaxLifetime:   cfg.ConnMaxLifetime,
			ConnMaxIdleTime:   cfg.ConnMaxIdleTime,
			ConnectionTimeout: cfg.ConnectionTimeout,
		}, logger)
	case "sqlite":
		return NewSQLiteDatabase(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
