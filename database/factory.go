/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/uptrace/bun"
)

// BaseDatabaseFactory creates and manages a configured database manager and
// provides helpers for initialization, health checks, and statistics.
type BaseDatabaseFactory struct {
	manager AbstractDatabaseManager
	logger  Logger
}

// NewDatabaseFactory returns a new database factory using the global logger.
func NewDatabaseFactory() *BaseDatabaseFactory {
	return &BaseDatabaseFactory{
		logger: GetLogger(),
	}
}

var supportedTypes = []string{"mysql", "postgres", "postgresql", "sqlite", "sqlite3"}

// CreateFromConfig constructs a database manager from the given configuration,
// applying environment overrides and setting the factory logger.
func (f *BaseDatabaseFactory) CreateFromConfig(cfg *Config) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}

	// Override sensitive config from environment variables
	f.overrideFromEnv(&cfg.ConnectionConfig)

	supported := false
	for _, t := range supportedTypes {
		if cfg.ConnectionConfig.Type == t {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("unsupported database type: %s, supported types: %v", cfg.ConnectionConfig.Type, supportedTypes)
	}

	// Create manager
	manager := NewDatabaseManager(cfg)
	manager.SetLogger(f.logger)

	f.manager = manager
	return manager, nil
}

// envBinding applies one DB_* variable to a connection setting. Malformed
// numbers leave the setting alone.
type envBinding func(cfg *ConnectionConfig, value string)

func envString(set func(*ConnectionConfig, string)) envBinding { return set }

func envInt(set func(*ConnectionConfig, int)) envBinding {
	return func(cfg *ConnectionConfig, value string) {
		if n, err := strconv.Atoi(value); err == nil {
			set(cfg, n)
		}
	}
}

func envSeconds(set func(*ConnectionConfig, time.Duration)) envBinding {
	return envInt(func(cfg *ConnectionConfig, n int) { set(cfg, time.Duration(n)*time.Second) })
}

func envBool(set func(*ConnectionConfig, bool)) envBinding {
	return func(cfg *ConnectionConfig, value string) { set(cfg, value == "true") }
}

var connectionEnv = map[string]envBinding{
	"DB_TYPE":     envString(func(c *ConnectionConfig, v string) { c.Type = v }),
	"DB_DSN":      envString(func(c *ConnectionConfig, v string) { c.DSN = v }),
	"DB_HOST":     envString(func(c *ConnectionConfig, v string) { c.Host = v }),
	"DB_PORT":     envInt(func(c *ConnectionConfig, v int) { c.Port = v }),
	"DB_USERNAME": envString(func(c *ConnectionConfig, v string) { c.Username = v }),
	"DB_PASSWORD": envString(func(c *ConnectionConfig, v string) { c.Password = v }),
	"DB_NAME":     envString(func(c *ConnectionConfig, v string) { c.DBName = v }),
	"DB_SSLMODE":  envString(func(c *ConnectionConfig, v string) { c.SSLMode = v }),

	"DB_MAX_IDLE_CONNS":    envInt(func(c *ConnectionConfig, v int) { c.MaxIdleConns = v }),
	"DB_MAX_OPEN_CONNS":    envInt(func(c *ConnectionConfig, v int) { c.MaxOpenConns = v }),
	"DB_CONN_MAX_LIFETIME": envSeconds(func(c *ConnectionConfig, v time.Duration) { c.ConnMaxLifetime = v }),

	"DB_ENABLE_RECONNECT":   envBool(func(c *ConnectionConfig, v bool) { c.EnableReconnect = v }),
	"DB_RECONNECT_INTERVAL": envSeconds(func(c *ConnectionConfig, v time.Duration) { c.ReconnectInterval = v }),
	"DB_ENABLE_QUERY_LOG":   envBool(func(c *ConnectionConfig, v bool) { c.EnableQueryLog = v }),
	"DB_SLOW_QUERY_TIME":    envSeconds(func(c *ConnectionConfig, v time.Duration) { c.SlowQueryTime = v }),
}

// overrideFromEnv applies the DB_* environment variables that are set.
func (f *BaseDatabaseFactory) overrideFromEnv(cfg *ConnectionConfig) {
	for name, bind := range connectionEnv {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			bind(cfg, value)
		}
	}
}

// InitializeDatabase connects to the database and optionally runs migrations.
func (f *BaseDatabaseFactory) InitializeDatabase(ctx context.Context, runMigrations bool) error {
	if f.manager == nil {
		return fmt.Errorf("database manager not created")
	}

	// Connect to database
	if err := f.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	// Run migrations
	if runMigrations {
		if err := f.manager.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}
	f.logger.Info("Database initialization completed!")
	return nil
}

// GetManager returns the underlying database manager.
func (f *BaseDatabaseFactory) GetManager() AbstractDatabaseManager {
	return f.manager
}

// GetDB returns the Bun database instance, or nil if not initialized.
func (f *BaseDatabaseFactory) GetDB() *bun.DB {
	if f.manager == nil {
		return nil
	}
	return f.manager.GetDB()
}

// SetLogger sets the logger on the factory and the underlying manager.
func (f *BaseDatabaseFactory) SetLogger(logger Logger) {
	f.logger = logger
	if f.manager != nil {
		f.manager.SetLogger(logger)
	}
}

// Close closes the database connection managed by the factory.
func (f *BaseDatabaseFactory) Close() error {
	if f.manager == nil {
		return nil
	}
	return f.manager.Disconnect()
}

// GetHealthStatus returns the current database health status from the manager.
func (f *BaseDatabaseFactory) GetHealthStatus(ctx context.Context) *HealthStatus {
	if f.manager == nil {
		return &HealthStatus{
			Healthy:       false,
			Connected:     false,
			LastError:     "Database manager not initialized",
			LastCheckTime: time.Now(),
		}
	}
	return f.manager.HealthCheck(ctx)
}

// GetStats returns database connection statistics from the manager.
func (f *BaseDatabaseFactory) GetStats() *DBStats {
	if f.manager == nil {
		return &DBStats{}
	}
	return f.manager.GetStats()
}
