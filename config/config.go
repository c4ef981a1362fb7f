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

// Package config loads the application configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/utils"
	"gopkg.in/yaml.v3"
)

// Config aggregates every setting of the application.
type Config struct {
	Database database.Config `yaml:"database"`
	Server   ServerConfig    `yaml:"server"`
	Session  SessionConfig   `yaml:"session"`
	Log      LogConfig       `yaml:"log"`
	// NamedQueries is an optional YAML file of name: query entries added to
	// the built-in named queries.
	NamedQueries string `yaml:"named_queries"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	DefaultPageSize int           `yaml:"default_page_size" validate:"min=1"`
	MaxPageSize     int           `yaml:"max_page_size" validate:"gtefield=DefaultPageSize"`
}

// Address is the listen address of the server.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionConfig configures the sessions opened per request.
type SessionConfig struct {
	FlushMode   string        `yaml:"flush_mode" validate:"oneof=auto commit"`
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"gt=0"`
}

// Options turns the settings into session options.
func (c SessionConfig) Options() []session.Option {
	mode := session.FlushAuto
	if strings.EqualFold(c.FlushMode, "commit") {
		mode = session.FlushCommit
	}
	return []session.Option{session.WithFlushMode(mode), session.WithLockTimeout(c.LockTimeout)}
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Apply configures the level and format of every logger.
func (c LogConfig) Apply() {
	if c.Format != "" {
		utils.ConfigureConsoleLogFormat(c.Format)
	}
	if c.Level != "" {
		utils.ConfigureLogLevel(c.Level)
	}
}

// Default returns the settings used when no file is given: a local sqlite
// database, port 8080 and pages of 3 members.
func Default() *Config {
	return &Config{
		Database: *database.DefaultConfig(),
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			DefaultPageSize: 3,
			MaxPageSize:     2000,
		},
		Session: SessionConfig{FlushMode: "auto", LockTimeout: session.DefaultLockTimeout},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the server, session and log settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
