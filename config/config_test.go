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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/session"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.ConnectionConfig.Type)
	assert.Equal(t, 3, cfg.Server.DefaultPageSize)
	assert.Equal(t, ":8080", cfg.Server.Address())
	assert.Equal(t, session.DefaultLockTimeout, cfg.Session.LockTimeout)
	assert.Len(t, cfg.Session.Options(), 2)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  connection:
    type: postgres
    host: db.internal
    port: 5432
    dbname: datajpa
server:
  port: 9090
  default_page_size: 20
session:
  flush_mode: commit
  lock_timeout: 250ms
log:
  level: debug
  format: json
named_queries: queries.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.ConnectionConfig.Type)
	assert.Equal(t, "db.internal", cfg.Database.ConnectionConfig.Host)
	assert.Equal(t, 100, cfg.Database.ConnectionConfig.MaxOpenConns, "unset keys keep their defaults")
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Server.DefaultPageSize)
	assert.Equal(t, 2000, cfg.Server.MaxPageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.LockTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "queries.yaml", cfg.NamedQueries)

	var o session.Options
	for _, opt := range cfg.Session.Options() {
		opt(&o)
	}
	assert.Equal(t, session.FlushCommit, o.FlushMode)
	assert.Equal(t, 250*time.Millisecond, o.LockTimeout)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"flush mode":   "session:\n  flush_mode: sometimes\n",
		"lock timeout": "session:\n  lock_timeout: 0s\n",
		"page size":    "server:\n  default_page_size: 0\n",
		"max page":     "server:\n  default_page_size: 50\n  max_page_size: 10\n",
		"log format":   "log:\n  format: xml\n",
		"syntax":       "server: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
