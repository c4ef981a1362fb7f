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
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

type fixtureGroup struct {
	bun.BaseModel `bun:"table:fixture_group,alias:g"`

	ID   int64  `bun:"group_id,pk,autoincrement"`
	Name string `bun:"name,unique,notnull"`
}

type fixtureUser struct {
	bun.BaseModel `bun:"table:fixture_user,alias:u"`

	ID      int64         `bun:"user_id,pk,autoincrement"`
	Name    string        `bun:"name,notnull"`
	GroupID int64         `bun:"group_id,nullzero"`
	Group   *fixtureGroup `bun:"rel:belongs-to,join:group_id=group_id"`
}

func init() {
	RegisteredModel(NewModelAdapter((*fixtureUser)(nil), 2))
	RegisteredModel(NewModelAdapter((*fixtureGroup)(nil), 1))
}

func newTestManager(t *testing.T, cfg *Config) AbstractDatabaseManager {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ConnectionConfig.DBName = filepath.Join(t.TempDir(), "test")
	cfg.ConnectionConfig.HealthCheckInterval = 0

	factory := NewDatabaseFactory()
	manager, err := factory.CreateFromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, factory.InitializeDatabase(context.Background(), true))
	t.Cleanup(func() { _ = manager.Disconnect() })
	return manager
}

func TestManager_MigratesRegisteredModels(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)
	db := manager.GetDB()

	group := &fixtureGroup{Name: "admins"}
	_, err := db.NewInsert().Model(group).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&fixtureUser{Name: "root", GroupID: group.ID}).Exec(ctx)
	require.NoError(t, err)

	applied, err := NewMigrationManager(db, GetLogger(), nil).GetAppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "create_base_tables", applied[0].Name)

	// A second run finds every migration applied.
	require.NoError(t, manager.RunMigrations(ctx))

	status := manager.HealthCheck(ctx)
	assert.True(t, status.Healthy)
	assert.NoError(t, manager.Ping(ctx))
}

func TestManager_CountsStatements(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)
	db := manager.GetDB()
	metrics := manager.Metrics()
	before := metrics.Snapshot()

	_, err := db.NewInsert().Model(&fixtureGroup{Name: "a"}).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewSelect().Model((*fixtureGroup)(nil)).Count(ctx)
	require.NoError(t, err)
	var groups []fixtureGroup
	require.NoError(t, db.NewSelect().Model(&groups).Scan(ctx))
	_, err = db.NewUpdate().Model((*fixtureGroup)(nil)).Set("name = ?", "b").Where("1 = 1").Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewDelete().Model((*fixtureGroup)(nil)).Where("1 = 1").Exec(ctx)
	require.NoError(t, err)

	after := metrics.Snapshot()
	for _, op := range []string{OpInsert, OpCount, OpSelect, OpUpdate, OpDelete} {
		assert.Equal(t, uint64(1), after[op]-before[op], op)
	}

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `datajpa_statements_total{op="count"}`)
}

func TestTranslateError(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)
	db := manager.GetDB()

	_, err := db.NewInsert().Model(&fixtureGroup{Name: "dup"}).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&fixtureGroup{Name: "dup"}).Exec(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, TranslateError(err), types.ErrConstraintViolation)

	err = db.NewSelect().Model(&fixtureGroup{}).Where("name = ?", "absent").Scan(ctx)
	assert.ErrorIs(t, TranslateError(err), types.ErrNotFound)

	cases := []struct {
		err  error
		want error
	}{
		{&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, types.ErrConstraintViolation},
		{&mysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row"}, types.ErrConstraintViolation},
		{&pq.Error{Code: "23503"}, types.ErrConstraintViolation},
		{&pq.Error{Code: "23502"}, types.ErrConstraintViolation},
		{&pq.Error{Code: "55P03"}, types.ErrLockTimeout},
		{&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, types.ErrLockTimeout},
		{fmt.Errorf("scan: %w", sql.ErrNoRows), types.ErrNotFound},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, TranslateError(tc.err), tc.want, "%v", tc.err)
	}

	plain := errors.New("connection reset")
	assert.Same(t, plain, TranslateError(plain))
	assert.NoError(t, TranslateError(nil))
}

func TestIsSqlError(t *testing.T) {
	is, kind := IsSqlError(errors.New("no such table: member"))
	assert.True(t, is)
	assert.Equal(t, NoTableErr, kind)

	is, kind = IsSqlError(&pq.Error{Code: "42703"})
	assert.True(t, is)
	assert.Equal(t, NoColumnErr, kind)

	is, _ = IsSqlError(errors.New("boom"))
	assert.False(t, is)
}

func TestForeignKeys_FromModelRelations(t *testing.T) {
	manager := newTestManager(t, nil)
	fkm := NewForeignKeyManager(manager.GetDB(), GetLogger())

	constraints := fkm.GetConstraintsByTable("fixture_user")
	require.Len(t, constraints, 1)
	fk := constraints[0]
	assert.Equal(t, "group_id", fk.Column)
	assert.Equal(t, "fixture_group", fk.ReferenceTable)
	assert.Equal(t, "SET NULL", fk.OnDelete)
	assert.Equal(t, "ALTER TABLE fixture_user ADD CONSTRAINT fk_fixture_user_group_id FOREIGN KEY (group_id) REFERENCES fixture_group(group_id) ON DELETE SET NULL", fk.GenerateSQL())
	assert.Empty(t, fkm.ValidateConstraints())

	// sqlite cannot alter constraints in; the manager skips instead of failing.
	assert.NoError(t, fkm.AddAllForeignKeys(context.Background(), manager.GetDB()))
}

func TestForeignKeys_ConfigFileRoundTrip(t *testing.T) {
	manager := newTestManager(t, nil)
	db := manager.GetDB()
	dir := t.TempDir()

	fkm, err := NewConfigurableForeignKeyManager(db, GetLogger(), filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	out := filepath.Join(dir, "fks", "foreign_keys.yaml")
	require.NoError(t, fkm.ExportToConfig(out))

	loaded, err := NewConfigurableForeignKeyManager(db, GetLogger(), out)
	require.NoError(t, err)
	assert.Equal(t, fkm.ListAllConstraints(), loaded.ListAllConstraints())
}

func TestSQLInitManager_RunsFilesInOrder(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, nil)
	db := manager.GetDB()

	root := t.TempDir()
	common := filepath.Join(root, "common")
	env := filepath.Join(root, "environments", "test")
	require.NoError(t, os.MkdirAll(common, 0o755))
	require.NoError(t, os.MkdirAll(env, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(common, "02_users.sql"),
		[]byte("-- users\nINSERT INTO fixture_user (name, group_id)\nVALUES ('{{.ENVIRONMENT}}', 1);\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(common, "01_groups.sql"),
		[]byte("INSERT INTO fixture_group (name) VALUES ('g1');"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env, "01_more.sql"),
		[]byte("INSERT INTO fixture_group (name) VALUES ('g2');\nINSERT INTO fixture_group (name) VALUES ('g3');"), 0o644))

	seeder := NewSQLInitManager(db, "test")
	seeder.SetSQLRootPath(root)
	files, err := seeder.GetSQLFiles()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []string{"01_groups.sql", "02_users.sql", "01_more.sql"},
		[]string{files[0].Name, files[1].Name, files[2].Name})

	require.NoError(t, seeder.ExecuteInitialization(ctx))
	var name string
	require.NoError(t, db.NewSelect().Model((*fixtureUser)(nil)).Column("name").Scan(ctx, &name))
	assert.Equal(t, "test", name)
	n, err := db.NewSelect().Model((*fixtureGroup)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	broken := NewSQLInitManager(db, "none")
	brokenRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(brokenRoot, "common"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(brokenRoot, "common", "01_broken.sql"), []byte("INSERT INTO nowhere VALUES (1);"), 0o644))
	broken.SetSQLRootPath(brokenRoot)
	err = broken.ExecuteInitialization(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "01_broken.sql"))
}

func TestFactory_RejectsUnsupportedType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionConfig.Type = "oracle"
	_, err := NewDatabaseFactory().CreateFromConfig(cfg)
	assert.Error(t, err)

	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	cfg = DefaultConfig()
	cfg.ConnectionConfig.Type = "oracle"
	_, err = NewDatabaseFactory().CreateFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ConnectionConfig.MaxOpenConns)
}

func TestSlowQueryHook_LogsSlowStatements(t *testing.T) {
	rec := &recordingLogger{}
	hook := NewSlowQueryHook(time.Millisecond, rec)
	hook.AfterQuery(context.Background(), &bun.QueryEvent{Query: "SELECT 1", StartTime: time.Now().Add(-time.Second)})
	hook.AfterQuery(context.Background(), &bun.QueryEvent{Query: "SELECT 2", StartTime: time.Now()})
	require.Len(t, rec.warnings, 1)
}

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) SetLevel(LogLevel)                  {}
func (l *recordingLogger) Debug(string, ...interface{})       {}
func (l *recordingLogger) Info(string, ...interface{})        {}
func (l *recordingLogger) Error(string, ...interface{})       {}
func (l *recordingLogger) Warn(msg string, _ ...interface{}) { l.warnings = append(l.warnings, msg) }
