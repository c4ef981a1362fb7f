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

// Package testutil opens throwaway sqlite databases for package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/database"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// OpenDB opens a sqlite file in a temporary directory, creates a table for
// each model in order and counts every statement in the returned metrics.
// The database is closed when the test ends.
func OpenDB(t testing.TB, models ...any) (*bun.DB, *database.StatementMetrics) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	metrics := database.NewStatementMetrics()
	db.AddQueryHook(metrics)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, m := range models {
		_, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx)
		require.NoError(t, err)
	}
	return db, metrics
}

// Delta returns how many statements of kind op ran while fn executed.
func Delta(metrics *database.StatementMetrics, op string, fn func()) uint64 {
	before := metrics.Count(op)
	fn()
	return metrics.Count(op) - before
}
