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

package query

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type team struct {
	bun.BaseModel `bun:"table:team,alias:t"`

	ID      int64     `bun:"team_id,pk,autoincrement"`
	Name    string    `bun:"name"`
	Members []*member `bun:"rel:has-many,join:team_id=team_id"`
}

type member struct {
	bun.BaseModel `bun:"table:member,alias:m"`

	ID       int64  `bun:"member_id,pk,autoincrement"`
	Username string `bun:"username"`
	Age      int    `bun:"age"`
	TeamID   int64  `bun:"team_id,nullzero"`
	Team     *team  `bun:"rel:belongs-to,join:team_id=team_id"`
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:")
	require.NoError(t, err)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newCatalog(t *testing.T) (*bun.DB, Catalog) {
	db := newTestDB(t)
	return db, NewCatalog(db, (*member)(nil), (*team)(nil))
}

func memberEntity(t *testing.T) (*bun.DB, *Entity) {
	db, c := newCatalog(t)
	e, err := c.Lookup("member")
	require.NoError(t, err)
	return db, e
}
