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

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/testutil"
	"github.com/uptrace/bun"
)

type team struct {
	bun.BaseModel `bun:"table:team,alias:t"`

	ID   int64  `bun:"team_id,pk,autoincrement"`
	Name string `bun:"name,unique,notnull"`
}

type member struct {
	bun.BaseModel `bun:"table:member,alias:m"`

	ID       int64  `bun:"member_id,pk,autoincrement"`
	Username string `bun:"username,notnull"`
	Age      int    `bun:"age"`
	TeamID   int64  `bun:"team_id,nullzero"`
	Team     *team  `bun:"rel:belongs-to,join:team_id=team_id"`

	teamRef session.Ref[team]
}

func (m *member) BindSession(s *session.Session) { m.teamRef.Bind(s, m.TeamID) }

type memberDTO struct {
	ID       int64  `bun:"id"`
	Username string `bun:"username"`
	TeamName string `bun:"team_name"`
}

type item struct {
	bun.BaseModel `bun:"table:item,alias:i"`

	ID          string    `bun:"item_id,pk"`
	CreatedDate time.Time `bun:"created_date,nullzero"`
}

func (i *item) IsNew() bool { return i.CreatedDate.IsZero() }

var _ bun.BeforeAppendModelHook = (*item)(nil)

func (i *item) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok && i.CreatedDate.IsZero() {
		i.CreatedDate = time.Now()
	}
	return nil
}

type fixture struct {
	factory *session.Factory
	metrics *database.StatementMetrics
	members Repository[member]
	teams   Repository[team]
	items   Repository[item]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, metrics := testutil.OpenDB(t, (*team)(nil), (*member)(nil), (*item)(nil))
	return &fixture{
		factory: session.NewFactory(db),
		metrics: metrics,
		members: NewRepository[member](db, nil),
		teams:   NewRepository[team](db, nil),
		items:   NewRepository[item](db, nil),
	}
}

// run executes fn in a committed session.
func (f *fixture) run(t *testing.T, fn func(ctx context.Context, s *session.Session)) {
	t.Helper()
	require.NoError(t, f.factory.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		fn(ctx, s)
		return nil
	}))
}

// seedMembers saves one member per age, named member1, member2, ...
func (f *fixture) seedMembers(t *testing.T, ages ...int) []*member {
	t.Helper()
	var out []*member
	f.run(t, func(ctx context.Context, s *session.Session) {
		for i, age := range ages {
			m, err := f.members.Save(ctx, s, &member{Username: fmt.Sprintf("member%d", i+1), Age: age})
			require.NoError(t, err)
			out = append(out, m)
		}
	})
	return out
}
