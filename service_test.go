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

package datajpa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/repository"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/testutil"
	"github.com/tomoncle/datajpa/types"
)

func newServices(t *testing.T) (Service[model.Member], Service[model.Team]) {
	t.Helper()
	db, _ := testutil.OpenDB(t, model.Models()...)
	factory := session.NewFactory(db)
	return NewService(factory, repository.NewRepository[model.Member](db, nil)),
		NewService(factory, repository.NewRepository[model.Team](db, nil))
}

func TestService_CRUD(t *testing.T) {
	members, _ := newServices(t)
	ctx := context.Background()

	m := model.NewMember("member1", 10, nil)
	require.NoError(t, members.Save(ctx, m, model.NewMember("member2", 20, nil)))
	require.NotZero(t, m.ID)

	got, err := members.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "member1", got.Username)

	got.Age = 11
	require.NoError(t, members.Save(ctx, got))
	again, err := members.Find(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 11, again.Age)

	page, err := members.Page(ctx, types.MustPageRequest(0, 1, types.By(types.Desc, "username")))
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, "member2", page.Content[0].Username)

	require.NoError(t, members.Delete(ctx, m.ID))
	require.NoError(t, members.Delete(ctx, m.ID))
	_, err = members.Get(ctx, m.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	n, err := members.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_ReadsDoNotFlush(t *testing.T) {
	members, _ := newServices(t)
	ctx := context.Background()
	require.NoError(t, members.Save(ctx, model.NewMember("member1", 10, nil)))

	all, err := members.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	all[0].Username = "changed"

	all, err = members.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "member1", all[0].Username)
}

func TestService_SaveOrUpdateTeams(t *testing.T) {
	_, teams := newServices(t)
	ctx := context.Background()

	require.NoError(t, teams.SaveOrUpdate(ctx, []string{"name"}, []string{"name"},
		model.NewTeam("teamA"), model.NewTeam("teamB")))
	require.NoError(t, teams.SaveOrUpdate(ctx, []string{"name"}, []string{"name"}, model.NewTeam("teamA")))

	n, err := teams.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = teams.InSession(ctx, func(ctx context.Context, s *session.Session) error {
		_, err := teams.Repository().Save(ctx, s, model.NewTeam("teamA"))
		return err
	})
	assert.ErrorIs(t, err, types.ErrConstraintViolation)
}
