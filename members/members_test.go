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

package members

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/testutil"
	"github.com/tomoncle/datajpa/types"
)

type env struct {
	factory *session.Factory
	repos   *Repositories
	metrics *database.StatementMetrics
}

func newEnv(t *testing.T, opts ...session.Option) *env {
	t.Helper()
	db, metrics := testutil.OpenDB(t, model.Models()...)
	registry, err := NewRegistry(db, nil)
	require.NoError(t, err)
	repos, err := New(db, registry)
	require.NoError(t, err)
	return &env{factory: session.NewFactory(db, opts...), repos: repos, metrics: metrics}
}

func (e *env) run(t *testing.T, fn func(ctx context.Context, s *session.Session)) {
	t.Helper()
	require.NoError(t, e.factory.Run(context.Background(), func(ctx context.Context, s *session.Session) error {
		fn(ctx, s)
		return nil
	}))
}

func (e *env) save(t *testing.T, ms ...*model.Member) {
	t.Helper()
	e.run(t, func(ctx context.Context, s *session.Session) {
		_, err := e.repos.Members.SaveAll(ctx, s, ms...)
		require.NoError(t, err)
	})
}

func TestMemberRepository_SaveAndFind(t *testing.T) {
	e := newEnv(t)
	e.run(t, func(ctx context.Context, s *session.Session) {
		saved, err := e.repos.Members.Save(ctx, s, model.NewMember("memberA", 0, nil))
		require.NoError(t, err)
		found, err := e.repos.Members.GetByID(ctx, s, saved.ID)
		require.NoError(t, err)
		assert.Same(t, saved, found)
	})
}

func TestMemberRepository_BasicCRUD(t *testing.T) {
	e := newEnv(t)
	member1 := model.NewMember("member1", 0, nil)
	member2 := model.NewMember("member2", 0, nil)
	e.save(t, member1, member2)

	e.run(t, func(ctx context.Context, s *session.Session) {
		all, err := e.repos.Members.FindAll(ctx, s)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		count, err := e.repos.Members.Count(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, e.repos.Members.Delete(ctx, s, member1))
		require.NoError(t, e.repos.Members.Delete(ctx, s, member2))
		count, err = e.repos.Members.Count(ctx, s)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestMemberRepository_QueryMethods(t *testing.T) {
	e := newEnv(t)
	e.save(t, model.NewMember("memberC", 12, nil), model.NewMember("memberC", 20, nil),
		model.NewMember("AAA", 10, nil), model.NewMember("BBB", 20, nil))

	e.run(t, func(ctx context.Context, s *session.Session) {
		list, err := e.repos.Members.FindByUsernameAndAgeGreaterThan(ctx, s, "memberC", 15)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 20, list[0].Age)

		named, err := e.repos.Members.FindByUsername(ctx, s, "AAA")
		require.NoError(t, err)
		require.Len(t, named, 1)
		assert.Equal(t, 10, named[0].Age)

		user, err := e.repos.Members.FindUser(ctx, s, "AAA", 10)
		require.NoError(t, err)
		require.Len(t, user, 1)
		assert.Same(t, named[0], user[0])

		names, err := e.repos.Members.FindUsernameList(ctx, s)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"memberC", "memberC", "AAA", "BBB"}, names)

		byNames, err := e.repos.Members.FindByNames(ctx, s, []string{"AAA", "BBB"})
		require.NoError(t, err)
		assert.Len(t, byNames, 2)

		optional, err := e.repos.Members.FindOptionalByUsername(ctx, s, "AAB")
		require.NoError(t, err)
		assert.Nil(t, optional)

		_, err = e.repos.Members.FindOneByUsername(ctx, s, "memberC")
		assert.ErrorIs(t, err, types.ErrNonUniqueResult)

		custom, err := e.repos.Members.FindMemberCustom(ctx, s)
		require.NoError(t, err)
		assert.Len(t, custom, 4)

		all, err := e.repos.MemberQuery.FindAllMembers(ctx, s)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestMemberRepository_FindMemberDTO(t *testing.T) {
	e := newEnv(t)
	e.run(t, func(ctx context.Context, s *session.Session) {
		team, err := e.repos.Teams.Save(ctx, s, model.NewTeam("teamA"))
		require.NoError(t, err)
		_, err = e.repos.Members.Save(ctx, s, model.NewMember("AAA", 10, team))
		require.NoError(t, err)
		_, err = e.repos.Members.Save(ctx, s, model.NewMember("BBB", 10, nil))
		require.NoError(t, err)

		dtos, err := e.repos.Members.FindMemberDTO(ctx, s)
		require.NoError(t, err)
		require.Len(t, dtos, 1)
		assert.Equal(t, "AAA", dtos[0].Username)
		assert.Equal(t, "teamA", dtos[0].TeamName)
	})
}

func TestMemberRepository_Paging(t *testing.T) {
	e := newEnv(t)
	for i := 1; i <= 5; i++ {
		e.save(t, model.NewMember(fmt.Sprintf("member%d", i), 10, nil))
	}
	req := types.MustPageRequest(0, 3, types.By(types.Desc, "username"))

	e.run(t, func(ctx context.Context, s *session.Session) {
		page, err := e.repos.Members.FindByAge(ctx, s, 10, req)
		require.NoError(t, err)
		assert.Len(t, page.Content, 3)
		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 0, page.Number)
		assert.Equal(t, 2, page.TotalPages())
		assert.True(t, page.IsFirst())
		assert.True(t, page.HasNext())
		assert.Equal(t, "member5", page.Content[0].Username)

		dtos := types.MapPage(page, model.NewMemberDTO)
		assert.Equal(t, "member5", dtos.Content[0].Username)
		assert.Empty(t, dtos.Content[0].TeamName)

		var slice *types.Slice[model.Member]
		counts := testutil.Delta(e.metrics, database.OpCount, func() {
			slice, err = e.repos.Members.FindSliceByAge(ctx, s, 10, req)
		})
		require.NoError(t, err)
		assert.Zero(t, counts)
		assert.Len(t, slice.Content, 3)
		assert.True(t, slice.HasNext())
		assert.False(t, slice.HasPrevious())
	})
}

func TestMemberRepository_BulkUpdate(t *testing.T) {
	e := newEnv(t)
	e.save(t,
		model.NewMember("member1", 10, nil),
		model.NewMember("member2", 19, nil),
		model.NewMember("member3", 20, nil),
		model.NewMember("member4", 21, nil),
		model.NewMember("member5", 40, nil),
	)

	e.run(t, func(ctx context.Context, s *session.Session) {
		before, err := e.repos.Members.FindByUsername(ctx, s, "member5")
		require.NoError(t, err)
		require.Equal(t, 40, before[0].Age)

		count, err := e.repos.Members.UpdateBulkAge(ctx, s, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		after, err := e.repos.Members.FindByUsername(ctx, s, "member5")
		require.NoError(t, err)
		assert.Equal(t, 41, after[0].Age, "the session is cleared after the bulk update")
	})
}

func TestMemberRepository_LazyLoadingIssuesOneQueryPerTeam(t *testing.T) {
	e := newEnv(t)
	e.run(t, func(ctx context.Context, s *session.Session) {
		teamA, err := e.repos.Teams.Save(ctx, s, model.NewTeam("teamA"))
		require.NoError(t, err)
		teamB, err := e.repos.Teams.Save(ctx, s, model.NewTeam("teamB"))
		require.NoError(t, err)
		_, err = e.repos.Members.SaveAll(ctx, s,
			model.NewMember("member1", 10, teamA),
			model.NewMember("member2", 10, teamB))
		require.NoError(t, err)
	})

	e.run(t, func(ctx context.Context, s *session.Session) {
		var members []*model.Member
		selects := testutil.Delta(e.metrics, database.OpSelect, func() {
			var err error
			members, err = e.repos.Members.Repository.FindAll(ctx, s)
			require.NoError(t, err)
			for _, m := range members {
				assert.False(t, m.TeamLoaded())
				team, err := m.GetTeam(ctx)
				require.NoError(t, err)
				assert.NotEmpty(t, team.Name)
			}
		})
		assert.Equal(t, uint64(3), selects, "one select for the members plus one per team")
	})

	for name, load := range map[string]func(context.Context, *session.Session) ([]*model.Member, error){
		"fetch join":           e.repos.Members.FindMemberFetchJoin,
		"entity graph":         e.repos.Members.FindMemberEntityGraph,
		"find all with graph":  e.repos.Members.findAllDefault,
		"derived entity graph": e.findEntityGraphMember1,
	} {
		t.Run(name, func(t *testing.T) {
			e.run(t, func(ctx context.Context, s *session.Session) {
				selects := testutil.Delta(e.metrics, database.OpSelect, func() {
					members, err := load(ctx, s)
					require.NoError(t, err)
					require.NotEmpty(t, members)
					for _, m := range members {
						assert.True(t, m.TeamLoaded())
						team, err := m.GetTeam(ctx)
						require.NoError(t, err)
						assert.NotEmpty(t, team.Name)
					}
				})
				assert.Equal(t, uint64(1), selects)
			})
		})
	}
}

func (r *MemberRepository) findAllDefault(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return r.FindAll(ctx, s)
}

func (e *env) findEntityGraphMember1(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return e.repos.Members.FindEntityGraphByUsername(ctx, s, "member1")
}

func TestMemberRepository_TeamDetachedAfterSession(t *testing.T) {
	e := newEnv(t)
	e.run(t, func(ctx context.Context, s *session.Session) {
		team, err := e.repos.Teams.Save(ctx, s, model.NewTeam("teamA"))
		require.NoError(t, err)
		_, err = e.repos.Members.Save(ctx, s, model.NewMember("member1", 10, team))
		require.NoError(t, err)
	})

	var loaded *model.Member
	e.run(t, func(ctx context.Context, s *session.Session) {
		members, err := e.repos.Members.FindMemberCustom(ctx, s)
		require.NoError(t, err)
		loaded = members[0]
	})
	_, err := loaded.GetTeam(context.Background())
	assert.ErrorIs(t, err, types.ErrDetachedReference)
}

func TestMemberRepository_ReadOnlyHint(t *testing.T) {
	e := newEnv(t)
	e.save(t, model.NewMember("member1", 10, nil))

	e.run(t, func(ctx context.Context, s *session.Session) {
		m, err := e.repos.Members.FindReadOnlyByUsername(ctx, s, "member1")
		require.NoError(t, err)
		m.Username = "member2"
		updates := testutil.Delta(e.metrics, database.OpUpdate, func() { require.NoError(t, s.Flush(ctx)) })
		assert.Zero(t, updates)
	})
	e.run(t, func(ctx context.Context, s *session.Session) {
		m, err := e.repos.Members.FindOneByUsername(ctx, s, "member1")
		require.NoError(t, err)
		require.NotNil(t, m)
	})
}

func TestMemberRepository_PessimisticLock(t *testing.T) {
	e := newEnv(t, session.WithLockTimeout(50*time.Millisecond))
	e.save(t, model.NewMember("member1", 10, nil))
	ctx := context.Background()

	holder, err := e.factory.Begin(ctx)
	require.NoError(t, err)
	locked, err := e.repos.Members.FindOneLockByUsername(ctx, holder, "member1")
	require.NoError(t, err)
	require.NotNil(t, locked)
	assert.Len(t, holder.HeldLocks(), 1)

	waiter, err := e.factory.Begin(ctx)
	require.NoError(t, err)
	_, err = e.repos.Members.FindOneLockByUsername(ctx, waiter, "member1")
	assert.ErrorIs(t, err, types.ErrLockTimeout)
	require.NoError(t, waiter.Rollback())
	require.NoError(t, holder.Commit(ctx))
}

func TestMemberJpaRepository(t *testing.T) {
	e := newEnv(t)
	jpa := e.repos.MemberJpa
	e.run(t, func(ctx context.Context, s *session.Session) {
		for i := 1; i <= 5; i++ {
			_, err := jpa.Save(ctx, s, model.NewMember(fmt.Sprintf("member%d", i), 10, nil))
			require.NoError(t, err)
		}
		_, err := jpa.Save(ctx, s, model.NewMember("other", 30, nil))
		require.NoError(t, err)
	})

	e.run(t, func(ctx context.Context, s *session.Session) {
		page, err := jpa.FindByPage(ctx, s, 10, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"member5", "member4", "member3"},
			[]string{page[0].Username, page[1].Username, page[2].Username})

		total, err := jpa.TotalCount(ctx, s, 10)
		require.NoError(t, err)
		assert.Equal(t, 5, total)

		count, err := jpa.Count(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 6, count)

		all, err := jpa.FindAll(ctx, s)
		require.NoError(t, err)
		assert.Len(t, all, 6)

		byName, err := jpa.FindByUsername(ctx, s, "other")
		require.NoError(t, err)
		require.Len(t, byName, 1)

		found, err := jpa.Find(ctx, s, byName[0].ID)
		require.NoError(t, err)
		assert.Same(t, byName[0], found)

		require.NoError(t, jpa.Delete(ctx, s, found))
		gone, err := jpa.Find(ctx, s, found.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func TestItemRepository_NewItemIsInsertedWithoutSelect(t *testing.T) {
	e := newEnv(t)
	e.run(t, func(ctx context.Context, s *session.Session) {
		var err error
		var saved *model.Item
		selects := testutil.Delta(e.metrics, database.OpSelect, func() {
			saved, err = e.repos.Items.Save(ctx, s, model.NewItem("A"))
		})
		require.NoError(t, err)
		assert.Zero(t, selects)
		assert.False(t, saved.IsNew())

		generated, err := e.repos.Items.Save(ctx, s, model.NewItem(""))
		require.NoError(t, err)
		assert.Len(t, generated.ID, 36)
	})
}

func TestRegistry_MalformedNamedQueryAbortsStartup(t *testing.T) {
	db, _ := testutil.OpenDB(t, model.Models()...)

	_, err := NewRegistry(db, map[string]string{"Member.broken": "select m frm Member m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = NewRegistry(db, map[string]string{"Member.byNickname": "select m from Member m where m.nickname = :n"})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = New(db, query.NewRegistry())
	assert.ErrorIs(t, err, types.ErrInvalidQuery, "member finders need the validated named queries")
}

func TestSeed_OnlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := Seed(ctx, e.factory, e.repos, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, created)

	created, err = Seed(ctx, e.factory, e.repos, 100)
	require.NoError(t, err)
	assert.Zero(t, created)

	e.run(t, func(ctx context.Context, s *session.Session) {
		teams, err := e.repos.Teams.Count(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, len(SeedTeams), teams)

		last, err := e.repos.Members.FindOptionalByUsername(ctx, s, "user99")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, 99, last.Age)
	})
}

func TestLoadRegistry(t *testing.T) {
	db, _ := testutil.OpenDB(t, model.Models()...)
	path := filepath.Join(t.TempDir(), "queries.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Member.adults: select m from Member m where m.age >= 18\n"), 0o644))

	registry, err := LoadRegistry(db, path)
	require.NoError(t, err)
	assert.True(t, registry.Has("Member.adults"))
	assert.True(t, registry.Has("Member.findByUsername"))

	registry, err = LoadRegistry(db, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Member.findByUsername"}, registry.Names())

	require.NoError(t, os.WriteFile(path, []byte("Member.broken: select m from Member m where m.age >=\n"), 0o644))
	_, err = LoadRegistry(db, path)
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}
