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

package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/testutil"
	"github.com/tomoncle/datajpa/types"
)

func TestMember_ChangeTeamKeepsBothSides(t *testing.T) {
	teamA := &Team{ID: 1, Name: "teamA"}
	teamB := &Team{ID: 2, Name: "teamB"}

	m := NewMember("member1", 10, teamA)
	assert.Equal(t, int64(1), m.TeamID)
	assert.Contains(t, teamA.Members, m)
	assert.True(t, m.TeamLoaded())

	m.ChangeTeam(teamB)
	assert.Equal(t, int64(2), m.TeamID)
	assert.Contains(t, teamB.Members, m)

	team, err := m.GetTeam(context.Background())
	require.NoError(t, err)
	assert.Same(t, teamB, team)
	assert.Equal(t, "Member(id=0, username=member1, age=10)", m.String())
}

func TestMember_TeamKeyCopiedOnInsert(t *testing.T) {
	db, _ := testutil.OpenDB(t, Models()...)
	ctx := context.Background()

	team := NewTeam("teamA")
	m := NewMember("member1", 10, team)
	_, err := db.NewInsert().Model(team).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(m).Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, team.ID, m.TeamID)

	var stored Member
	require.NoError(t, db.NewSelect().Model(&stored).Where("member_id = ?", m.ID).Scan(ctx))
	assert.Equal(t, team.ID, stored.TeamID)
}

func TestMember_UnfetchedTeamIsDetachedOutsideSession(t *testing.T) {
	db, _ := testutil.OpenDB(t, Models()...)
	ctx := context.Background()
	factory := session.NewFactory(db)

	var loaded *Member
	require.NoError(t, factory.Run(ctx, func(ctx context.Context, s *session.Session) error {
		team := NewTeam("teamA")
		if err := s.Persist(ctx, team); err != nil {
			return err
		}
		if err := s.Persist(ctx, NewMember("member1", 10, team)); err != nil {
			return err
		}
		s.Clear()

		members := make([]*Member, 0)
		if err := s.IDB().NewSelect().Model(&members).Scan(ctx); err != nil {
			return err
		}
		loaded = session.ManageAll(s, members)[0]
		assert.False(t, loaded.TeamLoaded())
		return nil
	}))

	_, err := loaded.GetTeam(ctx)
	assert.ErrorIs(t, err, types.ErrDetachedReference)
}

func TestItem_PersistableLifecycle(t *testing.T) {
	db, _ := testutil.OpenDB(t, Models()...)

	generated := NewItem("")
	assert.Len(t, generated.ID, 36)
	assert.True(t, generated.IsNew())

	item := NewItem("A")
	assert.True(t, item.IsNew())
	_, err := db.NewInsert().Model(item).Exec(context.Background())
	require.NoError(t, err)
	assert.False(t, item.IsNew())
	assert.Equal(t, "UTC", item.CreatedDate.Location().String())
}

func TestMemberDTO_LeavesTeamUntouched(t *testing.T) {
	m := &Member{ID: 7, Username: "member7"}
	dto := NewMemberDTO(m)
	assert.Equal(t, &MemberDTO{ID: 7, Username: "member7"}, dto)
}

func TestCatalog_KnowsEveryModel(t *testing.T) {
	db, _ := testutil.OpenDB(t)
	c := Catalog(db)
	for _, name := range []string{"Member", "Team", "Item"} {
		_, err := c.Lookup(name)
		assert.NoError(t, err, name)
	}
}
