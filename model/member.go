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

// Package model holds the entities of the member domain and their catalog.
package model

import (
	"context"
	"fmt"

	"github.com/tomoncle/datajpa/session"
	"github.com/uptrace/bun"
)

// Member belongs to at most one Team. The team is either fetched with the
// member (Team is set) or loaded on first GetTeam through the session that
// loaded the member.
type Member struct {
	bun.BaseModel `bun:"table:member,alias:m"`

	ID       int64  `bun:"member_id,pk,autoincrement" json:"id"`
	Username string `bun:"username,notnull" json:"username"`
	Age      int    `bun:"age,notnull" json:"age"`
	TeamID   int64  `bun:"team_id,nullzero" json:"teamId,omitempty"`
	Team     *Team  `bun:"rel:belongs-to,join:team_id=team_id" json:"-"`

	team session.Ref[Team]
}

func NewMember(username string, age int, team *Team) *Member {
	m := &Member{Username: username, Age: age}
	if team != nil {
		m.ChangeTeam(team)
	}
	return m
}

// BindSession implements session.RefBinder.
func (m *Member) BindSession(s *session.Session) {
	if m.Team != nil {
		m.team.Set(m.TeamID, m.Team)
		return
	}
	m.team.Bind(s, m.TeamID)
}

// GetTeam returns the team of the member, loading it when it was not fetched.
// It fails with types.ErrDetachedReference once the loading session is gone.
func (m *Member) GetTeam(ctx context.Context) (*Team, error) {
	if m.Team != nil {
		return m.Team, nil
	}
	t, err := m.team.Get(ctx)
	if err != nil {
		return nil, err
	}
	m.Team = t
	return t, nil
}

// TeamLoaded reports whether the team is in memory already.
func (m *Member) TeamLoaded() bool {
	return m.Team != nil || m.team.IsLoaded()
}

// ChangeTeam moves the member to team, keeping Team.Members in step.
func (m *Member) ChangeTeam(team *Team) {
	m.Team = team
	m.TeamID = team.ID
	m.team.Set(team.ID, team)
	team.Members = append(team.Members, m)
}

var _ bun.BeforeAppendModelHook = (*Member)(nil)

// BeforeAppendModel copies the key of a team saved after ChangeTeam.
func (m *Member) BeforeAppendModel(_ context.Context, q bun.Query) error {
	if _, ok := q.(*bun.InsertQuery); ok && m.Team != nil && m.TeamID == 0 {
		m.TeamID = m.Team.ID
	}
	return nil
}

func (m *Member) String() string {
	return fmt.Sprintf("Member(id=%d, username=%s, age=%d)", m.ID, m.Username, m.Age)
}
