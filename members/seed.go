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

	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/session"
)

// SeedTeams are the teams every seeded database holds.
var SeedTeams = []string{"teamA", "teamB"}

// Seed upserts SeedTeams and, when no member exists yet, saves members
// user0..user{count-1} where user i is i years old. It reports how many
// members it created.
func Seed(ctx context.Context, factory *session.Factory, repos *Repositories, count int) (int, error) {
	created := 0
	err := factory.Run(ctx, func(ctx context.Context, s *session.Session) error {
		teams := make([]*model.Team, 0, len(SeedTeams))
		for _, name := range SeedTeams {
			teams = append(teams, model.NewTeam(name))
		}
		if err := repos.Teams.Upsert(ctx, s, []string{"name"}, []string{"name"}, teams...); err != nil {
			return fmt.Errorf("seed teams: %w", err)
		}

		n, err := repos.Members.Count(ctx, s)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		for i := 0; i < count; i++ {
			if _, err := repos.Members.Save(ctx, s, model.NewMember(fmt.Sprintf("user%d", i), i, nil)); err != nil {
				return fmt.Errorf("seed members: %w", err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
