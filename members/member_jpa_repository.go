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

	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/session"
	"github.com/uptrace/bun"
)

// MemberJpaRepository is the hand-written member repository: every operation
// talks to the session and query templates directly.
type MemberJpaRepository struct {
	registry   *query.Registry
	findAll    *query.Template
	count      *query.Template
	findByPage *query.Template
	totalCount *query.Template
}

func NewMemberJpaRepository(db bun.IDB, registry *query.Registry) *MemberJpaRepository {
	return &MemberJpaRepository{
		registry:   registry,
		findAll:    mustParse(db, "MemberJpa.findAll", "select m from Member m"),
		count:      mustParse(db, "MemberJpa.count", "select count(m) from Member m"),
		findByPage: mustParse(db, "MemberJpa.findByPage", "select m from Member m where m.age = :age order by m.username desc"),
		totalCount: mustParse(db, "MemberJpa.totalCount", "select count(m) from Member m where m.age = :age"),
	}
}

func (r *MemberJpaRepository) Save(ctx context.Context, s *session.Session, m *model.Member) (*model.Member, error) {
	if err := s.Persist(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MemberJpaRepository) Delete(ctx context.Context, s *session.Session, m *model.Member) error {
	return s.Remove(ctx, m)
}

// Find returns nil when no member has the id.
func (r *MemberJpaRepository) Find(ctx context.Context, s *session.Session, id int64) (*model.Member, error) {
	return session.Find[model.Member](ctx, s, id)
}

func (r *MemberJpaRepository) FindAll(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return selectMembers(ctx, s, r.findAll, query.Params{}, nil)
}

func (r *MemberJpaRepository) Count(ctx context.Context, s *session.Session) (int, error) {
	return r.countWith(ctx, s, r.count, query.Params{})
}

// FindByUsername runs the named query Member.findByUsername.
func (r *MemberJpaRepository) FindByUsername(ctx context.Context, s *session.Session, username string) ([]*model.Member, error) {
	tpl, err := r.registry.Lookup("Member.findByUsername")
	if err != nil {
		return nil, err
	}
	return selectMembers(ctx, s, tpl, query.Params{"username": username}, nil)
}

// FindByPage returns members of the given age ordered by username descending,
// skipping offset rows and returning at most limit.
func (r *MemberJpaRepository) FindByPage(ctx context.Context, s *session.Session, age, offset, limit int) ([]*model.Member, error) {
	return selectMembers(ctx, s, r.findByPage, query.Params{"age": age}, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Offset(offset).Limit(limit)
	})
}

func (r *MemberJpaRepository) TotalCount(ctx context.Context, s *session.Session, age int) (int, error) {
	return r.countWith(ctx, s, r.totalCount, query.Params{"age": age})
}

func (r *MemberJpaRepository) countWith(ctx context.Context, s *session.Session, tpl *query.Template, params query.Params) (int, error) {
	if err := s.AutoFlush(ctx); err != nil {
		return 0, err
	}
	q, err := tpl.ApplySelect(s.IDB().NewSelect().Model((*model.Member)(nil)), params, query.SelectOptions{Count: true})
	if err != nil {
		return 0, err
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, database.TranslateError(err)
	}
	return n, nil
}
