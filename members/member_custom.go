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

// MemberRepositoryImpl implements MemberRepositoryCustom on the session
// directly, without going through the generic repository.
type MemberRepositoryImpl struct {
	all *query.Template
}

func NewMemberRepositoryImpl(db bun.IDB) *MemberRepositoryImpl {
	return &MemberRepositoryImpl{all: mustParse(db, "Member.findMemberCustom", "select m from Member m")}
}

func (r *MemberRepositoryImpl) FindMemberCustom(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return selectMembers(ctx, s, r.all, query.Params{}, nil)
}

// MemberQueryRepository is a standalone query repository for members.
type MemberQueryRepository struct {
	all *query.Template
}

func NewMemberQueryRepository(db bun.IDB) *MemberQueryRepository {
	return &MemberQueryRepository{all: mustParse(db, "MemberQuery.findAllMembers", "select m From Member m")}
}

func (r *MemberQueryRepository) FindAllMembers(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return selectMembers(ctx, s, r.all, query.Params{}, nil)
}

func mustParse(db bun.IDB, name, src string) *query.Template {
	tpl, err := query.Parse(name, src)
	if err != nil {
		panic(err)
	}
	if err := tpl.Resolve(query.EntityOf(db, (*model.Member)(nil))); err != nil {
		panic(err)
	}
	return tpl
}

// selectMembers runs a member template in s and manages the result.
func selectMembers(ctx context.Context, s *session.Session, tpl *query.Template, params query.Params, window func(*bun.SelectQuery) *bun.SelectQuery) ([]*model.Member, error) {
	if err := s.AutoFlush(ctx); err != nil {
		return nil, err
	}
	var rows []*model.Member
	q, err := tpl.ApplySelect(s.IDB().NewSelect().Model(&rows), params, query.SelectOptions{})
	if err != nil {
		return nil, err
	}
	if window != nil {
		q = window(q)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, database.TranslateError(err)
	}
	return session.ManageAll(s, rows), nil
}
