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

	"github.com/hashicorp/go-multierror"
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/repository"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

// MemberRepositoryCustom holds hand-written member queries.
type MemberRepositoryCustom interface {
	FindMemberCustom(ctx context.Context, s *session.Session) ([]*model.Member, error)
}

// MemberRepository is the member repository: generic CRUD plus the finders
// below, all compiled when the repository is created.
type MemberRepository struct {
	repository.Repository[model.Member]
	MemberRepositoryCustom

	findByUsernameAndAgeGreaterThan *repository.Finder[model.Member]
	findByUsername                  *repository.Finder[model.Member]
	findUser                        *repository.Finder[model.Member]
	findUsernameList                *repository.Finder[model.Member]
	findMemberDTO                   *repository.Finder[model.Member]
	findByNames                     *repository.Finder[model.Member]
	findListByUsername              *repository.Finder[model.Member]
	findOneByUsername               *repository.Finder[model.Member]
	findOptionalByUsername          *repository.Finder[model.Member]
	findByAge                       *repository.Finder[model.Member]
	findSliceByAge                  *repository.Finder[model.Member]
	updateBulkAge                   *repository.Finder[model.Member]
	findMemberFetchJoin             *repository.Finder[model.Member]
	findAll                         *repository.Finder[model.Member]
	findEntityGraphByUsername       *repository.Finder[model.Member]
	findMemberEntityGraph           *repository.Finder[model.Member]
	findReadOnlyByUsername          *repository.Finder[model.Member]
	findOneLockByUsername           *repository.Finder[model.Member]
}

// finderSet collects finder compilation errors so a repository reports every
// broken query at once.
type finderSet struct {
	errs *multierror.Error
}

func (fs *finderSet) add(f *repository.Finder[model.Member], err error) *repository.Finder[model.Member] {
	if err != nil {
		fs.errs = multierror.Append(fs.errs, err)
	}
	return f
}

// NewMemberRepository compiles every member finder. It fails when any of
// them is malformed, or when a named query is missing from registry.
func NewMemberRepository(db bun.IDB, registry *query.Registry) (*MemberRepository, error) {
	base := repository.NewRepository[model.Member](db, registry)
	r := &MemberRepository{
		Repository:             base,
		MemberRepositoryCustom: NewMemberRepositoryImpl(db),
	}

	var fs finderSet
	r.findByUsernameAndAgeGreaterThan = fs.add(base.Derive("findByUsernameAndAgeGreaterThan"))
	r.findByUsername = fs.add(base.Named("Member.findByUsername"))
	r.findUser = fs.add(base.Query("Member.findUser",
		"select m from Member m where m.username = :username and m.age = :age"))
	r.findUsernameList = fs.add(base.Query("Member.findUsernameList", "select m.username from Member m"))
	r.findMemberDTO = fs.add(base.Query("Member.findMemberDTO",
		"select m.id as id, m.username as username, t.name as team_name from Member m join m.team t"))
	r.findByNames = fs.add(base.Query("Member.findByNames", "select m from Member m where m.username in :names"))
	r.findListByUsername = fs.add(base.Derive("findListByUsername"))
	r.findOneByUsername = fs.add(base.Derive("findOneByUsername"))
	r.findOptionalByUsername = fs.add(base.Derive("findOptionalByUsername"))
	r.findByAge = fs.add(base.Derive("findByAge"))
	r.findSliceByAge = fs.add(base.Derive("findSliceByAge"))
	r.updateBulkAge = fs.add(base.Query("Member.updateBulkAge",
		"update Member m set m.age = m.age + 1 where m.age >= :age", repository.ClearAutomatically()))
	r.findMemberFetchJoin = fs.add(base.Query("Member.findMemberFetchJoin", "select m from Member m left join fetch m.team"))
	r.findAll = fs.add(base.Derive("findAll", repository.WithGraph("team")))
	r.findEntityGraphByUsername = fs.add(base.Derive("findEntityGraphByUsername", repository.WithGraph("team")))
	r.findMemberEntityGraph = fs.add(base.Query("Member.findMemberEntityGraph", "select m from Member m",
		repository.WithGraph("team")))
	r.findReadOnlyByUsername = fs.add(base.Derive("findReadOnlyByUsername",
		repository.WithHint("org.hibernate.readOnly", "true")))
	r.findOneLockByUsername = fs.add(base.Derive("findOneLockByUsername",
		repository.WithLock(types.LockPessimisticWrite)))

	if err := fs.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MemberRepository) FindByUsernameAndAgeGreaterThan(ctx context.Context, s *session.Session, username string, age int) ([]*model.Member, error) {
	return r.findByUsernameAndAgeGreaterThan.List(ctx, s, username, age)
}

// FindByUsername runs the named query Member.findByUsername.
func (r *MemberRepository) FindByUsername(ctx context.Context, s *session.Session, username string) ([]*model.Member, error) {
	return r.findByUsername.List(ctx, s, query.Params{"username": username})
}

func (r *MemberRepository) FindUser(ctx context.Context, s *session.Session, username string, age int) ([]*model.Member, error) {
	return r.findUser.List(ctx, s, query.Params{"username": username, "age": age})
}

func (r *MemberRepository) FindUsernameList(ctx context.Context, s *session.Session) ([]string, error) {
	return repository.Pluck[string](ctx, r.findUsernameList, s)
}

// FindMemberDTO lists members that have a team, with the team name.
func (r *MemberRepository) FindMemberDTO(ctx context.Context, s *session.Session) ([]*model.MemberDTO, error) {
	return repository.ListAs[model.MemberDTO](ctx, r.findMemberDTO, s)
}

func (r *MemberRepository) FindByNames(ctx context.Context, s *session.Session, names []string) ([]*model.Member, error) {
	return r.findByNames.List(ctx, s, query.Params{"names": names})
}

func (r *MemberRepository) FindListByUsername(ctx context.Context, s *session.Session, username string) ([]*model.Member, error) {
	return r.findListByUsername.List(ctx, s, username)
}

// FindOneByUsername returns nil when no member matches and
// types.ErrNonUniqueResult when several do.
func (r *MemberRepository) FindOneByUsername(ctx context.Context, s *session.Session, username string) (*model.Member, error) {
	return r.findOneByUsername.One(ctx, s, username)
}

func (r *MemberRepository) FindOptionalByUsername(ctx context.Context, s *session.Session, username string) (*model.Member, error) {
	return r.findOptionalByUsername.One(ctx, s, username)
}

func (r *MemberRepository) FindByAge(ctx context.Context, s *session.Session, age int, req *types.PageRequest) (*types.Page[model.Member], error) {
	return r.findByAge.Page(ctx, s, req, age)
}

func (r *MemberRepository) FindSliceByAge(ctx context.Context, s *session.Session, age int, req *types.PageRequest) (*types.Slice[model.Member], error) {
	return r.findSliceByAge.Slice(ctx, s, req, age)
}

// UpdateBulkAge adds one to the age of every member at least age years old
// and clears the session afterwards.
func (r *MemberRepository) UpdateBulkAge(ctx context.Context, s *session.Session, age int) (int64, error) {
	return r.updateBulkAge.Update(ctx, s, query.Params{"age": age})
}

func (r *MemberRepository) FindMemberFetchJoin(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return r.findMemberFetchJoin.List(ctx, s)
}

// FindAll loads every member together with its team.
func (r *MemberRepository) FindAll(ctx context.Context, s *session.Session, opts ...repository.Option) ([]*model.Member, error) {
	return r.findAll.With(opts...).List(ctx, s)
}

func (r *MemberRepository) FindEntityGraphByUsername(ctx context.Context, s *session.Session, username string) ([]*model.Member, error) {
	return r.findEntityGraphByUsername.List(ctx, s, username)
}

func (r *MemberRepository) FindMemberEntityGraph(ctx context.Context, s *session.Session) ([]*model.Member, error) {
	return r.findMemberEntityGraph.List(ctx, s)
}

// FindReadOnlyByUsername loads a member whose changes are never flushed.
func (r *MemberRepository) FindReadOnlyByUsername(ctx context.Context, s *session.Session, username string) (*model.Member, error) {
	return r.findReadOnlyByUsername.One(ctx, s, username)
}

// FindOneLockByUsername loads a member and holds a write lock on it until the
// session ends.
func (r *MemberRepository) FindOneLockByUsername(ctx context.Context, s *session.Session, username string) (*model.Member, error) {
	return r.findOneLockByUsername.One(ctx, s, username)
}
