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
	"reflect"
	"strings"

	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"
)

type baseRepositoryImpl[T any] struct {
	db       bun.IDB
	entity   *query.Entity
	registry *query.Registry

	findAll  *Finder[T]
	countAll *query.Template
}

// NewRepository returns a generic repository for T. Named finders are looked
// up in registry, which may be nil when the repository uses none.
func NewRepository[T any](db bun.IDB, registry *query.Registry) Repository[T] {
	e := query.EntityOf(db, (*T)(nil))
	return &baseRepositoryImpl[T]{
		db:       db,
		entity:   e,
		registry: registry,
		findAll:  &Finder[T]{tpl: query.MustDerive("findAll", e)},
		countAll: query.MustDerive("countAll", e),
	}
}

func (r *baseRepositoryImpl[T]) Entity() *query.Entity { return r.entity }

func (r *baseRepositoryImpl[T]) Dialect() schema.Dialect { return r.db.Dialect() }

func (r *baseRepositoryImpl[T]) Derive(method string, opts ...Option) (*Finder[T], error) {
	tpl, err := query.Derive(method, r.entity)
	if err != nil {
		return nil, err
	}
	return newFinder[T](tpl, r.entity, opts)
}

func (r *baseRepositoryImpl[T]) Query(name, src string, opts ...Option) (*Finder[T], error) {
	tpl, err := query.Parse(name, src)
	if err != nil {
		return nil, err
	}
	if err := tpl.Resolve(r.entity); err != nil {
		return nil, err
	}
	return newFinder[T](tpl, r.entity, opts)
}

func (r *baseRepositoryImpl[T]) Named(name string, opts ...Option) (*Finder[T], error) {
	if r.registry == nil {
		return nil, fmt.Errorf("%w: no named query registry for %s", types.ErrInvalidQuery, r.entity.Name)
	}
	tpl, err := r.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if tpl.EntityInfo() != nil && tpl.EntityInfo().Table != r.entity.Table {
		return nil, fmt.Errorf("%w: named query %s targets %s, not %s", types.ErrInvalidQuery, name, tpl.Entity, r.entity.Name)
	}
	return newFinder[T](tpl, r.entity, opts)
}

func (r *baseRepositoryImpl[T]) Save(ctx context.Context, s *session.Session, entity *T) (*T, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: cannot save nil %s", types.ErrInvalidArgument, r.entity.Name)
	}
	if r.isNew(entity) {
		if err := s.Persist(ctx, entity); err != nil {
			return nil, err
		}
		return entity, nil
	}
	managed, err := s.Merge(ctx, entity)
	if err != nil {
		return nil, err
	}
	return managed.(*T), nil
}

// isNew asks Persistable entities, and otherwise treats a zero primary key as new.
func (r *baseRepositoryImpl[T]) isNew(entity *T) bool {
	if p, ok := any(entity).(Persistable); ok {
		return p.IsNew()
	}
	strct := reflect.ValueOf(entity).Elem()
	for _, pk := range r.entity.Table.PKs {
		if !pk.HasZeroValue(strct) {
			return false
		}
	}
	return true
}

func (r *baseRepositoryImpl[T]) SaveAll(ctx context.Context, s *session.Session, entities ...*T) ([]*T, error) {
	out := make([]*T, 0, len(entities))
	for _, e := range entities {
		saved, err := r.Save(ctx, s, e)
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (r *baseRepositoryImpl[T]) FindByID(ctx context.Context, s *session.Session, id any) (*T, error) {
	if err := s.AutoFlush(ctx); err != nil {
		return nil, err
	}
	return session.Find[T](ctx, s, id)
}

func (r *baseRepositoryImpl[T]) GetByID(ctx context.Context, s *session.Session, id any) (*T, error) {
	entity, err := r.FindByID(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%s %v: %w", r.entity.Name, id, types.ErrNotFound)
	}
	return entity, nil
}

func (r *baseRepositoryImpl[T]) ExistsByID(ctx context.Context, s *session.Session, id any) (bool, error) {
	if err := s.AutoFlush(ctx); err != nil {
		return false, err
	}
	q := s.IDB().NewSelect().Model((*T)(nil))
	for _, pk := range r.entity.Table.PKs {
		q = q.Where("? = ?", bun.Ident(r.entity.Alias()+"."+pk.Name), id)
	}
	ok, err := q.Exists(ctx)
	if err != nil {
		return false, database.TranslateError(err)
	}
	return ok, nil
}

func (r *baseRepositoryImpl[T]) FindAll(ctx context.Context, s *session.Session, opts ...Option) ([]*T, error) {
	return r.findAll.With(opts...).List(ctx, s)
}

func (r *baseRepositoryImpl[T]) Count(ctx context.Context, s *session.Session) (int, error) {
	if err := s.AutoFlush(ctx); err != nil {
		return 0, err
	}
	q, err := r.countAll.ApplySelect(s.IDB().NewSelect().Model((*T)(nil)), query.Params{}, query.SelectOptions{Count: true})
	if err != nil {
		return 0, err
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, database.TranslateError(err)
	}
	return n, nil
}

func (r *baseRepositoryImpl[T]) Delete(ctx context.Context, s *session.Session, entity *T) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot delete nil %s", types.ErrInvalidArgument, r.entity.Name)
	}
	return s.Remove(ctx, entity)
}

func (r *baseRepositoryImpl[T]) DeleteByID(ctx context.Context, s *session.Session, id any) error {
	entity, err := r.FindByID(ctx, s, id)
	if err != nil || entity == nil {
		return err
	}
	return s.Remove(ctx, entity)
}

func (r *baseRepositoryImpl[T]) DeleteAll(ctx context.Context, s *session.Session) error {
	_, err := r.findAll.Delete(ctx, s)
	return err
}

func (r *baseRepositoryImpl[T]) FindPage(ctx context.Context, s *session.Session, req *types.PageRequest, opts ...Option) (*types.Page[T], error) {
	return r.findAll.With(opts...).Page(ctx, s, req)
}

func (r *baseRepositoryImpl[T]) FindSlice(ctx context.Context, s *session.Session, req *types.PageRequest, opts ...Option) (*types.Slice[T], error) {
	return r.findAll.With(opts...).Slice(ctx, s, req)
}

// Upsert inserts entities in one statement, updating fields of rows whose
// conflict keys exist already. Upserted rows bypass the identity map; the
// session is cleared afterwards so later reads see them.
func (r *baseRepositoryImpl[T]) Upsert(ctx context.Context, s *session.Session, fields []string, conflictKeys []string, entities ...*T) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: fields cannot be empty", types.ErrInvalidArgument)
	}
	if len(entities) == 0 {
		return nil
	}
	if err := s.AutoFlush(ctx); err != nil {
		return err
	}

	db := s.IDB()
	var err error
	switch {
	case db.Dialect().Features().Has(feature.InsertOnConflict):
		err = r.upsertOnConflict(ctx, db, fields, conflictKeys, entities)
	case db.Dialect().Features().Has(feature.InsertOnDuplicateKey):
		err = r.upsertOnDuplicateKey(ctx, db, fields, entities)
	default:
		err = r.upsertFallback(ctx, db, entities)
	}
	if err != nil {
		return database.TranslateError(err)
	}
	s.Clear()
	return nil
}

func (r *baseRepositoryImpl[T]) upsertOnDuplicateKey(ctx context.Context, db bun.IDB, fields []string, entities []*T) error {
	var queryArgs []string
	for _, field := range fields {
		queryArgs = append(queryArgs, fmt.Sprintf("%s = VALUES(%s)", field, field))
	}
	_, err := db.NewInsert().
		Model(&entities).
		On("DUPLICATE KEY UPDATE " + strings.Join(queryArgs, ", ")).
		Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[T]) upsertOnConflict(ctx context.Context, db bun.IDB, fields []string, conflictKeys []string, entities []*T) error {
	if len(conflictKeys) == 0 {
		for _, pk := range r.entity.Table.PKs {
			conflictKeys = append(conflictKeys, pk.Name)
		}
	}
	var queryArgs []string
	for _, field := range fields {
		queryArgs = append(queryArgs, fmt.Sprintf("%s = EXCLUDED.%s", field, field))
	}
	_, err := db.NewInsert().
		Model(&entities).
		On("CONFLICT (" + strings.Join(conflictKeys, ", ") + ") DO UPDATE").
		Set(strings.Join(queryArgs, ", ")).
		Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[T]) upsertFallback(ctx context.Context, db bun.IDB, entities []*T) error {
	for _, entity := range entities {
		_, err := db.NewInsert().Model(entity).Exec(ctx)
		if err != nil {
			_, updateErr := db.NewUpdate().Model(entity).WherePK().Exec(ctx)
			if updateErr != nil {
				return fmt.Errorf("upsert failed for entity: insert error: %v, update error: %v", err, updateErr)
			}
		}
	}
	return nil
}
