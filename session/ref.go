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

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

// Find returns the entity of type T with the given primary key. The session
// identity map is consulted first; a miss selects the row and manages it.
// An absent row yields nil and no error.
func Find[T any](ctx context.Context, s *Session, id any) (*T, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	table := s.Dialect().Tables().Get(reflect.TypeOf((*T)(nil)).Elem())
	if len(table.PKs) != 1 {
		return nil, fmt.Errorf("%w: %s needs exactly one primary key", types.ErrInvalidArgument, table.TypeName)
	}
	if e, ok := s.entries[keyFor(table, id)]; ok {
		if m, ok := e.model.(*T); ok {
			return m, nil
		}
	}

	model := new(T)
	pk := table.PKs[0]
	err := s.tx.NewSelect().Model(model).
		Where("? = ?", bun.Ident(table.Alias+"."+pk.Name), id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", keyFor(table, id), database.TranslateError(err))
	}
	return s.Manage(model).(*T), nil
}

// ManageAll replaces each loaded entity by its managed instance.
func ManageAll[T any](s *Session, models []*T) []*T {
	for i, m := range models {
		if managed, ok := s.Manage(m).(*T); ok {
			models[i] = managed
		}
	}
	return models
}

// Ref is a deferred to-one reference: the key of the target plus the session
// that can load it. The target is fetched on the first Get and cached; once
// the session is closed or cleared, an unloaded Ref fails with
// types.ErrDetachedReference.
type Ref[T any] struct {
	id     any
	sess   *Session
	epoch  uint64
	target *T
	loaded bool
}

// NewRef returns an unbound reference to the entity with the given key.
func NewRef[T any](id any) Ref[T] {
	return Ref[T]{id: id}
}

// Bind attaches the reference to s and points it at id. A changed key drops
// the cached target.
func (r *Ref[T]) Bind(s *Session, id any) {
	if r.loaded && !reflect.DeepEqual(r.id, id) {
		r.target, r.loaded = nil, false
	}
	r.id = id
	r.sess = s
	if s != nil {
		r.epoch = s.epoch
	}
}

func (r *Ref[T]) ID() any { return r.id }

// IsLoaded reports whether the target was fetched or set.
func (r *Ref[T]) IsLoaded() bool { return r.loaded }

// Set points the reference at an already loaded target.
func (r *Ref[T]) Set(id any, target *T) {
	r.id = id
	r.target = target
	r.loaded = true
}

// Get resolves the reference. A zero key resolves to nil.
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if r.loaded {
		return r.target, nil
	}
	if r.id == nil || reflect.ValueOf(r.id).IsZero() {
		return nil, nil
	}
	if r.sess == nil || r.sess.closed || r.sess.epoch != r.epoch {
		return nil, fmt.Errorf("%w: %T(%v)", types.ErrDetachedReference, (*T)(nil), r.id)
	}
	target, err := Find[T](ctx, r.sess, r.id)
	if err != nil {
		return nil, err
	}
	r.target, r.loaded = target, true
	return target, nil
}
