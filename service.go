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

	"github.com/tomoncle/datajpa/repository"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/types"
)

// Service runs repository operations in a transaction of their own. Reads
// use read-only sessions, so entities they return are detached and their
// unfetched references fail with types.ErrDetachedReference.
type Service[T any] interface {
	// Get returns a single entity by its identifier, or types.ErrNotFound.
	Get(ctx context.Context, id any) (*T, error)

	// Find returns nil without error when no entity has the identifier.
	Find(ctx context.Context, id any) (*T, error)

	// All returns all entities.
	All(ctx context.Context, opts ...repository.Option) ([]*T, error)

	// Page returns one page of entities and the total count.
	Page(ctx context.Context, req *types.PageRequest, opts ...repository.Option) (*types.Page[T], error)

	Count(ctx context.Context) (int, error)

	// Save inserts new entities and merges detached ones.
	Save(ctx context.Context, model ...*T) error

	// SaveOrUpdate upserts entities based on fields and duplicate keys.
	SaveOrUpdate(ctx context.Context, fields []string, duplicateKeys []string, model ...*T) error

	// Delete removes an entity by its identifier; absent ids are ignored.
	Delete(ctx context.Context, id any) error

	// InSession runs fn in one read-write session, for work spanning
	// several calls.
	InSession(ctx context.Context, fn func(ctx context.Context, s *session.Session) error) error

	Repository() repository.Repository[T]
}

type baseServiceImpl[T any] struct {
	factory *session.Factory
	repo    repository.Repository[T]
}

// NewService returns a Service over repo whose sessions come from factory.
func NewService[T any](factory *session.Factory, repo repository.Repository[T]) Service[T] {
	return &baseServiceImpl[T]{factory: factory, repo: repo}
}

func (s *baseServiceImpl[T]) Repository() repository.Repository[T] { return s.repo }

func (s *baseServiceImpl[T]) InSession(ctx context.Context, fn func(ctx context.Context, s *session.Session) error) error {
	return s.factory.Run(ctx, fn)
}

func (s *baseServiceImpl[T]) read(ctx context.Context, fn func(ctx context.Context, sess *session.Session) error) error {
	return s.factory.Run(ctx, fn, session.WithReadOnly())
}

func (s *baseServiceImpl[T]) Get(ctx context.Context, id any) (out *T, err error) {
	err = s.read(ctx, func(ctx context.Context, sess *session.Session) error {
		out, err = s.repo.GetByID(ctx, sess, id)
		return err
	})
	return out, err
}

func (s *baseServiceImpl[T]) Find(ctx context.Context, id any) (out *T, err error) {
	err = s.read(ctx, func(ctx context.Context, sess *session.Session) error {
		out, err = s.repo.FindByID(ctx, sess, id)
		return err
	})
	return out, err
}

func (s *baseServiceImpl[T]) All(ctx context.Context, opts ...repository.Option) (out []*T, err error) {
	err = s.read(ctx, func(ctx context.Context, sess *session.Session) error {
		out, err = s.repo.FindAll(ctx, sess, opts...)
		return err
	})
	return out, err
}

func (s *baseServiceImpl[T]) Page(ctx context.Context, req *types.PageRequest, opts ...repository.Option) (out *types.Page[T], err error) {
	err = s.read(ctx, func(ctx context.Context, sess *session.Session) error {
		out, err = s.repo.FindPage(ctx, sess, req, opts...)
		return err
	})
	return out, err
}

func (s *baseServiceImpl[T]) Count(ctx context.Context) (n int, err error) {
	err = s.read(ctx, func(ctx context.Context, sess *session.Session) error {
		n, err = s.repo.Count(ctx, sess)
		return err
	})
	return n, err
}

func (s *baseServiceImpl[T]) Save(ctx context.Context, model ...*T) error {
	return s.InSession(ctx, func(ctx context.Context, sess *session.Session) error {
		_, err := s.repo.SaveAll(ctx, sess, model...)
		return err
	})
}

func (s *baseServiceImpl[T]) SaveOrUpdate(ctx context.Context, fields []string, duplicateKeys []string, model ...*T) error {
	return s.InSession(ctx, func(ctx context.Context, sess *session.Session) error {
		return s.repo.Upsert(ctx, sess, fields, duplicateKeys, model...)
	})
}

func (s *baseServiceImpl[T]) Delete(ctx context.Context, id any) error {
	return s.InSession(ctx, func(ctx context.Context, sess *session.Session) error {
		return s.repo.DeleteByID(ctx, sess, id)
	})
}
