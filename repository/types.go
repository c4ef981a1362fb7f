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

	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun/schema"
)

// Persistable entities decide themselves whether Save inserts them. Entities
// with assigned identifiers implement it so saving a new one issues no select.
type Persistable interface {
	IsNew() bool
}

// CrudRepository defines basic CRUD operations for a generic entity type.
// Every operation runs in the session it is given.
type CrudRepository[T any] interface {
	// Save inserts a new entity or merges a detached one, and returns the
	// managed instance.
	Save(ctx context.Context, s *session.Session, entity *T) (*T, error)

	SaveAll(ctx context.Context, s *session.Session, entities ...*T) ([]*T, error)

	// FindByID returns nil without error when no entity has the id.
	FindByID(ctx context.Context, s *session.Session, id any) (*T, error)

	// GetByID fails with types.ErrNotFound when no entity has the id.
	GetByID(ctx context.Context, s *session.Session, id any) (*T, error)

	ExistsByID(ctx context.Context, s *session.Session, id any) (bool, error)

	FindAll(ctx context.Context, s *session.Session, opts ...Option) ([]*T, error)

	Count(ctx context.Context, s *session.Session) (int, error)

	// Delete removes the entity; deleting an absent entity is a no-op.
	Delete(ctx context.Context, s *session.Session, entity *T) error

	DeleteByID(ctx context.Context, s *session.Session, id any) error

	DeleteAll(ctx context.Context, s *session.Session) error
}

// PageQueryRepository defines pagination functionality for listing entities.
type PageQueryRepository[T any] interface {
	FindPage(ctx context.Context, s *session.Session, req *types.PageRequest, opts ...Option) (*types.Page[T], error)

	FindSlice(ctx context.Context, s *session.Session, req *types.PageRequest, opts ...Option) (*types.Slice[T], error)
}

// UpsertRepository writes rows in bulk, updating rows whose conflict keys
// already exist.
type UpsertRepository[T any] interface {
	Upsert(ctx context.Context, s *session.Session, fields []string, conflictKeys []string, entities ...*T) error
}

// QueryRepository compiles finders. All of them fail on a malformed query
// when called, which is meant to happen while the repository is set up.
type QueryRepository[T any] interface {
	// Derive compiles a method name such as "findByUsernameAndAgeGreaterThan".
	Derive(method string, opts ...Option) (*Finder[T], error)

	// Query compiles a query string.
	Query(name, src string, opts ...Option) (*Finder[T], error)

	// Named looks a validated query up in the registry.
	Named(name string, opts ...Option) (*Finder[T], error)
}

// Repository combines CRUD, pagination, upsert and query compilation.
type Repository[T any] interface {
	CrudRepository[T]
	PageQueryRepository[T]
	UpsertRepository[T]
	QueryRepository[T]
	Entity() *query.Entity
	Dialect() schema.Dialect
}
