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

// Package members wires the repositories of the member domain.
package members

import (
	"github.com/tomoncle/datajpa/model"
	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/repository"
	"github.com/uptrace/bun"
)

type TeamRepository = repository.Repository[model.Team]

type ItemRepository = repository.Repository[model.Item]

// Repositories groups every repository of the application.
type Repositories struct {
	Members     *MemberRepository
	MemberJpa   *MemberJpaRepository
	MemberQuery *MemberQueryRepository
	Teams       TeamRepository
	Items       ItemRepository
}

// NewRegistry returns a registry holding the entity named queries plus
// extra, validated against the model catalog.
func NewRegistry(db bun.IDB, extra map[string]string) (*query.Registry, error) {
	registry := query.NewRegistry()
	registry.RegisterAll(model.NamedQueries)
	registry.RegisterAll(extra)
	return validated(db, registry)
}

// LoadRegistry is NewRegistry with the extra queries read from a YAML file.
// An empty path adds nothing.
func LoadRegistry(db bun.IDB, path string) (*query.Registry, error) {
	registry := query.NewRegistry()
	registry.RegisterAll(model.NamedQueries)
	if path != "" {
		if err := registry.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return validated(db, registry)
}

func validated(db bun.IDB, registry *query.Registry) (*query.Registry, error) {
	if err := registry.Validate(model.Catalog(db)); err != nil {
		return nil, err
	}
	return registry, nil
}

// New builds every repository over db. registry must be validated.
func New(db bun.IDB, registry *query.Registry) (*Repositories, error) {
	m, err := NewMemberRepository(db, registry)
	if err != nil {
		return nil, err
	}
	return &Repositories{
		Members:     m,
		MemberJpa:   NewMemberJpaRepository(db, registry),
		MemberQuery: NewMemberQueryRepository(db),
		Teams:       repository.NewRepository[model.Team](db, registry),
		Items:       repository.NewRepository[model.Item](db, registry),
	}, nil
}
