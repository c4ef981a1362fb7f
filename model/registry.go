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

package model

import (
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/query"
	"github.com/uptrace/bun"
)

func init() {
	database.RegisteredModel(database.NewModelAdapter((*Team)(nil), 1))
	database.RegisteredModel(database.NewModelAdapter((*Member)(nil), 2))
	database.RegisteredModel(database.NewModelAdapter((*Item)(nil), 3))
}

// NamedQueries are registered with every application registry.
var NamedQueries = map[string]string{
	"Member.findByUsername": "select m from Member m where m.username = :username",
}

// Models lists the entities in table creation order.
func Models() []any {
	return []any{(*Team)(nil), (*Member)(nil), (*Item)(nil)}
}

// Catalog is the entity catalog named queries are validated against.
func Catalog(db bun.IDB) query.Catalog {
	return query.NewCatalog(db, Models()...)
}
