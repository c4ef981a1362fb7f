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

package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// Entity is the queryable view of a bun model: its properties and relations,
// looked up case-insensitively by Go field name or column name.
type Entity struct {
	Name  string
	Table *schema.Table

	fields    map[string]*schema.Field
	relations map[string]*schema.Relation
}

// NewEntity indexes the fields and relations of a bun table.
func NewEntity(table *schema.Table) *Entity {
	e := &Entity{
		Name:      table.TypeName,
		Table:     table,
		fields:    make(map[string]*schema.Field, len(table.Fields)*2),
		relations: make(map[string]*schema.Relation, len(table.Relations)),
	}
	if e.Name == "" {
		e.Name = table.Type.Name()
	}
	for _, f := range table.Fields {
		e.fields[strings.ToLower(f.GoName)] = f
		e.fields[strings.ToLower(f.Name)] = f
	}
	for goName, rel := range table.Relations {
		e.relations[strings.ToLower(goName)] = rel
	}
	return e
}

// EntityOf resolves the bun table of model, a struct pointer such as (*Member)(nil).
func EntityOf(db bun.IDB, model any) *Entity {
	typ := reflect.TypeOf(model)
	for typ.Kind() == reflect.Ptr || typ.Kind() == reflect.Slice {
		typ = typ.Elem()
	}
	return NewEntity(db.Dialect().Tables().Get(typ))
}

// Alias is the SQL alias bun gives the table in select queries.
func (e *Entity) Alias() string { return e.Table.Alias }

// Field looks up a property by Go or column name.
func (e *Entity) Field(name string) (*schema.Field, bool) {
	f, ok := e.fields[strings.ToLower(name)]
	return f, ok
}

// Relation looks up a relation by Go field name.
func (e *Entity) Relation(name string) (*schema.Relation, bool) {
	rel, ok := e.relations[strings.ToLower(name)]
	return rel, ok
}

// RelationNames lists the Go names of all relations, sorted.
func (e *Entity) RelationNames() []string {
	names := make([]string, 0, len(e.relations))
	for _, rel := range e.relations {
		names = append(names, rel.Field.GoName)
	}
	sort.Strings(names)
	return names
}

func (e *Entity) String() string { return e.Name }

// Catalog maps entity names to entities.
type Catalog map[string]*Entity

// NewCatalog builds a catalog over the given models.
func NewCatalog(db bun.IDB, models ...any) Catalog {
	c := make(Catalog, len(models))
	for _, m := range models {
		c.Add(EntityOf(db, m))
	}
	return c
}

func (c Catalog) Add(e *Entity) { c[strings.ToLower(e.Name)] = e }

// Lookup finds an entity by name, ignoring case.
func (c Catalog) Lookup(name string) (*Entity, error) {
	e, ok := c[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return e, nil
}

// column is a resolved SQL column reference.
type column struct {
	alias string
	name  string
}

func (c column) isZero() bool { return c.name == "" }

// ident renders the column, qualified by its table alias when qualified is set.
func (c column) ident(qualified bool) bun.Ident {
	if qualified && c.alias != "" {
		return bun.Ident(c.alias + "." + c.name)
	}
	return bun.Ident(c.name)
}
