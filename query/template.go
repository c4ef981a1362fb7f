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
	"strings"

	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun/schema"
)

// Kind is the statement a template produces.
type Kind int

const (
	KindSelect Kind = iota
	KindCount
	KindExists
	KindDelete
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindCount:
		return "count"
	case KindExists:
		return "exists"
	case KindDelete:
		return "delete"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Join follows a relation of the root entity.
type Join struct {
	Relation string
	Alias    string
	Inner    bool
	// Fetch loads the related entity into the result instead of only joining it.
	Fetch bool

	rel    *schema.Relation
	entity *Entity
}

// sqlAlias is the alias the join is rendered under. Fetched relations are
// joined by bun itself, which names the join after the relation field.
func (j *Join) sqlAlias() string {
	if j.Fetch {
		return j.rel.Field.Name
	}
	return j.Alias
}

// Selection is one projected column.
type Selection struct {
	Path string
	As   string

	col column
}

// Assignment is one SET clause of an update: Path = Source Op Value, or
// Path = Value when Source is empty.
type Assignment struct {
	Path   string
	Source string
	Op     byte
	Value  Value

	col column
	src column
}

// Template is a fully parsed query. It is built once, resolved against its
// entity once, and only bound to arguments afterwards.
type Template struct {
	Name       string
	Entity     string
	Alias      string
	Kind       Kind
	Distinct   bool
	Where      Predicate
	Sort       types.Sort
	Limit      int
	Joins      []*Join
	Selections []*Selection
	Set        []*Assignment
	Params     []string

	// qualified is set for templates whose paths start with an alias.
	qualified bool
	source    string
	entity    *Entity
	sortCols  []column
}

// Source is the query text the template was parsed from, if any.
func (t *Template) Source() string { return t.source }

// Resolved reports whether every path of the template was bound to a column.
func (t *Template) Resolved() bool { return t.entity != nil }

// EntityInfo returns the entity the template was resolved against.
func (t *Template) EntityInfo() *Entity { return t.entity }

// Projection reports whether the template selects columns rather than entities.
func (t *Template) Projection() bool { return len(t.Selections) > 0 }

func (t *Template) String() string {
	var b strings.Builder
	b.WriteString(t.Kind.String())
	b.WriteString(" ")
	b.WriteString(t.Entity)
	if t.Where != nil {
		b.WriteString(" where ")
		b.WriteString(t.Where.String())
	}
	if t.Sort.IsSorted() {
		b.WriteString(" order by ")
		b.WriteString(t.Sort.String())
	}
	return b.String()
}

func (t *Template) invalid(format string, args ...any) error {
	name := t.Name
	if name == "" {
		name = t.Entity
	}
	return fmt.Errorf("%w: %s: %s", types.ErrInvalidQuery, name, fmt.Sprintf(format, args...))
}

// Resolve binds every path of the template to a column of e. It fails with
// ErrInvalidQuery when a property, relation or alias does not exist.
func (t *Template) Resolve(e *Entity) error {
	if t.Entity != "" && !strings.EqualFold(t.Entity, e.Name) {
		return t.invalid("template targets %s, not %s", t.Entity, e.Name)
	}
	t.Entity = e.Name
	if t.Alias == "" {
		t.Alias = e.Alias()
	}
	t.entity = e

	for _, j := range t.Joins {
		rel, ok := e.Relation(j.Relation)
		if !ok {
			return t.fail("unknown relation %s.%s", e.Name, j.Relation)
		}
		if rel.Type != schema.BelongsToRelation && rel.Type != schema.HasOneRelation {
			return t.fail("relation %s.%s cannot be joined; use an entity graph", e.Name, j.Relation)
		}
		j.rel = rel
		j.entity = NewEntity(rel.JoinTable)
		if j.Alias == "" {
			j.Alias = rel.Field.Name
		}
	}

	mutation := t.Kind == KindUpdate || t.Kind == KindDelete
	if mutation && len(t.Joins) > 0 {
		return t.fail("%s statements cannot join relations", t.Kind)
	}

	if err := walk(t.Where, func(c *Compare) error {
		if len(c.Values) != c.Op.Arity() {
			return t.fail("%s expects %d operands", c.Op, c.Op.Arity())
		}
		col, err := t.resolvePath(c.Path)
		if err != nil {
			return err
		}
		c.col = col
		return nil
	}); err != nil {
		return err
	}

	for _, s := range t.Selections {
		col, err := t.resolvePath(s.Path)
		if err != nil {
			return err
		}
		s.col = col
		if s.As == "" {
			s.As = col.name
		}
	}

	t.sortCols = t.sortCols[:0]
	for _, o := range t.Sort.Orders {
		col, err := t.resolvePath(o.Property)
		if err != nil {
			return err
		}
		t.sortCols = append(t.sortCols, col)
	}

	if t.Kind == KindUpdate && len(t.Set) == 0 {
		return t.fail("update without assignments")
	}
	for _, a := range t.Set {
		col, err := t.resolvePath(a.Path)
		if err != nil {
			return err
		}
		if col.alias != e.Alias() {
			return t.fail("cannot assign %s", a.Path)
		}
		a.col = col
		if a.Source != "" {
			src, err := t.resolvePath(a.Source)
			if err != nil {
				return err
			}
			a.src = src
		}
	}

	// Mutations render unqualified columns, so every path must stay on the root.
	if mutation {
		if err := walk(t.Where, func(c *Compare) error {
			if c.col.alias != e.Alias() {
				return t.fail("%s statements cannot filter on %s", t.Kind, c.Path)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Template) fail(format string, args ...any) error {
	t.entity = nil
	return t.invalid(format, args...)
}

// resolvePath maps a property path to a column. Qualified templates write
// "m.username" or "t.name"; derived templates write "username" or "team.name".
func (t *Template) resolvePath(path string) (column, error) {
	segs := strings.Split(path, ".")
	if t.qualified {
		head := segs[0]
		if strings.EqualFold(head, t.Alias) {
			segs = segs[1:]
		} else if j := t.joinByAlias(head); j != nil {
			if len(segs) != 2 {
				return column{}, t.fail("cannot resolve %s", path)
			}
			return t.joinColumn(j, segs[1], path)
		} else {
			return column{}, t.fail("unknown alias %q in %s", head, path)
		}
	}

	switch len(segs) {
	case 1:
		f, ok := t.entity.Field(segs[0])
		if !ok {
			return column{}, t.fail("no property %s on %s", segs[0], t.entity.Name)
		}
		return column{alias: t.entity.Alias(), name: f.Name}, nil
	case 2:
		j, err := t.implicitJoin(segs[0])
		if err != nil {
			return column{}, err
		}
		return t.joinColumn(j, segs[1], path)
	default:
		return column{}, t.fail("path %s is nested too deeply", path)
	}
}

func (t *Template) joinColumn(j *Join, prop, path string) (column, error) {
	f, ok := j.entity.Field(prop)
	if !ok {
		return column{}, t.fail("no property %s on %s (in %s)", prop, j.entity.Name, path)
	}
	return column{alias: j.sqlAlias(), name: f.Name}, nil
}

func (t *Template) joinByAlias(alias string) *Join {
	for _, j := range t.Joins {
		if strings.EqualFold(j.Alias, alias) {
			return j
		}
	}
	return nil
}

// implicitJoin returns the join over relation, adding an inner join when the
// template does not declare one.
func (t *Template) implicitJoin(relation string) (*Join, error) {
	for _, j := range t.Joins {
		if strings.EqualFold(j.Relation, relation) {
			return j, nil
		}
	}
	rel, ok := t.entity.Relation(relation)
	if !ok {
		return nil, t.fail("unknown relation %s.%s", t.entity.Name, relation)
	}
	if rel.Type != schema.BelongsToRelation && rel.Type != schema.HasOneRelation {
		return nil, t.fail("relation %s.%s cannot be joined", t.entity.Name, relation)
	}
	j := &Join{
		Relation: rel.Field.GoName,
		Alias:    rel.Field.Name,
		Inner:    true,
		rel:      rel,
		entity:   NewEntity(rel.JoinTable),
	}
	t.Joins = append(t.Joins, j)
	return j, nil
}

// addParam records a parameter name once, in order of first appearance.
func (t *Template) addParam(name string) {
	for _, p := range t.Params {
		if p == name {
			return
		}
	}
	t.Params = append(t.Params, name)
}
