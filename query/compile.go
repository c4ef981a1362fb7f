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
	"strings"

	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

// Params are the named arguments a template runs with.
type Params map[string]any

// Bind maps call arguments onto the template parameters. Arguments are either
// positional, one per parameter in declaration order, or a single Params map.
func (t *Template) Bind(args ...any) (Params, error) {
	if len(args) == 1 {
		if p, ok := args[0].(Params); ok {
			for _, name := range t.Params {
				if _, ok := p[name]; !ok {
					return nil, fmt.Errorf("%w: missing parameter %q for %s", types.ErrInvalidArgument, name, t.Name)
				}
			}
			return p, nil
		}
	}
	if len(args) != len(t.Params) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d",
			types.ErrInvalidArgument, t.Name, len(t.Params), len(args))
	}
	p := make(Params, len(args))
	for i, name := range t.Params {
		p[name] = args[i]
	}
	return p, nil
}

// SelectOptions adjust how a select template is rendered for one call.
type SelectOptions struct {
	// Fetch names relations loaded with the result in addition to fetch joins.
	Fetch []string
	// Sort is applied after the static order of the template.
	Sort types.Sort
	// Count renders the count variant: no order and no limit.
	Count bool
}

// ApplySelect renders the template onto a select query whose model is the
// template entity. Paging, locking and scanning are left to the caller.
func (t *Template) ApplySelect(q *bun.SelectQuery, params Params, opts SelectOptions) (*bun.SelectQuery, error) {
	if !t.Resolved() {
		return nil, t.invalid("template is not resolved")
	}
	if t.Distinct {
		q = q.Distinct()
	}
	for _, s := range t.Selections {
		q = q.ColumnExpr("? AS ?", s.col.ident(true), bun.Ident(s.As))
	}

	fetched := make(map[string]bool, len(opts.Fetch))
	for _, name := range opts.Fetch {
		rel, ok := t.entity.Relation(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown relation %s.%s", types.ErrInvalidArgument, t.entity.Name, name)
		}
		fetched[rel.Field.GoName] = true
	}
	for _, j := range t.Joins {
		if j.Fetch {
			fetched[j.rel.Field.GoName] = true
		}
	}
	for _, j := range t.Joins {
		if j.Fetch || sharesRelationJoin(j, fetched) {
			continue
		}
		join := "LEFT JOIN ? AS ? ON "
		if j.Inner {
			join = "JOIN ? AS ? ON "
		}
		args := []any{bun.Ident(j.rel.JoinTable.Name), bun.Ident(j.Alias)}
		for i, base := range j.rel.BaseFields {
			if i > 0 {
				join += " AND "
			}
			join += "? = ?"
			args = append(args,
				bun.Ident(j.Alias+"."+j.rel.JoinFields[i].Name),
				bun.Ident(t.entity.Alias()+"."+base.Name))
		}
		q = q.Join(join, args...)
	}
	for _, name := range t.entity.RelationNames() {
		if !fetched[name] {
			continue
		}
		if t.Projection() || opts.Count {
			// Projections and counts only need the join, not the columns.
			q = q.Relation(name, func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.ExcludeColumn("*")
			})
		} else {
			q = q.Relation(name)
		}
	}
	for _, j := range t.Joins {
		if (j.Fetch || sharesRelationJoin(j, fetched)) && j.Inner {
			for _, pk := range j.rel.JoinTable.PKs {
				q = q.Where("? IS NOT NULL", bun.Ident(j.sqlAlias()+"."+pk.Name))
			}
		}
	}

	if t.Where != nil {
		sql, args, err := compilePredicate(t.Where, params, true)
		if err != nil {
			return nil, err
		}
		q = q.Where(sql, args...)
	}

	if opts.Count {
		return q, nil
	}

	ordered := make(map[column]bool)
	for i, o := range t.Sort.Orders {
		q = q.OrderExpr("? "+o.Direction.Name(), t.sortCols[i].ident(true))
		ordered[t.sortCols[i]] = true
	}
	for _, o := range opts.Sort.Orders {
		col, err := t.sortColumn(o.Property)
		if err != nil {
			return nil, err
		}
		if ordered[col] {
			continue
		}
		q = q.OrderExpr("? "+o.Direction.Name(), col.ident(true))
		ordered[col] = true
	}
	// Deterministic order across repeated calls: the primary key breaks ties.
	// DISTINCT projections may only order by selected columns.
	if !(t.Distinct && t.Projection()) {
		for _, pk := range t.entity.Table.PKs {
			col := column{alias: t.entity.Alias(), name: pk.Name}
			if !ordered[col] {
				q = q.OrderExpr("? ASC", col.ident(true))
			}
		}
	}
	if t.Limit > 0 {
		q = q.Limit(t.Limit)
	}
	return q, nil
}

// sharesRelationJoin reports whether a plain join is rendered under the same
// alias as the relation bun joins for fetching. The fetch join then stands in
// for it and inner semantics come from a not-null filter.
func sharesRelationJoin(j *Join, fetched map[string]bool) bool {
	return !j.Fetch && fetched[j.rel.Field.GoName] && strings.EqualFold(j.Alias, j.rel.Field.Name)
}

// sortColumn resolves a call-time sort property. Unlike template paths, an
// unknown property here is bad input rather than a broken template.
func (t *Template) sortColumn(prop string) (column, error) {
	if f, ok := t.entity.Field(prop); ok {
		return column{alias: t.entity.Alias(), name: f.Name}, nil
	}
	if head, tail, ok := strings.Cut(prop, "."); ok {
		for _, j := range t.Joins {
			if strings.EqualFold(j.Alias, head) || strings.EqualFold(j.Relation, head) {
				if f, ok := j.entity.Field(tail); ok {
					return column{alias: j.sqlAlias(), name: f.Name}, nil
				}
			}
		}
	}
	return column{}, fmt.Errorf("%w: cannot sort %s by %q", types.ErrInvalidArgument, t.entity.Name, prop)
}

// ApplyUpdate renders an update template onto an update query over the entity.
func (t *Template) ApplyUpdate(q *bun.UpdateQuery, params Params) (*bun.UpdateQuery, error) {
	if !t.Resolved() || t.Kind != KindUpdate {
		return nil, t.invalid("not a resolved update template")
	}
	for _, a := range t.Set {
		val, err := operand(a.Value, params)
		if err != nil {
			return nil, err
		}
		if a.Source == "" {
			q = q.Set("? = ?", a.col.ident(false), val)
			continue
		}
		q = q.Set("? = ? "+string(a.Op)+" ?", a.col.ident(false), a.src.ident(false), val)
	}
	return applyMutationWhere(t, q, params)
}

// ApplyDelete renders a delete template onto a delete query over the entity.
func (t *Template) ApplyDelete(q *bun.DeleteQuery, params Params) (*bun.DeleteQuery, error) {
	if !t.Resolved() || t.Kind != KindDelete {
		return nil, t.invalid("not a resolved delete template")
	}
	return applyMutationWhere(t, q, params)
}

type whereQuery[Q any] interface {
	Where(query string, args ...any) Q
}

func applyMutationWhere[Q whereQuery[Q]](t *Template, q Q, params Params) (Q, error) {
	if t.Where == nil {
		// bun refuses unfiltered mutations; an explicit tautology states intent.
		return q.Where("1 = 1"), nil
	}
	sql, args, err := compilePredicate(t.Where, params, false)
	if err != nil {
		return q, err
	}
	return q.Where(sql, args...), nil
}

// compilePredicate renders a predicate tree as a bun WHERE fragment with ?
// placeholders. Values are always passed as arguments, never interpolated.
func compilePredicate(p Predicate, params Params, qualified bool) (string, []any, error) {
	switch n := p.(type) {
	case *Compare:
		return compileCompare(n, params, qualified)
	case *And:
		return compileGroup(n.Predicates, " AND ", params, qualified)
	case *Or:
		return compileGroup(n.Predicates, " OR ", params, qualified)
	default:
		return "", nil, fmt.Errorf("%w: unsupported predicate %T", types.ErrInvalidQuery, p)
	}
}

func compileGroup(ps []Predicate, sep string, params Params, qualified bool) (string, []any, error) {
	parts := make([]string, 0, len(ps))
	var args []any
	for _, child := range ps {
		sql, childArgs, err := compilePredicate(child, params, qualified)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, childArgs...)
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

func compileCompare(c *Compare, params Params, qualified bool) (string, []any, error) {
	col := c.col.ident(qualified)
	vals := make([]any, len(c.Values))
	for i, v := range c.Values {
		val, err := operand(v, params)
		if err != nil {
			return "", nil, err
		}
		vals[i] = val
	}

	switch c.Op {
	case OpIsNull:
		return "? IS NULL", []any{col}, nil
	case OpIsNotNull:
		return "? IS NOT NULL", []any{col}, nil
	case OpEquals:
		if isNil(vals[0]) {
			return "? IS NULL", []any{col}, nil
		}
		return "? = ?", []any{col, vals[0]}, nil
	case OpNotEquals:
		if isNil(vals[0]) {
			return "? IS NOT NULL", []any{col}, nil
		}
		return "? <> ?", []any{col, vals[0]}, nil
	case OpGreaterThan:
		return "? > ?", []any{col, vals[0]}, nil
	case OpGreaterThanEqual:
		return "? >= ?", []any{col, vals[0]}, nil
	case OpLessThan:
		return "? < ?", []any{col, vals[0]}, nil
	case OpLessThanEqual:
		return "? <= ?", []any{col, vals[0]}, nil
	case OpBetween:
		return "? BETWEEN ? AND ?", []any{col, vals[0], vals[1]}, nil
	case OpIn, OpNotIn:
		n, ok := sliceLen(vals[0])
		if !ok {
			return "", nil, fmt.Errorf("%w: %s needs a slice, got %T", types.ErrInvalidArgument, c, vals[0])
		}
		if n == 0 {
			// IN () is not valid SQL: nothing matches an empty set.
			if c.Op == OpIn {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		if c.Op == OpIn {
			return "? IN (?)", []any{col, bun.In(vals[0])}, nil
		}
		return "? NOT IN (?)", []any{col, bun.In(vals[0])}, nil
	case OpLike:
		return "? LIKE ?", []any{col, vals[0]}, nil
	case OpNotLike:
		return "? NOT LIKE ?", []any{col, vals[0]}, nil
	case OpStartsWith:
		return likeEscaped, []any{col, escapeLike(vals[0]) + "%"}, nil
	case OpEndsWith:
		return likeEscaped, []any{col, "%" + escapeLike(vals[0])}, nil
	case OpContains:
		return likeEscaped, []any{col, "%" + escapeLike(vals[0]) + "%"}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported operator %s", types.ErrInvalidQuery, c.Op)
	}
}

// likeEscaped matches a pattern built by escapeLike. '!' is the escape
// character because a backslash means different things in MySQL and
// PostgreSQL string literals.
const likeEscaped = "? LIKE ? ESCAPE '!'"

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// escapeLike makes v match literally inside a LIKE pattern.
func escapeLike(v any) string {
	return likeEscaper.Replace(fmt.Sprint(v))
}

func operand(v Value, params Params) (any, error) {
	if !v.IsParam() {
		return v.Literal, nil
	}
	val, ok := params[v.Param]
	if !ok {
		return nil, fmt.Errorf("%w: missing parameter %q", types.ErrInvalidArgument, v.Param)
	}
	return val, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

func sliceLen(v any) (int, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return 0, false
	}
	return rv.Len(), true
}
