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
	"strconv"
	"strings"
	"unicode"

	"github.com/tomoncle/datajpa/types"
)

var derivedPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"exists", KindExists},
	{"count", KindCount},
	{"delete", KindDelete},
	{"remove", KindDelete},
	{"search", KindSelect},
	{"stream", KindSelect},
	{"query", KindSelect},
	{"find", KindSelect},
	{"read", KindSelect},
	{"get", KindSelect},
}

// Suffix keywords, longest first so that "GreaterThanEqual" wins over "Equal".
var derivedKeywords = []struct {
	keyword string
	op      Operator
}{
	{"IsGreaterThanEqual", OpGreaterThanEqual},
	{"GreaterThanEqual", OpGreaterThanEqual},
	{"IsLessThanEqual", OpLessThanEqual},
	{"LessThanEqual", OpLessThanEqual},
	{"IsStartingWith", OpStartsWith},
	{"IsGreaterThan", OpGreaterThan},
	{"IsEndingWith", OpEndsWith},
	{"IsContaining", OpContains},
	{"StartingWith", OpStartsWith},
	{"GreaterThan", OpGreaterThan},
	{"IsLessThan", OpLessThan},
	{"EndingWith", OpEndsWith},
	{"Containing", OpContains},
	{"IsNotLike", OpNotLike},
	{"IsNotNull", OpIsNotNull},
	{"StartsWith", OpStartsWith},
	{"IsBetween", OpBetween},
	{"LessThan", OpLessThan},
	{"EndsWith", OpEndsWith},
	{"Contains", OpContains},
	{"IsEquals", OpEquals},
	{"NotLike", OpNotLike},
	{"NotNull", OpIsNotNull},
	{"IsNotIn", OpNotIn},
	{"Between", OpBetween},
	{"IsAfter", OpGreaterThan},
	{"IsBefore", OpLessThan},
	{"IsNull", OpIsNull},
	{"IsLike", OpLike},
	{"Equals", OpEquals},
	{"Before", OpLessThan},
	{"IsNot", OpNotEquals},
	{"NotIn", OpNotIn},
	{"After", OpGreaterThan},
	{"IsIn", OpIn},
	{"Null", OpIsNull},
	{"Like", OpLike},
	{"Not", OpNotEquals},
	{"Is", OpEquals},
	{"In", OpIn},
}

// Derive compiles a repository method name such as
// "findByUsernameAndAgeGreaterThan" into a resolved template over e.
//
// Parameters are named arg0, arg1, ... in the order their properties appear in
// the name. Malformed names and unknown properties fail with ErrInvalidQuery.
func Derive(name string, e *Entity) (*Template, error) {
	t := &Template{Name: name, Entity: e.Name, Alias: e.Alias(), entity: e}

	rest, ok := "", false
	for _, p := range derivedPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			t.Kind = p.kind
			rest, ok = name[len(p.prefix):], true
			break
		}
	}
	if !ok {
		return nil, t.invalid("method name must start with find, read, get, query, search, stream, count, exists, delete or remove")
	}
	if rest != "" && !isUpper(rest, 0) {
		return nil, t.invalid("unexpected %q after the subject prefix", rest)
	}

	subject, predicate, hasBy := strings.Cut(rest, "By")
	if err := t.parseSubject(subject); err != nil {
		return nil, err
	}
	if !hasBy {
		// No criteria: findAll, countAll, findTop3, findMemberEntityGraph...
		if err := t.Resolve(e); err != nil {
			return nil, err
		}
		return t, nil
	}

	if predicate == "" {
		return nil, t.invalid("missing criteria after By")
	}
	orderBy := ""
	if i := strings.Index(predicate, "OrderBy"); i >= 0 {
		predicate, orderBy = predicate[:i], predicate[i+len("OrderBy"):]
		if orderBy == "" {
			return nil, t.invalid("missing properties after OrderBy")
		}
	}
	if predicate != "" {
		var ors []Predicate
		for _, orPart := range splitKeyword(predicate, "Or") {
			var ands []Predicate
			for _, part := range splitKeyword(orPart, "And") {
				if part == "" {
					return nil, t.invalid("empty criteria in %q", predicate)
				}
				c, err := t.derivePart(part)
				if err != nil {
					return nil, err
				}
				ands = append(ands, c)
			}
			ors = append(ors, AllOf(ands...))
		}
		t.Where = AnyOf(ors...)
	}
	if orderBy != "" {
		if err := t.deriveOrder(orderBy); err != nil {
			return nil, err
		}
	}
	if err := t.Resolve(e); err != nil {
		return nil, err
	}
	return t, nil
}

// MustDerive is Derive for repository constructors; it panics on error.
func MustDerive(name string, e *Entity) *Template {
	t, err := Derive(name, e)
	if err != nil {
		panic(err)
	}
	return t
}

// parseSubject reads the text between the prefix and "By". Distinct, First<N>
// and Top<N> carry meaning; anything else (List, Optional, EntityGraph, ...) is
// just a readable label.
func (t *Template) parseSubject(subject string) error {
	if strings.HasPrefix(subject, "Distinct") {
		t.Distinct = true
		subject = subject[len("Distinct"):]
	}
	for _, kw := range []string{"First", "Top"} {
		idx := strings.Index(subject, kw)
		if idx < 0 {
			continue
		}
		digits := subject[idx+len(kw):]
		end := 0
		for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
			end++
		}
		if end < len(digits) && !isUpper(digits, end) {
			// Part of a longer word, e.g. "Topic".
			continue
		}
		t.Limit = 1
		if end > 0 {
			n, err := strconv.Atoi(digits[:end])
			if err != nil || n < 1 {
				return t.invalid("invalid limit in %q", subject)
			}
			t.Limit = n
		}
		break
	}
	return nil
}

func (t *Template) derivePart(part string) (*Compare, error) {
	for _, kw := range derivedKeywords {
		if !strings.HasSuffix(part, kw.keyword) || len(part) == len(kw.keyword) {
			continue
		}
		if path, ok := t.deriveProperty(part[:len(part)-len(kw.keyword)]); ok {
			return t.deriveCompare(path, kw.op), nil
		}
	}
	if path, ok := t.deriveProperty(part); ok {
		return t.deriveCompare(path, OpEquals), nil
	}
	return nil, t.invalid("no property %s on %s", lowerFirst(part), t.entity.Name)
}

func (t *Template) deriveCompare(path string, op Operator) *Compare {
	c := &Compare{Path: path, Op: op}
	for i := 0; i < op.Arity(); i++ {
		name := fmt.Sprintf("arg%d", len(t.Params))
		t.addParam(name)
		c.Values = append(c.Values, Param(name))
	}
	return c
}

// deriveProperty maps a capitalised property such as "Age" or "TeamName" to a
// path, traversing one relation when the root has no matching field.
func (t *Template) deriveProperty(prop string) (string, bool) {
	if prop == "" {
		return "", false
	}
	if f, ok := t.entity.Field(prop); ok {
		return strings.ToLower(f.GoName), true
	}
	// A bare relation compares its foreign key, as in findByTeamIsNull.
	if rel, ok := t.entity.Relation(prop); ok && len(rel.BaseFields) == 1 && !rel.BaseFields[0].IsPK {
		return strings.ToLower(rel.BaseFields[0].GoName), true
	}
	lower := strings.ToLower(prop)
	for _, relName := range t.entity.RelationNames() {
		rel, _ := t.entity.Relation(relName)
		prefix := strings.ToLower(relName)
		if !strings.HasPrefix(lower, prefix) || len(lower) == len(prefix) {
			continue
		}
		target := NewEntity(rel.JoinTable)
		if f, ok := target.Field(prop[len(prefix):]); ok {
			return prefix + "." + strings.ToLower(f.GoName), true
		}
	}
	return "", false
}

func (t *Template) deriveOrder(orderBy string) error {
	var orders []types.Order
	for _, part := range splitAfterDirection(orderBy) {
		dir := types.Asc
		switch {
		case strings.HasSuffix(part, "Desc"):
			dir, part = types.Desc, strings.TrimSuffix(part, "Desc")
		case strings.HasSuffix(part, "Asc"):
			part = strings.TrimSuffix(part, "Asc")
		}
		path, ok := t.deriveProperty(part)
		if !ok {
			return t.invalid("cannot order by %q", part)
		}
		orders = append(orders, types.Order{Property: path, Direction: dir})
	}
	t.Sort = types.Sort{Orders: orders}
	return nil
}

// splitKeyword splits s at every occurrence of kw that is followed by an
// upper-case letter, so "UsernameOrAge" splits on Or but "Order" does not.
func splitKeyword(s, kw string) []string {
	var parts []string
	start := 0
	for i := 0; i+len(kw) < len(s); i++ {
		if s[i:i+len(kw)] == kw && isUpper(s, i+len(kw)) && i > start {
			parts = append(parts, s[start:i])
			start = i + len(kw)
			i = start - 1
		}
	}
	return append(parts, s[start:])
}

// splitAfterDirection splits "AgeDescUsername" into "AgeDesc" and "Username".
func splitAfterDirection(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		for _, dir := range []string{"Desc", "Asc"} {
			end := i + len(dir)
			if end < len(s) && s[i:end] == dir && isUpper(s, end) {
				parts = append(parts, s[start:end])
				start = end
				i = end - 1
			}
		}
	}
	return append(parts, s[start:])
}

func isUpper(s string, i int) bool {
	return i < len(s) && unicode.IsUpper(rune(s[i]))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
