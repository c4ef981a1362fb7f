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

import "fmt"

// Operator is a comparison applied by a Compare predicate.
type Operator int

const (
	OpEquals Operator = iota
	OpNotEquals
	OpGreaterThan
	OpGreaterThanEqual
	OpLessThan
	OpLessThanEqual
	OpIn
	OpNotIn
	OpLike
	OpNotLike
	OpStartsWith
	OpEndsWith
	OpContains
	OpBetween
	OpIsNull
	OpIsNotNull
)

var operatorNames = map[Operator]string{
	OpEquals:           "=",
	OpNotEquals:        "<>",
	OpGreaterThan:      ">",
	OpGreaterThanEqual: ">=",
	OpLessThan:         "<",
	OpLessThanEqual:    "<=",
	OpIn:               "IN",
	OpNotIn:            "NOT IN",
	OpLike:             "LIKE",
	OpNotLike:          "NOT LIKE",
	OpStartsWith:       "STARTS WITH",
	OpEndsWith:         "ENDS WITH",
	OpContains:         "CONTAINS",
	OpBetween:          "BETWEEN",
	OpIsNull:           "IS NULL",
	OpIsNotNull:        "IS NOT NULL",
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// Arity is the number of operands the operator consumes.
func (o Operator) Arity() int {
	switch o {
	case OpIsNull, OpIsNotNull:
		return 0
	case OpBetween:
		return 2
	default:
		return 1
	}
}

// Value is an operand: either a literal fixed when the template is built or a
// named parameter bound when the template runs.
type Value struct {
	Param   string
	Literal any
}

// Param references a named argument.
func Param(name string) Value { return Value{Param: name} }

// Lit wraps a literal operand.
func Lit(v any) Value { return Value{Literal: v} }

func (v Value) IsParam() bool { return v.Param != "" }

func (v Value) String() string {
	if v.IsParam() {
		return ":" + v.Param
	}
	if s, ok := v.Literal.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprint(v.Literal)
}

// Predicate is a node of a filter tree.
//
// This is a sealed interface: Compare, And and Or are the only implementations,
// so compilers can switch over it exhaustively.
type Predicate interface {
	predicateNode()
	String() string
}

// Compare tests one property against its operands.
type Compare struct {
	Path   string
	Op     Operator
	Values []Value

	col column
}

func (*Compare) predicateNode() {}

func (c *Compare) String() string {
	switch c.Op.Arity() {
	case 0:
		return c.Path + " " + c.Op.String()
	case 2:
		return fmt.Sprintf("%s BETWEEN %s AND %s", c.Path, c.Values[0], c.Values[1])
	default:
		return fmt.Sprintf("%s %s %s", c.Path, c.Op, c.Values[0])
	}
}

// And holds when every child holds.
type And struct {
	Predicates []Predicate
}

func (*And) predicateNode() {}

func (a *And) String() string { return joinPredicates(a.Predicates, " AND ") }

// Or holds when at least one child holds.
type Or struct {
	Predicates []Predicate
}

func (*Or) predicateNode() {}

func (o *Or) String() string { return joinPredicates(o.Predicates, " OR ") }

func joinPredicates(ps []Predicate, sep string) string {
	s := "("
	for i, p := range ps {
		if i > 0 {
			s += sep
		}
		s += p.String()
	}
	return s + ")"
}

// Eq builds an equality predicate over a named parameter.
func Eq(path, param string) *Compare {
	return &Compare{Path: path, Op: OpEquals, Values: []Value{Param(param)}}
}

// Cmp builds a predicate with an arbitrary operator.
func Cmp(path string, op Operator, values ...Value) *Compare {
	return &Compare{Path: path, Op: op, Values: values}
}

// AllOf combines predicates with AND, flattening a single child.
func AllOf(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return &And{Predicates: ps}
}

// AnyOf combines predicates with OR, flattening a single child.
func AnyOf(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return &Or{Predicates: ps}
}

// walk visits every Compare in the tree.
func walk(p Predicate, fn func(*Compare) error) error {
	switch n := p.(type) {
	case nil:
		return nil
	case *Compare:
		return fn(n)
	case *And:
		for _, child := range n.Predicates {
			if err := walk(child, fn); err != nil {
				return err
			}
		}
	case *Or:
		for _, child := range n.Predicates {
			if err := walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
