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

	"github.com/tomoncle/datajpa/types"
)

var reserved = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "left": true,
	"inner": true, "outer": true, "fetch": true, "order": true, "by": true,
	"and": true, "or": true, "not": true, "in": true, "like": true, "between": true,
	"is": true, "null": true, "asc": true, "desc": true, "update": true, "set": true,
	"delete": true, "distinct": true, "count": true, "as": true, "new": true,
}

// Parse reads an object query such as
//
//	select m from Member m join fetch m.team t where m.username = :username
//
// into an unresolved template. Only syntax is checked here; entity, property
// and alias checks happen in Template.Resolve.
func Parse(name, src string) (*Template, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks, t: &Template{Name: name, qualified: true, source: src}}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.t, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
	t    *Template

	advanced bool

	// entity select items, checked against the root alias once it is known
	selectAlias string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	p.advanced = tok.kind != tokEOF
	if p.advanced {
		p.pos++
	}
	return tok
}

// unread steps back over the token returned by the last call to next.
func (p *parser) unread() {
	if p.advanced {
		p.pos--
		p.advanced = false
	}
}

func (p *parser) accept(s string) bool {
	if p.peek().is(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.accept(s) {
		return p.errorf("expected %s", strings.ToUpper(s))
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	tok := p.peek()
	return &SyntaxError{Query: p.src, Pos: tok.pos, Near: tok.String(), Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parse() error {
	var err error
	switch {
	case p.accept("select"):
		err = p.parseSelect()
	case p.accept("update"):
		err = p.parseUpdate()
	case p.accept("delete"):
		err = p.parseDelete()
	default:
		return p.errorf("expected SELECT, UPDATE or DELETE")
	}
	if err != nil {
		return err
	}
	if p.peek().kind != tokEOF {
		return p.errorf("unexpected input")
	}
	return nil
}

func (p *parser) parseSelect() error {
	p.t.Kind = KindSelect
	if p.accept("distinct") {
		p.t.Distinct = true
	}
	if err := p.parseSelectList(); err != nil {
		return err
	}
	if err := p.expect("from"); err != nil {
		return err
	}
	if err := p.parseRoot(); err != nil {
		return err
	}
	if p.selectAlias != "" && !strings.EqualFold(p.selectAlias, p.t.Alias) {
		return &SyntaxError{Query: p.src, Pos: 0, Near: p.selectAlias, Msg: "selected alias is not declared in FROM"}
	}
	for p.peek().is("join") || p.peek().is("left") || p.peek().is("inner") {
		if err := p.parseJoin(); err != nil {
			return err
		}
	}
	if p.accept("where") {
		cond, err := p.parseOr()
		if err != nil {
			return err
		}
		p.t.Where = cond
	}
	if p.accept("order") {
		if err := p.expect("by"); err != nil {
			return err
		}
		if err := p.parseOrderBy(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseSelectList() error {
	if p.accept("count") {
		if err := p.expect("("); err != nil {
			return err
		}
		tok := p.next()
		if tok.kind != tokIdent {
			return p.errorf("expected alias in COUNT")
		}
		if err := p.expect(")"); err != nil {
			return err
		}
		head, _, _ := strings.Cut(tok.text, ".")
		p.selectAlias = head
		p.t.Kind = KindCount
		return nil
	}
	if p.accept("new") {
		if tok := p.next(); tok.kind != tokIdent {
			return p.errorf("expected constructor name after NEW")
		}
		if err := p.expect("("); err != nil {
			return err
		}
		if err := p.parseSelections(); err != nil {
			return err
		}
		return p.expect(")")
	}
	tok := p.peek()
	if tok.kind == tokIdent && !strings.Contains(tok.text, ".") && !reserved[strings.ToLower(tok.text)] {
		p.next()
		p.selectAlias = tok.text
		return nil
	}
	return p.parseSelections()
}

func (p *parser) parseSelections() error {
	for {
		tok := p.next()
		if tok.kind != tokIdent || !strings.Contains(tok.text, ".") {
			p.unread()
			return p.errorf("expected property path")
		}
		s := &Selection{Path: tok.text}
		if p.accept("as") {
			alias := p.next()
			if alias.kind != tokIdent {
				p.unread()
				return p.errorf("expected column alias")
			}
			s.As = alias.text
		}
		p.t.Selections = append(p.t.Selections, s)
		if !p.accept(",") {
			return nil
		}
	}
}

func (p *parser) parseRoot() error {
	tok := p.next()
	if tok.kind != tokIdent || strings.Contains(tok.text, ".") {
		p.unread()
		return p.errorf("expected entity name")
	}
	p.t.Entity = tok.text
	p.accept("as")
	alias := p.peek()
	if alias.kind != tokIdent || reserved[strings.ToLower(alias.text)] || strings.Contains(alias.text, ".") {
		return p.errorf("expected alias for %s", tok.text)
	}
	p.next()
	p.t.Alias = alias.text
	return nil
}

func (p *parser) parseJoin() error {
	j := &Join{Inner: true}
	if p.accept("left") {
		p.accept("outer")
		j.Inner = false
	} else {
		p.accept("inner")
	}
	if err := p.expect("join"); err != nil {
		return err
	}
	if p.accept("fetch") {
		j.Fetch = true
	}
	tok := p.next()
	head, rel, ok := strings.Cut(tok.text, ".")
	if tok.kind != tokIdent || !ok || strings.Contains(rel, ".") {
		p.unread()
		return p.errorf("expected alias.relation")
	}
	if !strings.EqualFold(head, p.t.Alias) {
		p.unread()
		return p.errorf("joins must start from the root alias %s", p.t.Alias)
	}
	j.Relation = rel
	p.accept("as")
	if alias := p.peek(); alias.kind == tokIdent && !reserved[strings.ToLower(alias.text)] && !strings.Contains(alias.text, ".") {
		p.next()
		j.Alias = alias.text
	}
	p.t.Joins = append(p.t.Joins, j)
	return nil
}

func (p *parser) parseOrderBy() error {
	var orders []types.Order
	for {
		tok := p.next()
		if tok.kind != tokIdent || reserved[strings.ToLower(tok.text)] {
			p.unread()
			return p.errorf("expected property path")
		}
		o := types.Order{Property: tok.text, Direction: types.Asc}
		if p.accept("desc") {
			o.Direction = types.Desc
		} else {
			p.accept("asc")
		}
		orders = append(orders, o)
		if !p.accept(",") {
			break
		}
	}
	p.t.Sort = types.Sort{Orders: orders}
	return nil
}

func (p *parser) parseUpdate() error {
	p.t.Kind = KindUpdate
	if err := p.parseRoot(); err != nil {
		return err
	}
	if err := p.expect("set"); err != nil {
		return err
	}
	for {
		target := p.next()
		if target.kind != tokIdent {
			p.unread()
			return p.errorf("expected property path")
		}
		if err := p.expect("="); err != nil {
			return err
		}
		a := &Assignment{Path: target.text}
		if src := p.peek(); src.kind == tokIdent && !isLiteralKeyword(src.text) {
			p.next()
			a.Source = src.text
			switch {
			case p.accept("+"):
				a.Op = '+'
			case p.accept("-"):
				a.Op = '-'
			default:
				return p.errorf("expected + or -")
			}
		}
		v, err := p.parseOperand()
		if err != nil {
			return err
		}
		a.Value = v
		p.t.Set = append(p.t.Set, a)
		if !p.accept(",") {
			break
		}
	}
	if p.accept("where") {
		cond, err := p.parseOr()
		if err != nil {
			return err
		}
		p.t.Where = cond
	}
	return nil
}

func (p *parser) parseDelete() error {
	p.t.Kind = KindDelete
	if err := p.expect("from"); err != nil {
		return err
	}
	if err := p.parseRoot(); err != nil {
		return err
	}
	if p.accept("where") {
		cond, err := p.parseOr()
		if err != nil {
			return err
		}
		p.t.Where = cond
	}
	return nil
}

func (p *parser) parseOr() (Predicate, error) {
	var ps []Predicate
	for {
		and, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		ps = append(ps, and)
		if !p.accept("or") {
			return AnyOf(ps...), nil
		}
	}
}

func (p *parser) parseAnd() (Predicate, error) {
	var ps []Predicate
	for {
		f, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		ps = append(ps, f)
		if !p.accept("and") {
			return AllOf(ps...), nil
		}
	}
}

func (p *parser) parseFactor() (Predicate, error) {
	if p.accept("(") {
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return cond, nil
	}

	tok := p.next()
	if tok.kind != tokIdent || !strings.Contains(tok.text, ".") {
		p.unread()
		return nil, p.errorf("expected property path")
	}
	c := &Compare{Path: tok.text}

	switch {
	case p.accept("is"):
		c.Op = OpIsNull
		if p.accept("not") {
			c.Op = OpIsNotNull
		}
		if err := p.expect("null"); err != nil {
			return nil, err
		}
		return c, nil
	case p.accept("between"):
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if err := p.expect("and"); err != nil {
			return nil, err
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		c.Op, c.Values = OpBetween, []Value{lo, hi}
		return c, nil
	}

	negated := p.accept("not")
	switch {
	case p.accept("in"):
		c.Op = OpIn
		if negated {
			c.Op = OpNotIn
		}
		v, err := p.parseInOperand()
		if err != nil {
			return nil, err
		}
		c.Values = []Value{v}
		return c, nil
	case p.accept("like"):
		c.Op = OpLike
		if negated {
			c.Op = OpNotLike
		}
	case negated:
		return nil, p.errorf("expected IN or LIKE after NOT")
	default:
		op := p.next()
		switch op.text {
		case "=":
			c.Op = OpEquals
		case "<>", "!=":
			c.Op = OpNotEquals
		case ">":
			c.Op = OpGreaterThan
		case ">=":
			c.Op = OpGreaterThanEqual
		case "<":
			c.Op = OpLessThan
		case "<=":
			c.Op = OpLessThanEqual
		default:
			p.unread()
			return nil, p.errorf("expected comparison operator")
		}
	}
	v, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	c.Values = []Value{v}
	return c, nil
}

// parseInOperand reads ":names" or a literal list such as ('a', 'b').
func (p *parser) parseInOperand() (Value, error) {
	if !p.accept("(") {
		v, err := p.parseOperand()
		if err != nil {
			return Value{}, err
		}
		if !v.IsParam() {
			return Value{}, p.errorf("IN expects a parameter or a parenthesised list")
		}
		return v, nil
	}
	var list []any
	for {
		v, err := p.parseOperand()
		if err != nil {
			return Value{}, err
		}
		if v.IsParam() {
			return Value{}, p.errorf("parameters are not allowed inside an IN list")
		}
		list = append(list, v.Literal)
		if !p.accept(",") {
			break
		}
	}
	if err := p.expect(")"); err != nil {
		return Value{}, err
	}
	return Lit(list), nil
}

func (p *parser) parseOperand() (Value, error) {
	tok := p.next()
	switch tok.kind {
	case tokParam:
		p.t.addParam(tok.text)
		return Param(tok.text), nil
	case tokString:
		return Lit(tok.text), nil
	case tokNumber:
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				p.unread()
				return Value{}, p.errorf("invalid number")
			}
			return Lit(f), nil
		}
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			p.unread()
			return Value{}, p.errorf("invalid number")
		}
		return Lit(n), nil
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return Lit(true), nil
		case "false":
			return Lit(false), nil
		}
	}
	p.unread()
	return Value{}, p.errorf("expected parameter or literal")
}

func isLiteralKeyword(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "false"
}
