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
	"unicode"

	"github.com/tomoncle/datajpa/types"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokParam
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of query"
	}
	return t.text
}

// is reports whether the token is the given keyword or symbol, ignoring case.
func (t token) is(s string) bool {
	return (t.kind == tokIdent || t.kind == tokSymbol) && strings.EqualFold(t.text, s)
}

// SyntaxError describes a malformed query string.
type SyntaxError struct {
	Query string
	Pos   int
	Near  string
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at position %d near %q: %s", e.Pos, e.Near, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return types.ErrInvalidQuery }

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '.' || isAlnum(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case unicode.IsDigit(c):
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case c == '\'':
			start := i
			var b strings.Builder
			i++
			for {
				if i >= len(src) {
					return nil, &SyntaxError{Query: src, Pos: start, Near: src[start:], Msg: "unterminated string"}
				}
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: start})
		case c == ':':
			start := i
			i++
			for i < len(src) && (src[i] == '_' || isAlnum(src[i])) {
				i++
			}
			if i == start+1 {
				return nil, &SyntaxError{Query: src, Pos: start, Near: ":", Msg: "parameter name expected"}
			}
			toks = append(toks, token{kind: tokParam, text: src[start+1 : i], pos: start})
		default:
			start := i
			if i+1 < len(src) {
				two := src[i : i+2]
				if two == "<>" || two == "!=" || two == "<=" || two == ">=" {
					toks = append(toks, token{kind: tokSymbol, text: two, pos: start})
					i += 2
					continue
				}
			}
			if !strings.ContainsRune("(),=<>+-*", c) {
				return nil, &SyntaxError{Query: src, Pos: start, Near: string(c), Msg: "unexpected character"}
			}
			toks = append(toks, token{kind: tokSymbol, text: string(c), pos: start})
			i++
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
