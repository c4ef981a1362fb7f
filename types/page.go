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

package types

import (
	"fmt"
	"math"
	"strings"
)

// Order is a single sort property and its direction.
type Order struct {
	Property  string
	Direction Direction
}

func (o Order) String() string {
	return o.Property + " " + o.Direction.Name()
}

// ParseOrder parses "property" or "property,asc|desc".
func ParseOrder(s string) (Order, error) {
	parts := strings.Split(s, ",")
	prop := strings.TrimSpace(parts[0])
	if prop == "" || len(parts) > 2 {
		return Order{}, fmt.Errorf("%w: sort %q", ErrInvalidArgument, s)
	}
	dir := Asc
	if len(parts) == 2 {
		d, ok := ParseDirection(parts[1])
		if !ok {
			return Order{}, fmt.Errorf("%w: sort direction %q", ErrInvalidArgument, parts[1])
		}
		dir = d
	}
	return Order{Property: prop, Direction: dir}, nil
}

// Sort is an ordered list of sort properties. The zero value is unsorted.
type Sort struct {
	Orders []Order
}

// By returns a sort over the given properties, all in the same direction.
func By(dir Direction, properties ...string) Sort {
	orders := make([]Order, 0, len(properties))
	for _, p := range properties {
		orders = append(orders, Order{Property: p, Direction: dir})
	}
	return Sort{Orders: orders}
}

// Unsorted returns an empty sort.
func Unsorted() Sort { return Sort{} }

func (s Sort) IsSorted() bool { return len(s.Orders) > 0 }

// And appends the orders of other after the orders of s.
func (s Sort) And(other Sort) Sort {
	if !other.IsSorted() {
		return s
	}
	orders := make([]Order, 0, len(s.Orders)+len(other.Orders))
	orders = append(orders, s.Orders...)
	orders = append(orders, other.Orders...)
	return Sort{Orders: orders}
}

func (s Sort) String() string {
	if !s.IsSorted() {
		return "UNSORTED"
	}
	parts := make([]string, len(s.Orders))
	for i, o := range s.Orders {
		parts[i] = o.String()
	}
	return strings.Join(parts, ", ")
}

// PageRequest describes a zero-based page index, a page size and an optional sort.
type PageRequest struct {
	page     int
	pageSize int
	sort     Sort
}

// NewPageRequest validates and builds a PageRequest. A negative page, a page
// size below one, or a page whose offset overflows int is rejected rather than
// clamped.
func NewPageRequest(page int, pageSize int, sort Sort) (*PageRequest, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: page index must not be negative, got %d", ErrInvalidArgument, page)
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("%w: page size must be at least 1, got %d", ErrInvalidArgument, pageSize)
	}
	// Slices read one row past the page, so that row must stay addressable too.
	if pageSize > math.MaxInt-1 || page > (math.MaxInt-1)/pageSize-1 {
		return nil, fmt.Errorf("%w: page %d of size %d is out of range", ErrInvalidArgument, page, pageSize)
	}
	return &PageRequest{page: page, pageSize: pageSize, sort: sort}, nil
}

// MustPageRequest is NewPageRequest for constant arguments; it panics on error.
func MustPageRequest(page int, pageSize int, sort Sort) *PageRequest {
	p, err := NewPageRequest(page, pageSize, sort)
	if err != nil {
		panic(err)
	}
	return p
}

// NewDefaultPageRequest constructs an unsorted PageRequest.
func NewDefaultPageRequest(page int, pageSize int) (*PageRequest, error) {
	return NewPageRequest(page, pageSize, Unsorted())
}

func (p *PageRequest) GetPage() int { return p.page }

func (p *PageRequest) GetPageSize() int { return p.pageSize }

func (p *PageRequest) GetOffset() int { return p.page * p.pageSize }

func (p *PageRequest) GetSort() Sort { return p.sort }

// Next returns the request for the following page.
func (p *PageRequest) Next() *PageRequest {
	return &PageRequest{page: p.page + 1, pageSize: p.pageSize, sort: p.sort}
}

// Previous returns the request for the preceding page, or the first page.
func (p *PageRequest) Previous() *PageRequest {
	if p.page == 0 {
		return p
	}
	return &PageRequest{page: p.page - 1, pageSize: p.pageSize, sort: p.sort}
}

// Page is one window of a query result together with the total match count.
type Page[T any] struct {
	Content []*T
	Number  int
	Size    int
	Total   int
	Sort    Sort
}

// NewPage builds a page for the given request.
func NewPage[T any](content []*T, req *PageRequest, total int) *Page[T] {
	if content == nil {
		content = make([]*T, 0)
	}
	return &Page[T]{
		Content: content,
		Number:  req.GetPage(),
		Size:    req.GetPageSize(),
		Total:   total,
		Sort:    req.GetSort(),
	}
}

func (p *Page[T]) TotalPages() int {
	if p.Size == 0 {
		return 1
	}
	return (p.Total + p.Size - 1) / p.Size
}

func (p *Page[T]) NumberOfElements() int { return len(p.Content) }

func (p *Page[T]) HasNext() bool { return p.Number+1 < p.TotalPages() }

func (p *Page[T]) HasPrevious() bool { return p.Number > 0 }

func (p *Page[T]) IsFirst() bool { return !p.HasPrevious() }

func (p *Page[T]) IsLast() bool { return !p.HasNext() }

// MapPage converts the content of a page, keeping its metadata.
func MapPage[T any, R any](p *Page[T], fn func(*T) *R) *Page[R] {
	content := make([]*R, len(p.Content))
	for i, item := range p.Content {
		content[i] = fn(item)
	}
	return &Page[R]{Content: content, Number: p.Number, Size: p.Size, Total: p.Total, Sort: p.Sort}
}

// Slice is one window of a query result that only knows whether a next window exists.
type Slice[T any] struct {
	Content []*T
	Number  int
	Size    int
	Sort    Sort
	hasNext bool
}

// NewSlice builds a slice for the given request.
func NewSlice[T any](content []*T, req *PageRequest, hasNext bool) *Slice[T] {
	if content == nil {
		content = make([]*T, 0)
	}
	return &Slice[T]{
		Content: content,
		Number:  req.GetPage(),
		Size:    req.GetPageSize(),
		Sort:    req.GetSort(),
		hasNext: hasNext,
	}
}

func (s *Slice[T]) NumberOfElements() int { return len(s.Content) }

func (s *Slice[T]) HasNext() bool { return s.hasNext }

func (s *Slice[T]) HasPrevious() bool { return s.Number > 0 }

func (s *Slice[T]) IsFirst() bool { return !s.HasPrevious() }

func (s *Slice[T]) IsLast() bool { return !s.hasNext }

// MapSlice converts the content of a slice, keeping its metadata.
func MapSlice[T any, R any](s *Slice[T], fn func(*T) *R) *Slice[R] {
	content := make([]*R, len(s.Content))
	for i, item := range s.Content {
		content[i] = fn(item)
	}
	return &Slice[R]{Content: content, Number: s.Number, Size: s.Size, Sort: s.Sort, hasNext: s.hasNext}
}
