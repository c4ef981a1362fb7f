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

package repository

import (
	"context"
	"fmt"

	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

// ListAs runs a projection finder and scans each row into R. Columns map onto
// the bun tags of R by their select alias. Projections are never managed by
// the session.
func ListAs[R, T any](ctx context.Context, f *Finder[T], s *session.Session, args ...any) ([]*R, error) {
	var out []*R
	err := f.project(ctx, s, types.Unsorted(), nil, args, &out)
	return out, err
}

// PageAs is ListAs for one page, counted like Finder.Page.
func PageAs[R, T any](ctx context.Context, f *Finder[T], s *session.Session, req *types.PageRequest, args ...any) (*types.Page[R], error) {
	if req == nil {
		return nil, fmt.Errorf("%w: page request is required", types.ErrInvalidArgument)
	}
	var out []*R
	err := f.project(ctx, s, req.GetSort(), func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Offset(req.GetOffset()).Limit(req.GetPageSize())
	}, args, &out)
	if err != nil {
		return nil, err
	}
	total := req.GetOffset() + len(out)
	if len(out) == 0 && req.GetOffset() > 0 || len(out) == req.GetPageSize() {
		if total, err = f.Count(ctx, s, args...); err != nil {
			return nil, err
		}
	}
	return types.NewPage(out, req, total), nil
}

// Pluck runs a single-column projection and returns the column values.
func Pluck[V, T any](ctx context.Context, f *Finder[T], s *session.Session, args ...any) ([]V, error) {
	if n := len(f.tpl.Selections); n != 1 {
		return nil, fmt.Errorf("%w: %s selects %d columns, Pluck needs one", types.ErrInvalidArgument, f.tpl.Name, n)
	}
	var out []V
	err := f.project(ctx, s, types.Unsorted(), nil, args, &out)
	return out, err
}

func (f *Finder[T]) project(ctx context.Context, s *session.Session, sort types.Sort, window func(*bun.SelectQuery) *bun.SelectQuery, args []any, dest any) error {
	if !f.tpl.Projection() {
		return fmt.Errorf("%w: %s selects entities; use List", types.ErrInvalidArgument, f.tpl.Name)
	}
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return err
	}
	defer cancel()

	q, err := f.tpl.ApplySelect(s.IDB().NewSelect().Model((*T)(nil)), params, query.SelectOptions{Sort: f.opts.Sort.And(sort)})
	if err != nil {
		return err
	}
	if window != nil {
		q = window(q)
	}
	if err := q.Scan(ctx, dest); err != nil {
		return f.fail("select", err)
	}
	return nil
}
