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
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/session"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

// Finder runs one compiled query template. Finders are built once, when the
// repository is set up, and are safe to share; each call takes the session
// it runs in.
type Finder[T any] struct {
	tpl   *query.Template
	count *query.Template
	opts  Options
}

func newFinder[T any](tpl *query.Template, e *query.Entity, opts []Option) (*Finder[T], error) {
	f := &Finder[T]{tpl: tpl, opts: buildOptions(opts)}
	for _, name := range f.opts.Graph {
		if _, ok := e.Relation(name); !ok {
			return nil, fmt.Errorf("%w: %s: unknown relation %s.%s", types.ErrInvalidQuery, tpl.Name, e.Name, name)
		}
	}
	if f.opts.CountQuery != "" {
		count, err := query.Parse(tpl.Name+".count", f.opts.CountQuery)
		if err != nil {
			return nil, err
		}
		if err := count.Resolve(e); err != nil {
			return nil, err
		}
		if count.Kind != query.KindCount {
			return nil, fmt.Errorf("%w: %s: count query must select count(...)", types.ErrInvalidQuery, tpl.Name)
		}
		f.count = count
	}
	return f, nil
}

// Template is the compiled query behind the finder.
func (f *Finder[T]) Template() *query.Template { return f.tpl }

func (f *Finder[T]) Options() Options { return f.opts }

// With returns a copy of the finder with more options applied.
func (f *Finder[T]) With(opts ...Option) *Finder[T] {
	c := *f
	c.opts.Graph = append([]string(nil), f.opts.Graph...)
	for _, opt := range opts {
		opt(&c.opts)
	}
	return &c
}

// begin flushes pending changes and applies the statement timeout.
func (f *Finder[T]) begin(ctx context.Context, s *session.Session) (context.Context, context.CancelFunc, error) {
	if err := s.AutoFlush(ctx); err != nil {
		return ctx, func() {}, err
	}
	if f.opts.Timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (f *Finder[T]) fail(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && f.opts.Timeout > 0 {
		return fmt.Errorf("%s %s: query timed out after %s: %w", op, f.tpl.Name, f.opts.Timeout, err)
	}
	return fmt.Errorf("%s %s: %w", op, f.tpl.Name, database.TranslateError(err))
}

func (f *Finder[T]) selectRows(ctx context.Context, s *session.Session, params query.Params, sort types.Sort, window func(*bun.SelectQuery) *bun.SelectQuery) ([]*T, error) {
	if f.tpl.Projection() {
		return nil, fmt.Errorf("%w: %s selects columns; use ListAs or Pluck", types.ErrInvalidArgument, f.tpl.Name)
	}
	var rows []*T
	q, err := f.tpl.ApplySelect(s.IDB().NewSelect().Model(&rows), params, f.opts.selectOptions(sort))
	if err != nil {
		return nil, err
	}
	if window != nil {
		q = window(q)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, f.fail("select", err)
	}
	return f.attach(ctx, s, rows)
}

// attach puts loaded rows into the session and applies read-only and lock
// options.
func (f *Finder[T]) attach(ctx context.Context, s *session.Session, rows []*T) ([]*T, error) {
	rows = session.ManageAll(s, rows)
	if f.opts.ReadOnly || s.Options().ReadOnly {
		for _, r := range rows {
			s.SetReadOnly(r, true)
		}
	}
	if f.opts.Lock != types.LockNone && len(rows) > 0 {
		models := make([]any, len(rows))
		for i, r := range rows {
			models[i] = r
		}
		if err := s.Lock(ctx, f.opts.Lock, models...); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// List returns every match, in template order with the primary key as tiebreaker.
func (f *Finder[T]) List(ctx context.Context, s *session.Session, args ...any) ([]*T, error) {
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return f.selectRows(ctx, s, params, types.Unsorted(), nil)
}

// One returns the only match, or nil when nothing matches. Several matches
// fail with types.ErrNonUniqueResult.
func (f *Finder[T]) One(ctx context.Context, s *session.Session, args ...any) (*T, error) {
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return nil, err
	}
	defer cancel()

	limit := 2
	if f.tpl.Limit == 1 {
		limit = 1
	}
	rows, err := f.selectRows(ctx, s, params, types.Unsorted(), func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("%s: %w", f.tpl.Name, types.ErrNonUniqueResult)
	}
}

// Single is One for callers that require a match: absence fails with
// types.ErrNotFound.
func (f *Finder[T]) Single(ctx context.Context, s *session.Session, args ...any) (*T, error) {
	row, err := f.One(ctx, s, args...)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%s: %w", f.tpl.Name, types.ErrNotFound)
	}
	return row, nil
}

// Page returns one page of matches and the total match count. The count runs
// as a separate statement over the same filter, and is skipped when the page
// itself proves the total.
func (f *Finder[T]) Page(ctx context.Context, s *session.Session, req *types.PageRequest, args ...any) (*types.Page[T], error) {
	if req == nil {
		return nil, fmt.Errorf("%w: page request is required", types.ErrInvalidArgument)
	}
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var rows []*T
	if limit, ok := f.window(req.GetOffset(), req.GetPageSize()); ok {
		rows, err = f.selectRows(ctx, s, params, req.GetSort(), func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Offset(req.GetOffset()).Limit(limit)
		})
		if err != nil {
			return nil, err
		}
	}

	var total int
	switch {
	case len(rows) > 0 && len(rows) < req.GetPageSize():
		total = req.GetOffset() + len(rows)
	case req.GetOffset() == 0 && len(rows) == 0:
		total = 0
	default:
		if total, err = f.countRows(ctx, s, params); err != nil {
			return nil, err
		}
		if f.tpl.Limit > 0 && total > f.tpl.Limit {
			total = f.tpl.Limit
		}
	}
	return types.NewPage(rows, req, total), nil
}

// Slice returns one window of matches and whether another follows. It reads
// one row more than the page size and never counts.
func (f *Finder[T]) Slice(ctx context.Context, s *session.Session, req *types.PageRequest, args ...any) (*types.Slice[T], error) {
	if req == nil {
		return nil, fmt.Errorf("%w: page request is required", types.ErrInvalidArgument)
	}
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var rows []*T
	if limit, ok := f.window(req.GetOffset(), req.GetPageSize()+1); ok {
		rows, err = f.selectRows(ctx, s, params, req.GetSort(), func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Offset(req.GetOffset()).Limit(limit)
		})
		if err != nil {
			return nil, err
		}
	}
	hasNext := len(rows) > req.GetPageSize()
	if hasNext {
		rows = rows[:req.GetPageSize()]
	}
	return types.NewSlice(rows, req, hasNext), nil
}

// window caps a paging window at the First/Top limit of the template. It
// reports false when the window starts past that limit.
func (f *Finder[T]) window(offset, size int) (int, bool) {
	if f.tpl.Limit <= 0 {
		return size, true
	}
	if offset >= f.tpl.Limit {
		return 0, false
	}
	return min(size, f.tpl.Limit-offset), true
}

// Count returns how many rows match.
func (f *Finder[T]) Count(ctx context.Context, s *session.Session, args ...any) (int, error) {
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return 0, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return f.countRows(ctx, s, params)
}

func (f *Finder[T]) countRows(ctx context.Context, s *session.Session, params query.Params) (int, error) {
	tpl := f.tpl
	if f.count != nil {
		tpl = f.count
	}
	q, err := tpl.ApplySelect(s.IDB().NewSelect().Model((*T)(nil)), params, query.SelectOptions{Count: true})
	if err != nil {
		return 0, err
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, f.fail("count", err)
	}
	return n, nil
}

// Exists reports whether anything matches.
func (f *Finder[T]) Exists(ctx context.Context, s *session.Session, args ...any) (bool, error) {
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return false, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return false, err
	}
	defer cancel()

	q, err := f.tpl.ApplySelect(s.IDB().NewSelect().Model((*T)(nil)), params, query.SelectOptions{Count: true})
	if err != nil {
		return false, err
	}
	ok, err := q.Exists(ctx)
	if err != nil {
		return false, f.fail("exists", err)
	}
	return ok, nil
}

// Delete removes every match. Derived deletes load the matches and remove
// them through the session; delete statements run in bulk and return the
// affected row count.
func (f *Finder[T]) Delete(ctx context.Context, s *session.Session, args ...any) (int64, error) {
	if f.tpl.Source() != "" && f.tpl.Kind == query.KindDelete {
		return f.bulk(ctx, s, args)
	}
	rows, err := f.List(ctx, s, args...)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if err := s.Remove(ctx, r); err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), nil
}

// Update runs a bulk update statement and returns the affected row count.
// Entities already in the session are not refreshed unless the finder clears
// automatically; otherwise callers clear the session themselves.
func (f *Finder[T]) Update(ctx context.Context, s *session.Session, args ...any) (int64, error) {
	if f.tpl.Kind != query.KindUpdate {
		return 0, fmt.Errorf("%w: %s is a %s query", types.ErrInvalidArgument, f.tpl.Name, f.tpl.Kind)
	}
	return f.bulk(ctx, s, args)
}

func (f *Finder[T]) bulk(ctx context.Context, s *session.Session, args []any) (int64, error) {
	params, err := f.tpl.Bind(args...)
	if err != nil {
		return 0, err
	}
	ctx, cancel, err := f.begin(ctx, s)
	if err != nil {
		return 0, err
	}
	defer cancel()

	var res sql.Result
	switch f.tpl.Kind {
	case query.KindUpdate:
		q, err := f.tpl.ApplyUpdate(s.IDB().NewUpdate().Model((*T)(nil)), params)
		if err != nil {
			return 0, err
		}
		res, err = q.Exec(ctx)
		if err != nil {
			return 0, f.fail("update", err)
		}
	default:
		q, err := f.tpl.ApplyDelete(s.IDB().NewDelete().Model((*T)(nil)), params)
		if err != nil {
			return 0, err
		}
		res, err = q.Exec(ctx)
		if err != nil {
			return 0, f.fail("delete", err)
		}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if f.opts.ClearAutomatically {
		s.Clear()
	}
	s.Logger().Debug("Bulk statement executed", "query", f.tpl.Name, "affected", affected)
	return affected, nil
}
