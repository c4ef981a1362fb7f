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
	"strconv"
	"strings"
	"time"

	"github.com/tomoncle/datajpa/query"
	"github.com/tomoncle/datajpa/types"
)

// Hint names understood by WithHint.
const (
	HintReadOnly = "readOnly"
	HintTimeout  = "timeout"
)

// Options are the per-method settings of a finder: what to fetch with the
// result, how to lock it and whether to track its changes.
type Options struct {
	// Graph names relations loaded in the same statement as the result.
	Graph []string
	// ReadOnly results are exempt from change tracking.
	ReadOnly bool
	Lock     types.LockMode
	Sort     types.Sort
	// Timeout bounds each statement the finder runs.
	Timeout time.Duration
	// ClearAutomatically clears the session after a bulk update or delete.
	ClearAutomatically bool
	// CountQuery replaces the derived count statement of Page.
	CountQuery string
}

type Option func(*Options)

// WithGraph fetches the named relations with the result.
func WithGraph(relations ...string) Option {
	return func(o *Options) { o.Graph = append(o.Graph, relations...) }
}

func ReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// WithLock takes a pessimistic lock on every loaded entity.
func WithLock(mode types.LockMode) Option {
	return func(o *Options) { o.Lock = mode }
}

func WithSort(sort types.Sort) Option {
	return func(o *Options) { o.Sort = o.Sort.And(sort) }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// ClearAutomatically detaches every managed entity after a bulk mutation so
// later reads see the new state.
func ClearAutomatically() Option {
	return func(o *Options) { o.ClearAutomatically = true }
}

// WithCountQuery counts Page totals with a separate query.
func WithCountQuery(src string) Option {
	return func(o *Options) { o.CountQuery = src }
}

// WithHint applies a query hint by name. "readOnly" takes a boolean and
// "timeout" a duration or a number of milliseconds. A "org.hibernate." prefix
// is accepted; unknown hints are ignored.
func WithHint(name, value string) Option {
	name = strings.TrimPrefix(name, "org.hibernate.")
	return func(o *Options) {
		switch name {
		case HintReadOnly:
			if b, err := strconv.ParseBool(value); err == nil {
				o.ReadOnly = b
			}
		case HintTimeout:
			if d, err := time.ParseDuration(value); err == nil {
				o.Timeout = d
			} else if ms, err := strconv.Atoi(value); err == nil {
				o.Timeout = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) selectOptions(extra types.Sort) query.SelectOptions {
	return query.SelectOptions{Fetch: o.Graph, Sort: o.Sort.And(extra)}
}
