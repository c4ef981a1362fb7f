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

package database

import (
	"context"
	"fmt"
	"io"
	"strings"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/uptrace/bun"
)

// Statement kinds counted by StatementMetrics. Count queries are told apart
// from plain selects so callers can prove a slice never counted.
const (
	OpSelect = "SELECT"
	OpCount  = "COUNT"
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpOther  = "OTHER"
)

var statementOps = []string{OpSelect, OpCount, OpInsert, OpUpdate, OpDelete, OpOther}

// StatementMetrics is a query hook counting executed statements per kind.
type StatementMetrics struct {
	set      *vm.Set
	counters map[string]*vm.Counter
	failures *vm.Counter
	duration *vm.Histogram
}

var _ bun.QueryHook = (*StatementMetrics)(nil)

func NewStatementMetrics() *StatementMetrics {
	m := &StatementMetrics{
		set:      vm.NewSet(),
		counters: make(map[string]*vm.Counter, len(statementOps)),
	}
	for _, op := range statementOps {
		m.counters[op] = m.set.NewCounter(fmt.Sprintf(`datajpa_statements_total{op=%q}`, strings.ToLower(op)))
	}
	m.failures = m.set.NewCounter("datajpa_statement_errors_total")
	m.duration = m.set.NewHistogram("datajpa_statement_duration_seconds")
	return m
}

func (m *StatementMetrics) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (m *StatementMetrics) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	m.counters[statementKind(event)].Inc()
	if event.Err != nil {
		m.failures.Inc()
	}
	m.duration.UpdateDuration(event.StartTime)
}

func statementKind(event *bun.QueryEvent) string {
	switch op := event.Operation(); op {
	case OpSelect:
		if strings.Contains(strings.ToLower(event.Query), "count(*)") {
			return OpCount
		}
		return OpSelect
	case OpInsert, OpUpdate, OpDelete:
		return op
	default:
		return OpOther
	}
}

// Count returns how many statements of the given kind ran so far.
func (m *StatementMetrics) Count(op string) uint64 {
	c, ok := m.counters[strings.ToUpper(op)]
	if !ok {
		return 0
	}
	return c.Get()
}

// Snapshot returns the current count of every statement kind.
func (m *StatementMetrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(m.counters))
	for op, c := range m.counters {
		out[op] = c.Get()
	}
	return out
}

// WritePrometheus writes the counters in Prometheus text format.
func (m *StatementMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// WriteProcessMetrics writes Go runtime and process metrics.
func WriteProcessMetrics(w io.Writer) {
	vm.WriteProcessMetrics(w)
}
