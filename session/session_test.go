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

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/testutil"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
)

type team struct {
	bun.BaseModel `bun:"table:team,alias:t"`

	ID   int64  `bun:"team_id,pk,autoincrement"`
	Name string `bun:"name,notnull"`
}

type member struct {
	bun.BaseModel `bun:"table:member,alias:m"`

	ID       int64  `bun:"member_id,pk,autoincrement"`
	Username string `bun:"username,notnull"`
	Age      int    `bun:"age"`
	TeamID   int64  `bun:"team_id,nullzero"`
	Team     *team  `bun:"rel:belongs-to,join:team_id=team_id"`

	teamRef Ref[team]
}

func (m *member) BindSession(s *Session) { m.teamRef.Bind(s, m.TeamID) }

type recorder struct {
	mu      sync.Mutex
	queries []string
}

func (r *recorder) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context { return ctx }

func (r *recorder) AfterQuery(_ context.Context, e *bun.QueryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, e.Query)
}

func (r *recorder) matching(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, q := range r.queries {
		if strings.HasPrefix(q, prefix) {
			out = append(out, q)
		}
	}
	return out
}

func newFactory(t *testing.T, opts ...Option) (*Factory, *database.StatementMetrics, *recorder) {
	t.Helper()
	db, metrics := testutil.OpenDB(t, (*team)(nil), (*member)(nil))
	rec := &recorder{}
	db.AddQueryHook(rec)
	return NewFactory(db, opts...), metrics, rec
}

func seedMember(t *testing.T, f *Factory, m *member) {
	t.Helper()
	require.NoError(t, f.Run(context.Background(), func(ctx context.Context, s *Session) error {
		return s.Persist(ctx, m)
	}))
}

func TestSession_PersistFindRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, metrics, _ := newFactory(t)

	s, err := f.Begin(ctx)
	require.NoError(t, err)
	m := &member{Username: "member1", Age: 10}
	require.NoError(t, s.Persist(ctx, m))
	require.NotZero(t, m.ID)
	assert.True(t, s.Contains(m))

	var found *member
	selects := testutil.Delta(metrics, database.OpSelect, func() {
		found, err = Find[member](ctx, s, m.ID)
	})
	require.NoError(t, err)
	assert.Same(t, m, found, "the identity map returns the managed instance")
	assert.Zero(t, selects)
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error {
		found, err := Find[member](ctx, s, m.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.NotSame(t, m, found)
		assert.Equal(t, "member1", found.Username)
		assert.Equal(t, 10, found.Age)

		absent, err := Find[member](ctx, s, int64(999))
		assert.NoError(t, err)
		assert.Nil(t, absent)
		return nil
	}))
}

func TestSession_FlushWritesOnlyChangedColumns(t *testing.T) {
	ctx := context.Background()
	f, metrics, rec := newFactory(t)
	m := &member{Username: "member1", Age: 30}
	seedMember(t, f, m)

	s, err := f.Begin(ctx)
	require.NoError(t, err)
	loaded, err := Find[member](ctx, s, m.ID)
	require.NoError(t, err)

	updates := testutil.Delta(metrics, database.OpUpdate, func() { require.NoError(t, s.Flush(ctx)) })
	assert.Zero(t, updates, "clean entities are not written")

	loaded.Age = 31
	require.NoError(t, s.Commit(ctx))

	written := rec.matching("UPDATE")
	require.Len(t, written, 1)
	assert.Contains(t, written[0], `"age" = 31`)
	assert.NotContains(t, written[0], "username")

	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error {
		again, err := Find[member](ctx, s, m.ID)
		require.NoError(t, err)
		assert.Equal(t, 31, again.Age)
		return nil
	}))
}

func TestSession_AutoFlushBeforeQueries(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)
	m := &member{Username: "member1", Age: 30}
	seedMember(t, f, m)

	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error {
		loaded, err := Find[member](ctx, s, m.ID)
		require.NoError(t, err)
		loaded.Age = 40
		require.NoError(t, s.AutoFlush(ctx))

		var age int
		require.NoError(t, s.IDB().NewSelect().Model((*member)(nil)).Column("age").
			Where("member_id = ?", m.ID).Scan(ctx, &age))
		assert.Equal(t, 40, age)
		return nil
	}))

	s, err := f.Begin(ctx, WithFlushMode(FlushCommit))
	require.NoError(t, err)
	defer s.Rollback()
	loaded, err := Find[member](ctx, s, m.ID)
	require.NoError(t, err)
	loaded.Age = 50
	require.NoError(t, s.AutoFlush(ctx))
	var age int
	require.NoError(t, s.IDB().NewSelect().Model((*member)(nil)).Column("age").
		Where("member_id = ?", m.ID).Scan(ctx, &age))
	assert.Equal(t, 40, age, "commit-mode sessions do not flush before queries")
}

func TestSession_ReadOnlyEntityIsNotFlushed(t *testing.T) {
	ctx := context.Background()
	f, metrics, _ := newFactory(t)
	m := &member{Username: "member1", Age: 30}
	seedMember(t, f, m)

	s, err := f.Begin(ctx)
	require.NoError(t, err)
	loaded, err := Find[member](ctx, s, m.ID)
	require.NoError(t, err)
	s.SetReadOnly(loaded, true)
	assert.True(t, s.IsReadOnly(loaded))
	loaded.Username = "member2"

	updates := testutil.Delta(metrics, database.OpUpdate, func() { require.NoError(t, s.Commit(ctx)) })
	assert.Zero(t, updates)

	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error {
		again, err := Find[member](ctx, s, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "member1", again.Username)
		return nil
	}))
}

func TestSession_LazyReference(t *testing.T) {
	ctx := context.Background()
	f, metrics, _ := newFactory(t)
	tm := &team{Name: "teamA"}
	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error { return s.Persist(ctx, tm) }))
	m := &member{Username: "member1", Age: 10, TeamID: tm.ID}
	seedMember(t, f, m)

	s, err := f.Begin(ctx)
	require.NoError(t, err)
	loaded, err := Find[member](ctx, s, m.ID)
	require.NoError(t, err)
	assert.False(t, loaded.teamRef.IsLoaded())

	var got *team
	selects := testutil.Delta(metrics, database.OpSelect, func() {
		got, err = loaded.teamRef.Get(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, "teamA", got.Name)
	assert.Equal(t, uint64(1), selects, "the reference is fetched on first access")

	again, err := loaded.teamRef.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, got, again)

	unbound := NewRef[team](tm.ID)
	_, err = unbound.Get(ctx)
	assert.ErrorIs(t, err, types.ErrDetachedReference, "a reference never bound to a session cannot load")

	empty := NewRef[team](int64(0))
	none, err := empty.Get(ctx)
	assert.NoError(t, err)
	assert.Nil(t, none)
	require.NoError(t, s.Rollback())
}

func TestSession_ReferenceDetachesOnCloseAndClear(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)
	tm := &team{Name: "teamA"}
	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error { return s.Persist(ctx, tm) }))
	seedMember(t, f, &member{Username: "member1", TeamID: tm.ID})
	seedMember(t, f, &member{Username: "member2", TeamID: tm.ID})

	s, err := f.Begin(ctx)
	require.NoError(t, err)
	first, err := Find[member](ctx, s, int64(1))
	require.NoError(t, err)
	s.Clear()
	_, err = first.teamRef.Get(ctx)
	assert.ErrorIs(t, err, types.ErrDetachedReference, "clear detaches earlier references")

	second, err := Find[member](ctx, s, int64(2))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	_, err = second.teamRef.Get(ctx)
	assert.ErrorIs(t, err, types.ErrDetachedReference, "a closed session cannot resolve references")
}

func TestSession_ClosedSessionRejectsOperations(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)
	s, err := f.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Rollback())
	require.NoError(t, s.Rollback(), "rollback is idempotent")

	assert.ErrorIs(t, s.Persist(ctx, &member{Username: "x"}), types.ErrSessionClosed)
	assert.ErrorIs(t, s.Flush(ctx), types.ErrSessionClosed)
	assert.ErrorIs(t, s.Commit(ctx), types.ErrSessionClosed)
	_, err = Find[member](ctx, s, int64(1))
	assert.ErrorIs(t, err, types.ErrSessionClosed)
}

func TestSession_MergeAndRemove(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)
	m := &member{Username: "member1", Age: 10}
	seedMember(t, f, m)

	detached := &member{ID: m.ID, Username: "renamed", Age: 11}
	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error {
		managed, err := s.Merge(ctx, detached)
		require.NoError(t, err)
		assert.NotSame(t, detached, managed)
		assert.True(t, s.Contains(managed))
		assert.False(t, s.Contains(detached))

		fresh, err := s.Merge(ctx, &member{Username: "new"})
		require.NoError(t, err)
		assert.NotZero(t, fresh.(*member).ID)
		return nil
	}))

	require.NoError(t, f.Run(ctx, func(ctx context.Context, s *Session) error {
		loaded, err := Find[member](ctx, s, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", loaded.Username)
		assert.Equal(t, 11, loaded.Age)

		require.NoError(t, s.Remove(ctx, loaded))
		assert.False(t, s.Contains(loaded))
		require.NoError(t, s.Remove(ctx, loaded), "removing twice is a no-op")
		require.NoError(t, s.Remove(ctx, &member{Username: "never stored"}))

		gone, err := Find[member](ctx, s, m.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
		return nil
	}))
}

func TestSession_DetachDropsPendingChanges(t *testing.T) {
	ctx := context.Background()
	f, metrics, _ := newFactory(t)
	m := &member{Username: "member1", Age: 10}
	seedMember(t, f, m)

	s, err := f.Begin(ctx)
	require.NoError(t, err)
	loaded, err := Find[member](ctx, s, m.ID)
	require.NoError(t, err)
	loaded.Age = 99
	s.Detach(loaded)
	assert.False(t, s.Contains(loaded))
	updates := testutil.Delta(metrics, database.OpUpdate, func() { require.NoError(t, s.Commit(ctx)) })
	assert.Zero(t, updates)
}

func TestFactory_RunRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t)
	boom := errors.New("boom")

	err := f.Run(ctx, func(ctx context.Context, s *Session) error {
		require.NoError(t, s.Persist(ctx, &member{Username: "member1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = f.Run(ctx, func(ctx context.Context, s *Session) error {
			require.NoError(t, s.Persist(ctx, &member{Username: "member2"}))
			panic("boom")
		})
	})

	count, err := f.DB().NewSelect().Model((*member)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSession_PessimisticLockTimesOut(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t, WithLockTimeout(50*time.Millisecond))
	m := &member{Username: "member1", Age: 10}
	seedMember(t, f, m)

	holder, err := f.Begin(ctx)
	require.NoError(t, err)
	locked, err := Find[member](ctx, holder, m.ID)
	require.NoError(t, err)
	require.NoError(t, holder.Lock(ctx, types.LockPessimisticWrite, locked))
	assert.Equal(t, []string{"member:1"}, holder.HeldLocks())
	require.NoError(t, holder.Lock(ctx, types.LockPessimisticWrite, locked), "re-locking a held key does not wait")

	waiter, err := f.Begin(ctx)
	require.NoError(t, err)
	contender, err := Find[member](ctx, waiter, m.ID)
	require.NoError(t, err)

	start := time.Now()
	err = waiter.Lock(ctx, types.LockPessimisticWrite, contender)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLockTimeout)
	assert.True(t, types.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, holder.Commit(ctx))
	assert.Empty(t, holder.HeldLocks())
	require.NoError(t, waiter.Lock(ctx, types.LockPessimisticWrite, contender))
	require.NoError(t, waiter.Rollback())
	assert.Zero(t, f.Locks().Held("member:1"))
}

func TestSession_SharedLockIsExclusiveWithoutRowLocks(t *testing.T) {
	ctx := context.Background()
	f, _, _ := newFactory(t, WithLockTimeout(30*time.Millisecond))
	m := &member{Username: "member1", Age: 10}
	seedMember(t, f, m)

	reader, err := f.Begin(ctx)
	require.NoError(t, err)
	defer reader.Rollback()
	first, err := Find[member](ctx, reader, m.ID)
	require.NoError(t, err)
	require.NoError(t, reader.Lock(ctx, types.LockPessimisticRead, first))

	other, err := f.Begin(ctx)
	require.NoError(t, err)
	defer other.Rollback()
	second, err := Find[member](ctx, other, m.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, other.Lock(ctx, types.LockPessimisticRead, second), types.ErrLockTimeout)
}

func TestLockClause(t *testing.T) {
	f, _, _ := newFactory(t)
	s, err := f.Begin(context.Background())
	require.NoError(t, err)
	defer s.Rollback()
	assert.Empty(t, s.LockClause(types.LockPessimisticWrite), "sqlite has no row locks")
	assert.Equal(t, DefaultLockTimeout, s.LockTimeout())
}
