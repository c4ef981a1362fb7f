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
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/tomoncle/datajpa/database"
	"github.com/tomoncle/datajpa/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"
)

// FlushMode decides when pending changes are written.
type FlushMode int

const (
	// FlushAuto writes pending changes before every query and at commit.
	FlushAuto FlushMode = iota
	// FlushCommit writes pending changes only at commit or on Flush.
	FlushCommit
)

// DefaultLockTimeout bounds pessimistic lock waits when no timeout is configured.
const DefaultLockTimeout = 5 * time.Second

// Options configure the sessions a Factory opens.
type Options struct {
	FlushMode   FlushMode
	LockTimeout time.Duration
	// ReadOnly sessions never flush.
	ReadOnly  bool
	TxOptions *sql.TxOptions
}

type Option func(*Options)

func WithFlushMode(mode FlushMode) Option {
	return func(o *Options) { o.FlushMode = mode }
}

func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.LockTimeout = d }
}

func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// Factory opens sessions over one database and shares a lock manager
// between them.
type Factory struct {
	db     *bun.DB
	locks  *LockManager
	opts   Options
	logger database.Logger
}

func NewFactory(db *bun.DB, opts ...Option) *Factory {
	o := Options{LockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Factory{db: db, locks: NewLockManager(), opts: o, logger: database.GetLogger()}
}

func (f *Factory) DB() *bun.DB { return f.db }

func (f *Factory) Locks() *LockManager { return f.locks }

// Begin opens a session and its transaction.
func (f *Factory) Begin(ctx context.Context, opts ...Option) (*Session, error) {
	o := f.opts
	for _, opt := range opts {
		opt(&o)
	}
	txOpts := o.TxOptions
	if o.ReadOnly && txOpts == nil && f.db.Dialect().Name() != dialect.SQLite {
		txOpts = &sql.TxOptions{ReadOnly: true}
	}
	tx, err := f.db.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &Session{
		factory: f,
		tx:      tx,
		opts:    o,
		entries: make(map[string]*entry),
		held:    make(map[string]func()),
	}, nil
}

// Run executes fn in a new session, committing when fn returns nil and
// rolling back otherwise. A panic in fn rolls back and is re-raised.
func (f *Factory) Run(ctx context.Context, fn func(ctx context.Context, s *Session) error, opts ...Option) (err error) {
	s, err := f.Begin(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, s); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			f.logger.Warn("Session rollback failed", "error", rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// RefBinder is implemented by entities holding lazy references. The session
// binds them whenever it starts managing the entity.
type RefBinder interface {
	BindSession(s *Session)
}

type entry struct {
	key      string
	model    any
	table    *schema.Table
	snapshot []any
	readOnly bool
}

// Session is one unit of work: a transaction plus the identity map of the
// entities it loaded or persisted. Changes to managed entities are detected
// by comparing against snapshots and written on flush. A Session is not safe
// for concurrent use.
type Session struct {
	factory *Factory
	tx      bun.Tx
	opts    Options
	entries map[string]*entry
	order   []string
	held    map[string]func()
	closed  bool
	// epoch changes on Clear so references bound earlier detach.
	epoch uint64
}

// IDB is the transaction queries of this session run on.
func (s *Session) IDB() bun.IDB { return s.tx }

func (s *Session) Dialect() schema.Dialect { return s.tx.Dialect() }

func (s *Session) Closed() bool { return s.closed }

func (s *Session) Options() Options { return s.opts }

func (s *Session) Logger() database.Logger { return s.factory.logger }

func (s *Session) check() error {
	if s.closed {
		return types.ErrSessionClosed
	}
	return nil
}

// Commit flushes pending changes, commits the transaction and releases all
// locks. The session is closed afterwards whatever the outcome.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.opts.ReadOnly {
		if err := s.Flush(ctx); err != nil {
			_ = s.tx.Rollback()
			s.close()
			return err
		}
	}
	err := s.tx.Commit()
	s.close()
	if err != nil {
		return fmt.Errorf("commit session: %w", database.TranslateError(err))
	}
	return nil
}

// Rollback discards the transaction and releases all locks.
func (s *Session) Rollback() error {
	if s.closed {
		return nil
	}
	err := s.tx.Rollback()
	s.close()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}

func (s *Session) close() {
	s.closed = true
	s.releaseLocks()
	s.entries = make(map[string]*entry)
	s.order = nil
}

func (s *Session) releaseLocks() {
	for key, release := range s.held {
		release()
		delete(s.held, key)
	}
}

// Flush writes the changed columns of every managed entity that is not read
// only. Unchanged entities issue no statement.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.opts.ReadOnly {
		return nil
	}
	for _, key := range s.order {
		e, ok := s.entries[key]
		if !ok || e.readOnly {
			continue
		}
		cols := e.dirtyColumns()
		if len(cols) == 0 {
			continue
		}
		if _, err := s.tx.NewUpdate().Model(e.model).Column(cols...).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("flush %s: %w", e.key, database.TranslateError(err))
		}
		s.factory.logger.Debug("Flushed entity", "entity", e.key, "columns", strings.Join(cols, ","))
		e.snapshot = takeSnapshot(e.table, e.model)
	}
	return nil
}

// AutoFlush flushes when the session runs in FlushAuto mode. Queries call it
// so they observe pending changes.
func (s *Session) AutoFlush(ctx context.Context) error {
	if s.opts.FlushMode != FlushAuto {
		return s.check()
	}
	return s.Flush(ctx)
}

// Clear detaches every managed entity without flushing. References bound
// before the call fail with types.ErrDetachedReference.
func (s *Session) Clear() {
	s.entries = make(map[string]*entry)
	s.order = nil
	s.epoch++
}

// Detach stops tracking model. Pending changes to it are dropped.
func (s *Session) Detach(model any) {
	if key, _, err := s.keyOf(model); err == nil {
		if e, ok := s.entries[key]; ok && e.model == model {
			s.forget(key)
		}
	}
}

// Contains reports whether model is the managed instance of its identity.
func (s *Session) Contains(model any) bool {
	key, _, err := s.keyOf(model)
	if err != nil {
		return false
	}
	e, ok := s.entries[key]
	return ok && e.model == model
}

// SetReadOnly exempts a managed entity from change tracking, or restores it.
// Restoring takes a fresh snapshot, so earlier changes are not written.
func (s *Session) SetReadOnly(model any, readOnly bool) {
	key, _, err := s.keyOf(model)
	if err != nil {
		return
	}
	if e, ok := s.entries[key]; ok && e.model == model {
		if e.readOnly && !readOnly {
			e.snapshot = takeSnapshot(e.table, e.model)
		}
		e.readOnly = readOnly
	}
}

// IsReadOnly reports whether a managed entity is exempt from change tracking.
func (s *Session) IsReadOnly(model any) bool {
	key, _, err := s.keyOf(model)
	if err != nil {
		return false
	}
	e, ok := s.entries[key]
	return ok && e.readOnly
}

// Persist inserts a new entity and starts managing it. Generated keys are
// written back into model.
func (s *Session) Persist(ctx context.Context, model any) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.Contains(model) {
		return nil
	}
	if _, err := s.tx.NewInsert().Model(model).Exec(ctx); err != nil {
		return fmt.Errorf("persist %T: %w", model, database.TranslateError(err))
	}
	s.Manage(model)
	return nil
}

// Merge copies the state of a detached entity onto its managed instance,
// loading that instance first when needed, and returns the managed instance.
// An entity absent from the store is inserted instead.
func (s *Session) Merge(ctx context.Context, model any) (any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	key, table, err := s.keyOf(model)
	if err != nil {
		if table == nil {
			return nil, err
		}
		// No identity yet: merging a new entity persists it.
		if err := s.Persist(ctx, model); err != nil {
			return nil, err
		}
		return model, nil
	}
	if e, ok := s.entries[key]; ok {
		if e.model != model {
			copyState(table, e.model, model)
			s.bind(e.model)
		}
		return e.model, nil
	}

	loaded := reflect.New(table.Type).Interface()
	copyPK(table, loaded, model)
	err = s.tx.NewSelect().Model(loaded).WherePK().Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.Persist(ctx, model); err != nil {
			return nil, err
		}
		return model, nil
	case err != nil:
		return nil, fmt.Errorf("merge %s: %w", key, database.TranslateError(err))
	}
	managed := s.Manage(loaded)
	copyState(table, managed, model)
	s.bind(managed)
	return managed, nil
}

// Remove deletes a stored entity and stops tracking it. Removing an entity
// that does not exist, or has no identity yet, is a no-op.
func (s *Session) Remove(ctx context.Context, model any) error {
	if err := s.check(); err != nil {
		return err
	}
	key, _, err := s.keyOf(model)
	if err != nil {
		return nil
	}
	if _, err := s.tx.NewDelete().Model(model).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", key, database.TranslateError(err))
	}
	s.forget(key)
	return nil
}

// Manage returns the managed instance for the identity of model. When the
// identity is new, model itself becomes managed. Loaded to-one relations are
// managed as well, and lazy references are bound to the session.
func (s *Session) Manage(model any) any {
	if s.closed {
		return model
	}
	key, table, err := s.keyOf(model)
	if err != nil {
		return model
	}
	if e, ok := s.entries[key]; ok {
		if e.model != model {
			adoptRelations(s, table, e.model, model)
		}
		return e.model
	}
	e := &entry{key: key, model: model, table: table}
	s.entries[key] = e
	s.order = append(s.order, key)
	s.manageRelations(table, model)
	e.snapshot = takeSnapshot(table, model)
	s.bind(model)
	return model
}

func (s *Session) bind(model any) {
	if b, ok := model.(RefBinder); ok {
		b.BindSession(s)
	}
}

// manageRelations replaces loaded to-one relations by their managed instances.
func (s *Session) manageRelations(table *schema.Table, model any) {
	strct := reflect.ValueOf(model).Elem()
	for _, rel := range table.Relations {
		if rel.Type != schema.BelongsToRelation && rel.Type != schema.HasOneRelation {
			continue
		}
		fv := rel.Field.Value(strct)
		if fv.Kind() != reflect.Ptr || fv.IsNil() {
			continue
		}
		managed := s.Manage(fv.Interface())
		fv.Set(reflect.ValueOf(managed))
	}
}

// adoptRelations hands relations loaded into a duplicate over to the
// managed instance when it has not loaded them yet.
func adoptRelations(s *Session, table *schema.Table, managed, dup any) {
	dst := reflect.ValueOf(managed).Elem()
	src := reflect.ValueOf(dup).Elem()
	for _, rel := range table.Relations {
		if rel.Type != schema.BelongsToRelation && rel.Type != schema.HasOneRelation {
			continue
		}
		from := rel.Field.Value(src)
		to := rel.Field.Value(dst)
		if from.Kind() != reflect.Ptr || from.IsNil() || !to.IsNil() {
			continue
		}
		to.Set(reflect.ValueOf(s.Manage(from.Interface())))
	}
}

func (s *Session) forget(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Lock takes a pessimistic lock on each model for the rest of the session
// and refreshes them from the store. Keys are locked in sorted order; a wait
// longer than the lock timeout fails with types.ErrLockTimeout. On Postgres
// and MySQL the rows are also locked with SELECT ... FOR UPDATE/SHARE.
// Stores without row locks (SQLite) rely on the in-process lock manager
// alone, where types.LockPessimisticRead is exclusive like a write lock.
func (s *Session) Lock(ctx context.Context, mode types.LockMode, models ...any) error {
	if err := s.check(); err != nil {
		return err
	}
	if mode == types.LockNone || len(models) == 0 {
		return nil
	}
	// Locked rows are refreshed below; pending changes must reach the store first.
	if err := s.Flush(ctx); err != nil {
		return err
	}
	byKey := make(map[string]any, len(models))
	keys := make([]string, 0, len(models))
	for _, m := range models {
		key, _, err := s.keyOf(m)
		if err != nil {
			return err
		}
		if _, dup := byKey[key]; !dup {
			keys = append(keys, key)
		}
		byKey[key] = m
	}
	sort.Strings(keys)

	timeout := s.opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	for _, key := range keys {
		if _, ok := s.held[key]; ok {
			continue
		}
		release, err := s.factory.locks.Acquire(ctx, key, timeout)
		if err != nil {
			return err
		}
		s.held[key] = release
	}

	if err := s.setStoreLockTimeout(ctx, timeout); err != nil {
		return err
	}
	for _, key := range keys {
		model := byKey[key]
		q := s.tx.NewSelect().Model(model).WherePK()
		if clause := lockClause(s.Dialect().Name(), mode); clause != "" {
			q = q.For(clause)
		}
		if err := q.Scan(ctx); err != nil {
			return fmt.Errorf("lock %s: %w", key, database.TranslateError(err))
		}
		if e, ok := s.entries[key]; ok && e.model == model {
			e.snapshot = takeSnapshot(e.table, model)
		} else {
			s.Manage(model)
		}
	}
	return nil
}

// LockTimeout is the bound applied to pessimistic lock waits.
func (s *Session) LockTimeout() time.Duration {
	if s.opts.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return s.opts.LockTimeout
}

// LockClause is the FOR clause a locking read uses on the session dialect, or
// "" when the store has no row locks.
func (s *Session) LockClause(mode types.LockMode) string {
	return lockClause(s.Dialect().Name(), mode)
}

func lockClause(name dialect.Name, mode types.LockMode) string {
	if name != dialect.PG && name != dialect.MySQL {
		return ""
	}
	switch mode {
	case types.LockPessimisticRead:
		return "SHARE"
	case types.LockPessimisticWrite:
		return "UPDATE"
	default:
		return ""
	}
}

// setStoreLockTimeout bounds row lock waits inside the store itself.
func (s *Session) setStoreLockTimeout(ctx context.Context, timeout time.Duration) error {
	var err error
	switch s.Dialect().Name() {
	case dialect.PG:
		_, err = s.tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds()))
	case dialect.MySQL:
		secs := int(timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		_, err = s.tx.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs))
	}
	return err
}

// HeldLocks lists the keys this session holds pessimistic locks on.
func (s *Session) HeldLocks() []string {
	keys := make([]string, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Key returns the identity key of model, "table:pk".
func (s *Session) Key(model any) (string, error) {
	key, _, err := s.keyOf(model)
	return key, err
}

func (s *Session) keyOf(model any) (string, *schema.Table, error) {
	v := reflect.ValueOf(model)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return "", nil, fmt.Errorf("%w: entity must be a non-nil struct pointer, got %T", types.ErrInvalidArgument, model)
	}
	table := s.tx.Dialect().Tables().Get(v.Elem().Type())
	key, ok := identityKey(table, v.Elem())
	if !ok {
		return "", table, fmt.Errorf("%w: %s has no identity yet", types.ErrInvalidArgument, table.TypeName)
	}
	return key, table, nil
}

func identityKey(table *schema.Table, strct reflect.Value) (string, bool) {
	if len(table.PKs) == 0 {
		return "", false
	}
	parts := make([]string, len(table.PKs))
	for i, pk := range table.PKs {
		if pk.HasZeroValue(strct) {
			return "", false
		}
		parts[i] = fmt.Sprint(pk.Value(strct).Interface())
	}
	return table.Name + ":" + strings.Join(parts, ","), true
}

// keyFor builds the identity key of a table row from a primary key value.
func keyFor(table *schema.Table, id any) string {
	return table.Name + ":" + fmt.Sprint(id)
}

func (e *entry) dirtyColumns() []string {
	strct := reflect.ValueOf(e.model).Elem()
	var cols []string
	for i, f := range e.table.Fields {
		if f.IsPK {
			continue
		}
		if !reflect.DeepEqual(f.Value(strct).Interface(), e.snapshot[i]) {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// takeSnapshot deep copies the column values of model so later in-place
// changes to slices or maps are still detected.
func takeSnapshot(table *schema.Table, model any) []any {
	strct := reflect.ValueOf(model).Elem()
	snap := make([]any, len(table.Fields))
	for i, f := range table.Fields {
		fv := f.Value(strct)
		v := fv.Interface()
		switch fv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Ptr:
			if fv.IsNil() {
				break
			}
			if c, err := copystructure.Copy(v); err == nil {
				v = c
			}
		}
		snap[i] = v
	}
	return snap
}

// copyState overwrites the column values of dst with those of src. To-one
// relations are copied only when src has them loaded.
func copyState(table *schema.Table, dst, src any) {
	d := reflect.ValueOf(dst).Elem()
	s := reflect.ValueOf(src).Elem()
	for _, f := range table.Fields {
		f.Value(d).Set(f.Value(s))
	}
	for _, rel := range table.Relations {
		if rel.Type != schema.BelongsToRelation && rel.Type != schema.HasOneRelation {
			continue
		}
		if from := rel.Field.Value(s); from.Kind() == reflect.Ptr && !from.IsNil() {
			rel.Field.Value(d).Set(from)
		}
	}
}

func copyPK(table *schema.Table, dst, src any) {
	d := reflect.ValueOf(dst).Elem()
	s := reflect.ValueOf(src).Elem()
	for _, pk := range table.PKs {
		pk.Value(d).Set(pk.Value(s))
	}
}
