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
	"fmt"
	"sync"
	"time"

	"github.com/tomoncle/datajpa/types"
	"golang.org/x/sync/semaphore"
)

// LockManager hands out exclusive locks on entity keys. It backs pessimistic
// locking on stores without row locks and bounds every wait by a timeout.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the lock on key is free, ctx is done or timeout
// elapses. A timeout yields an error wrapping types.ErrLockTimeout. The
// returned release func is idempotent.
func (m *LockManager) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := kl.sem.Acquire(waitCtx, 1); err != nil {
		m.unref(key, kl)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", types.ErrLockTimeout, key, timeout)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.sem.Release(1)
			m.unref(key, kl)
		})
	}, nil
}

// Held reports how many holders and waiters a key currently has.
func (m *LockManager) Held(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kl, ok := m.locks[key]; ok {
		return kl.refs
	}
	return 0
}

func (m *LockManager) unref(key string, kl *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, key)
	}
}
