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

import "errors"

var (
	// ErrNotFound is returned when exactly one entity was expected and none exists.
	ErrNotFound = errors.New("entity not found")

	// ErrNonUniqueResult is returned when a single-result query matched several rows.
	ErrNonUniqueResult = errors.New("query did not return a unique result")

	// ErrInvalidQuery marks a malformed query template. It is raised while templates
	// are built or registered, never while they run.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidArgument is returned for bad call-time input such as a page size < 1.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDetachedReference is returned when a lazy reference is resolved after its
	// session was closed or cleared.
	ErrDetachedReference = errors.New("could not initialize reference: session closed")

	// ErrSessionClosed is returned by any operation on a committed or rolled back session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrConstraintViolation wraps uniqueness, not-null and foreign key violations.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrLockTimeout is returned when a pessimistic lock was not granted in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// IsRetryable reports whether the caller may retry the failed operation as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
