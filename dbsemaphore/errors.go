// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import "errors"

// Sentinel errors returned by Semaphore operations. Wrap with %w and
// compare with errors.Is; never compare error strings.
var (
	// ErrUnhealthy is returned by Acquire when the owning process's
	// HeartbeatService has been declared dead by a peer, or the
	// Semaphore has been closed.
	ErrUnhealthy = errors.New("dbsemaphore: instance is unhealthy")

	// ErrTimeout is returned by Acquire when the deadline elapses before
	// the requested permits could be reserved.
	ErrTimeout = errors.New("dbsemaphore: acquire deadline exceeded")

	// ErrStrictMismatch is returned by NewSemaphore when strict is true
	// and an existing SEMAPHORES row's total_permits disagrees with the
	// requested initial count.
	ErrStrictMismatch = errors.New("dbsemaphore: max reservations different")

	// ErrOverRelease is returned by Release/ReleaseAll when the caller
	// attempts to release more permits than it currently owns.
	ErrOverRelease = errors.New("dbsemaphore: release exceeds held permits")

	// ErrReleaseAbandoned is returned when the non-cancellable release
	// transaction does not finish before its deadline (three times the
	// configured QueryTimeout). The release is attempted once and is not
	// retried; other release failures are returned as they are.
	ErrReleaseAbandoned = errors.New("dbsemaphore: release abandoned at its deadline")

	// ErrIntegrityViolation is returned when a transactional step
	// affects an unexpected number of rows (0 or >1 where exactly 1 was
	// required), indicating the three-table invariant would otherwise
	// be broken. Fatal for that operation; the transaction is rolled
	// back.
	ErrIntegrityViolation = errors.New("dbsemaphore: integrity violation")

	// ErrCorruptRow is returned when a query intended to address exactly
	// one row (by unique key) instead observed more than one.
	ErrCorruptRow = errors.New("dbsemaphore: duplicate row violates uniqueness invariant")

	// ErrInvalidPermits is returned for non-positive permit counts where
	// the contract requires k >= 1, or negative totals.
	ErrInvalidPermits = errors.New("dbsemaphore: invalid permit count")

	// ErrMissingRow is returned by UpdatePermits when the SEMAPHORES row
	// does not exist.
	ErrMissingRow = errors.New("dbsemaphore: semaphore row missing")

	// ErrCleanupTimeout is returned internally when the asynchronous
	// dead-row cleanup future does not complete within its bound; it
	// short-circuits the acquire loop per spec.md §4.3 step 4a.
	ErrCleanupTimeout = errors.New("dbsemaphore: dead-row cleanup timed out")
)
