// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// Diagnostics is the read-only introspection surface named in spec.md §6.
// There is no wire protocol: this is an in-process snapshot, not the
// JMX-style management surface the Non-goals exclude.
type Diagnostics struct {
	Name           string
	Total          int64
	Available      int64
	OwnedByMe      int64
	IsHealthy      bool
	QueryTimeout   time.Duration
	LastAcquireErr error
	PendingWaiters int
}

// MarshalJSON renders LastAcquireErr as its message string: encoding/json
// has no way to introspect an arbitrary error value's fields, so the
// zero-value encoding for a non-nil error is an empty "{}" unless it
// already implements json.Marshaler. dbsemaphore-inspect relies on this
// to print a readable diagnostic.
func (d Diagnostics) MarshalJSON() ([]byte, error) {
	var lastErr string
	if d.LastAcquireErr != nil {
		lastErr = d.LastAcquireErr.Error()
	}
	type alias Diagnostics
	return json.Marshal(struct {
		alias
		LastAcquireErr string `json:"LastAcquireErr,omitempty"`
	}{alias(d), lastErr})
}

// Semaphore is one instance of a named, database-backed counting
// semaphore bound to a single process (spec.md §4.3). Multiple Semaphore
// values constructed for the same name within one process share the
// per-name mutex/condition pair from the process-wide intern table
// (spec.md §5/§9).
type Semaphore struct {
	name      string
	owner     string
	desc      TableDescriptor
	db        *sql.DB
	tx        *TxClient
	hs        *HeartbeatService
	subID     int
	reclaimer *reclaimer
	cfg       Config
	logger    hclog.Logger
	nl        *nameLock

	mu             sync.Mutex
	ownedPermits   int64
	healthy        bool
	closed         bool
	lastAcquireErr error
	pendingWaiters int
}

// NewSemaphore constructs (or attaches to) the named semaphore, per
// spec.md §4.3 "Construction". hs must already be subscribed-to-able
// (normally obtained via AcquireHeartbeatService using the same db and
// owner).
func NewSemaphore(
	ctx context.Context,
	db *sql.DB,
	desc TableDescriptor,
	name string,
	hs *HeartbeatService,
	logger hclog.Logger,
	opts ...Option,
) (*Semaphore, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Semaphore{
		name:    name,
		owner:   hs.Owner(),
		desc:    desc,
		db:      db,
		tx:      NewTxClient(db),
		hs:      hs,
		cfg:     cfg,
		logger:  logger.Named("semaphore").With("name", name),
		nl:      processIntern.get(name),
		healthy: true,
	}
	s.reclaimer = newReclaimer(desc, hs, s.tx, s.logger)

	if err := s.bootstrapSemaphoreRow(ctx); err != nil {
		return nil, err
	}
	if err := s.bootstrapOwnerRow(ctx); err != nil {
		return nil, err
	}

	s.subID = hs.Subscribe(s.onHeartbeatError, s.onHeartbeatClose)
	return s, nil
}

func (s *Semaphore) onHeartbeatError(cause error) {
	s.mu.Lock()
	s.healthy = false
	s.lastAcquireErr = cause
	s.mu.Unlock()
	s.nl.cond.Broadcast()
	s.logger.Error("semaphore unhealthy: heartbeat service failed", "error", cause)
}

func (s *Semaphore) onHeartbeatClose() {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	s.nl.cond.Broadcast()
}

// bootstrapSemaphoreRow implements spec.md §4.3 construction steps 1-2.
func (s *Semaphore) bootstrapSemaphoreRow(ctx context.Context) error {
	const maxAttempts = 2
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.tryBootstrapSemaphoreRow(ctx)
		if err == nil {
			return nil
		}
		if !s.desc.isUniqueViolation(err) {
			return err
		}
		s.logger.Debug("constructor raced with a concurrent creation; retrying", "attempt", attempt)
	}
	return fmt.Errorf("dbsemaphore: constructing semaphore %q after retry: %w", s.name, err)
}

func (s *Semaphore) tryBootstrapSemaphoreRow(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.QueryTimeout)
	return s.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		rows, err := tx.QueryContext(ctx, s.desc.selectSemaphoreSQL(), s.name)
		if err != nil {
			return err
		}
		var found bool
		var total, available int64
		for rows.Next() {
			if found {
				rows.Close()
				return fmt.Errorf("dbsemaphore: %w: multiple rows for semaphore %q", ErrCorruptRow, s.name)
			}
			if err := rows.Scan(&total, &available); err != nil {
				rows.Close()
				return err
			}
			found = true
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if !found {
			_, err := tx.ExecContext(ctx, s.desc.insertSemaphoreSQL(), s.name, s.cfg.TotalPermits, s.owner)
			return err
		}

		if s.cfg.Strict && total != int64(s.cfg.TotalPermits) {
			return fmt.Errorf("dbsemaphore: %w: semaphore %q has total_permits=%d, requested=%d",
				ErrStrictMismatch, s.name, total, s.cfg.TotalPermits)
		}
		return nil
	})
}

func (s *Semaphore) bootstrapOwnerRow(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.QueryTimeout)
	return s.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		_, err := tx.ExecContext(ctx, s.desc.UpsertOwnerRowSQL(s.desc), s.name, s.owner)
		return err
	})
}

// Acquire reserves k permits for this process, blocking until they are
// available or ctx is done. It implements the central protocol of
// spec.md §4.3 "Acquire algorithm". k must be >= 1.
func (s *Semaphore) Acquire(ctx context.Context, k int64) error {
	if k < 1 {
		return fmt.Errorf("dbsemaphore: %w: k=%d", ErrInvalidPermits, k)
	}

	start := time.Now()
	defer func() { measureSince(metricKeyAcquireTimer, start) }()

	s.nl.mu.Lock()
	defer s.nl.mu.Unlock()

	s.mu.Lock()
	s.pendingWaiters++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pendingWaiters--
		s.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dbsemaphore: %w", ErrTimeout)
		}
		if !s.Healthy() {
			return ErrUnhealthy
		}

		acquired, err := s.tryAcquireOnce(ctx, k)
		if err != nil {
			return err
		}
		if acquired {
			s.mu.Lock()
			s.ownedPermits += k
			s.mu.Unlock()
			return nil
		}

		incrCounter(metricKeyAcquireWait, 1)

		// Blocked: spec.md §4.3 step 4.
		cleanupDeadline, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		fut := sharedPool.submitFuture(func() error {
			_, err := s.reclaimer.removeDeadHeartBeatAndNotOwnerRows(context.Background(), time.Now().Add(s.cfg.QueryTimeout))
			return err
		})
		cleanupErr := fut.wait(cleanupDeadline)
		cancel()
		if errors.Is(cleanupErr, ErrCleanupTimeout) {
			s.logger.Warn("dead-row cleanup did not complete in time; giving up this acquire", "error", cleanupErr)
			return fmt.Errorf("dbsemaphore: %w", ErrTimeout)
		}
		if cleanupErr != nil {
			s.logger.Warn("dead-row cleanup failed", "error", cleanupErr)
		}

		reclaimDeadline := earliestDeadline(ctx, s.cfg.QueryTimeout)
		reclaimed, err := s.reclaimer.releaseDeadOwnerPermits(ctx, s.name, k, reclaimDeadline)
		if err != nil {
			s.logger.Warn("reclamation attempt failed", "error", err)
		}
		if reclaimed > 0 {
			s.logger.Debug("reclaimed dead-owner permits", "count", reclaimed)
			continue
		}

		if err := s.waitOnCondOrDeadline(ctx); err != nil {
			return err
		}
	}
}

// TryAcquire is sugar over Acquire with a derived timeout.
func (s *Semaphore) TryAcquire(ctx context.Context, k int64, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.Acquire(ctx, k)
	if err == nil {
		return true, nil
	}
	if ctxErrIsDeadline(err) {
		return false, nil
	}
	return false, err
}

func earliestDeadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func ctxErrIsDeadline(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// waitOnCondOrDeadline sleeps on the shared condition variable for a
// randomized interval min(remaining, rand()%pollInterval), per spec.md
// §4.3 step 4c. The nameLock mutex must already be held by the caller;
// Wait releases it for the duration of the sleep.
func (s *Semaphore) waitOnCondOrDeadline(ctx context.Context) error {
	remaining := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("dbsemaphore: %w", ErrTimeout)
		}
	}

	pollWait := time.Duration(rand.Int63n(int64(s.cfg.AcquirePollInterval) + 1))
	if remaining >= 0 && pollWait > remaining {
		pollWait = remaining
	}

	timer := time.AfterFunc(pollWait, func() {
		s.nl.mu.Lock()
		s.nl.cond.Broadcast()
		s.nl.mu.Unlock()
	})
	defer timer.Stop()

	// The caller already holds s.nl.mu (locked for the duration of
	// Acquire); Wait releases it for the sleep and re-acquires it before
	// returning, same as a release() call's Broadcast would wake it.
	s.nl.cond.Wait()
	return nil
}

// tryAcquireOnce runs the single transaction of spec.md §4.3 step 2.
func (s *Semaphore) tryAcquireOnce(ctx context.Context, k int64) (bool, error) {
	deadline := earliestDeadline(ctx, s.cfg.QueryTimeout)
	var acquired, claimedPiggyback bool
	err := s.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		res, err := tx.ExecContext(ctx, s.desc.acquireGateSQL(), k, s.owner, s.name, k)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		switch {
		case affected == 0:
			acquired = false
			return nil
		case affected > 1:
			return fmt.Errorf("dbsemaphore: %w: acquire gate touched %d rows for semaphore %q", ErrCorruptRow, affected, s.name)
		}

		ownerRes, err := tx.ExecContext(ctx, s.desc.incrementOwnerSQL(), k, s.owner, s.name)
		if err != nil {
			return err
		}
		ownerAffected, err := ownerRes.RowsAffected()
		if err != nil {
			return err
		}
		if ownerAffected != 1 {
			return fmt.Errorf("dbsemaphore: %w: owner row update affected %d rows for (%s, %s)",
				ErrIntegrityViolation, ownerAffected, s.name, s.owner)
		}

		claimedPiggyback = s.hs.ClaimPiggyback(budget)
		if claimedPiggyback {
			if _, err := tx.ExecContext(ctx, s.hs.BeatStatement(), s.owner); err != nil {
				return err
			}
		}

		acquired = true
		return nil
	})
	// lastRun only advances once the embedded beat is durable: a commit
	// failure after ClaimPiggyback reserved the window must not leave the
	// heartbeat service believing a beat happened (spec.md §9 Design Note).
	if claimedPiggyback {
		s.hs.ConfirmPiggyback(err == nil)
	}
	if err != nil {
		s.mu.Lock()
		s.lastAcquireErr = err
		s.mu.Unlock()
		return false, err
	}
	return acquired, nil
}

// Release releases k of this process's held permits for this semaphore
// (spec.md §4.3); it fails with ErrOverRelease, releasing nothing, when
// k exceeds the permits held. It is non-cancellable: once entered it runs
// to completion on a bounded, non-interruptible transactional path, so a
// cancellation signal during release cannot leak permits (spec.md §5).
// The release transaction is attempted once; a failed attempt is not
// retried.
func (s *Semaphore) Release(k int64) error {
	if k < 1 {
		return fmt.Errorf("dbsemaphore: %w: k=%d", ErrInvalidPermits, k)
	}

	s.mu.Lock()
	owned := s.ownedPermits
	s.mu.Unlock()
	if k > owned {
		return fmt.Errorf("dbsemaphore: %w: release(%d) exceeds held %d", ErrOverRelease, k, owned)
	}

	releaseDeadline := time.Now().Add(s.cfg.QueryTimeout * 3)
	err := s.tx.DoUninterruptible(releaseDeadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		if _, err := tx.ExecContext(ctx, s.desc.releaseGateSQL(), k, s.name); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.desc.decrementOwnerSQL(), k, s.owner, s.name, k)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("dbsemaphore: %w: release(%d) for owner %q on semaphore %q affected %d rows",
				ErrIntegrityViolation, k, s.owner, s.name, affected)
		}
		return nil
	})
	if err != nil {
		if isDeadlineExceeded(err) {
			return fmt.Errorf("dbsemaphore: %w", ErrReleaseAbandoned)
		}
		return err
	}

	s.nl.mu.Lock()
	s.mu.Lock()
	s.ownedPermits -= k
	s.mu.Unlock()
	s.nl.cond.Broadcast()
	s.nl.mu.Unlock()
	return nil
}

func isDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// ReleaseAll releases every permit currently held by this process for
// this semaphore. A no-op if none are held.
func (s *Semaphore) ReleaseAll() error {
	s.mu.Lock()
	owned := s.ownedPermits
	s.mu.Unlock()
	if owned == 0 {
		return nil
	}
	return s.Release(owned)
}

// UpdatePermits sets total_permits := n and adjusts available_permits by
// the same delta, atomically (spec.md §4.3). n must be >= 0.
func (s *Semaphore) UpdatePermits(ctx context.Context, n int64) error {
	if n < 0 {
		return fmt.Errorf("dbsemaphore: %w: n=%d", ErrInvalidPermits, n)
	}
	deadline := earliestDeadline(ctx, s.cfg.QueryTimeout)
	err := s.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		res, err := tx.ExecContext(ctx, s.desc.updatePermitsSQL(), n, n, s.owner, s.name)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("dbsemaphore: %w: semaphore %q", ErrMissingRow, s.name)
		}
		return nil
	})
	if err == nil {
		s.nl.mu.Lock()
		s.nl.cond.Broadcast()
		s.nl.mu.Unlock()
	}
	return err
}

// ReducePermits atomically decreases both total_permits and
// available_permits by k, failing if total_permits < k.
func (s *Semaphore) ReducePermits(ctx context.Context, k int64) error {
	return s.adjustPermits(ctx, k, "-")
}

// IncreasePermits atomically increases both total_permits and
// available_permits by k, waking any in-process waiters.
func (s *Semaphore) IncreasePermits(ctx context.Context, k int64) error {
	err := s.adjustPermits(ctx, k, "+")
	if err == nil {
		s.nl.mu.Lock()
		s.nl.cond.Broadcast()
		s.nl.mu.Unlock()
	}
	return err
}

func (s *Semaphore) adjustPermits(ctx context.Context, k int64, sign string) error {
	if k < 0 {
		return fmt.Errorf("dbsemaphore: %w: k=%d", ErrInvalidPermits, k)
	}
	deadline := earliestDeadline(ctx, s.cfg.QueryTimeout)
	return s.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		if sign == "-" {
			rows, err := tx.QueryContext(ctx, s.desc.selectSemaphoreSQL(), s.name)
			if err != nil {
				return err
			}
			var total, available int64
			found := false
			for rows.Next() {
				if err := rows.Scan(&total, &available); err != nil {
					rows.Close()
					return err
				}
				found = true
			}
			if err := rows.Err(); err != nil {
				return err
			}
			rows.Close()
			if !found {
				return fmt.Errorf("dbsemaphore: %w: semaphore %q", ErrMissingRow, s.name)
			}
			if total < k {
				return fmt.Errorf("dbsemaphore: %w: reducePermits(%d) exceeds total %d", ErrInvalidPermits, k, total)
			}
		}

		res, err := tx.ExecContext(ctx, s.desc.adjustPermitsSQL(sign), k, k, s.owner, s.name)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("dbsemaphore: %w: semaphore %q", ErrMissingRow, s.name)
		}
		return nil
	})
}

// AvailablePermits, TotalPermits, and PermitsOwned are the read-only
// inspection methods of spec.md §4.3.

func (s *Semaphore) AvailablePermits(ctx context.Context) (int64, error) {
	_, available, err := s.readRow(ctx)
	return available, err
}

func (s *Semaphore) TotalPermits(ctx context.Context) (int64, error) {
	total, _, err := s.readRow(ctx)
	return total, err
}

func (s *Semaphore) PermitsOwned() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownedPermits
}

func (s *Semaphore) readRow(ctx context.Context) (total, available int64, err error) {
	deadline := earliestDeadline(ctx, s.cfg.QueryTimeout)
	err = s.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		rows, err := tx.QueryContext(ctx, s.desc.selectSemaphoreSQL(), s.name)
		if err != nil {
			return err
		}
		defer rows.Close()
		found := false
		for rows.Next() {
			if err := rows.Scan(&total, &available); err != nil {
				return err
			}
			found = true
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("dbsemaphore: %w: semaphore %q", ErrMissingRow, s.name)
		}
		return nil
	})
	return total, available, err
}

// Healthy reports whether this instance can still attempt acquires.
func (s *Semaphore) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

// Diagnostics returns the read-only snapshot of spec.md §6, enriched per
// SPEC_FULL.md with the last acquire error and pending-waiter count.
func (s *Semaphore) Diagnostics(ctx context.Context) Diagnostics {
	total, available, _ := s.readRow(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Diagnostics{
		Name:           s.name,
		Total:          total,
		Available:      available,
		OwnedByMe:      s.ownedPermits,
		IsHealthy:      s.healthy && !s.closed,
		QueryTimeout:   s.cfg.QueryTimeout,
		LastAcquireErr: s.lastAcquireErr,
		PendingWaiters: s.pendingWaiters,
	}
}

// Close releases all held permits, unsubscribes from the HeartbeatService,
// and marks the instance unhealthy. Idempotent; best-effort (spec.md §7).
func (s *Semaphore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ReleaseAll()
	if err != nil {
		s.logger.Warn("failed to release all permits on close", "error", err)
	}
	s.hs.Unsubscribe(s.subID)

	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	s.nl.cond.Broadcast()
	return nil
}
