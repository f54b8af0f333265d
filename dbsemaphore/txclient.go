// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UnitOfWork is a caller-supplied transactional step. It receives the
// transaction and the budget remaining before the enclosing deadline. On
// normal return the enclosing TxClient commits; on any error it rolls
// back. fn should derive query-level timeouts from budget via
// QueryTimeoutFor rather than assuming its own clock.
type UnitOfWork func(ctx context.Context, tx *sql.Tx, budget time.Duration) error

// TxClient executes a UnitOfWork on a fresh connection within an absolute
// deadline (spec.md §4.1). It is the sole path every higher component
// uses to touch the database.
type TxClient struct {
	db *sql.DB
}

// NewTxClient wraps an already-opened *sql.DB. Connection pooling and
// schema migration are out of scope (spec.md §1 Non-goals); callers
// configure *sql.DB themselves.
func NewTxClient(db *sql.DB) *TxClient {
	return &TxClient{db: db}
}

// QueryTimeoutFor rounds the remaining budget down to whole seconds,
// clamped to at least one second, per spec.md §4.1.
func QueryTimeoutFor(budget time.Duration) time.Duration {
	secs := budget / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Do runs fn on a fresh transaction bounded by deadline. Cancellation of
// ctx is cooperative and additive to the deadline: whichever elapses
// first aborts the unit of work. On fn returning nil the transaction is
// committed, and a commit failure is returned wrapped. On an error from
// fn the transaction is rolled back and fn's error is returned as is,
// wrapped only when the rollback fails too.
func (c *TxClient) Do(ctx context.Context, deadline time.Time, fn UnitOfWork) error {
	return c.run(ctx, deadline, fn)
}

// DoUninterruptible runs fn bounded only by deadline, ignoring any
// caller-supplied cancellation. spec.md §5 requires release paths use
// this: a cancellation signal arriving mid-release must not be allowed
// to leak permits by abandoning the transaction partway through.
func (c *TxClient) DoUninterruptible(deadline time.Time, fn UnitOfWork) error {
	return c.run(context.Background(), deadline, fn)
}

func (c *TxClient) run(parent context.Context, deadline time.Time, fn UnitOfWork) error {
	ctx, cancel := context.WithDeadline(parent, deadline)
	defer cancel()

	budget := time.Until(deadline)
	if budget <= 0 {
		return fmt.Errorf("dbsemaphore: %w", ErrTimeout)
	}

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("dbsemaphore: acquiring connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbsemaphore: beginning transaction: %w", err)
	}

	if err := fn(ctx, tx, budget); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbsemaphore: commit failed: %w", err)
	}
	return nil
}
