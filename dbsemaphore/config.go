// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import "time"

// Config holds the tunables named in spec.md §6. Populate it with
// DefaultConfig and Option functions rather than constructing it
// directly, so new fields keep sensible defaults.
type Config struct {
	// TotalPermits is the initial capacity for a semaphore created for
	// the first time in this name. Ignored on attach to an existing row
	// unless Strict is set.
	TotalPermits int

	// Strict, when true, fails construction if an existing SEMAPHORES
	// row's total_permits disagrees with TotalPermits.
	Strict bool

	// QueryTimeout is the deadline of each transaction (three times this
	// for a release), shortened to the caller's context deadline when that
	// is earlier; every statement in the transaction shares that deadline.
	// Statements get no timeout of their own: no rounding to whole seconds
	// and no 1s floor is applied.
	QueryTimeout time.Duration

	// AcquirePollInterval is the maximum wait between in-process acquire
	// retries under contention.
	AcquirePollInterval time.Duration

	// HeartbeatInterval is the beat period for the shared
	// HeartbeatService backing this semaphore's process.
	HeartbeatInterval time.Duration

	// HeartbeatTimeoutMultiplier sets the deadness threshold: an owner
	// is dead once its HEARTBEATS row is older than
	// HeartbeatInterval * HeartbeatTimeoutMultiplier.
	HeartbeatTimeoutMultiplier int
}

// DefaultConfig returns the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		TotalPermits:               0,
		Strict:                     false,
		QueryTimeout:               10 * time.Second,
		AcquirePollInterval:        1000 * time.Millisecond,
		HeartbeatInterval:          10 * time.Second,
		HeartbeatTimeoutMultiplier: 4,
	}
}

// Option mutates a Config during NewSemaphore / AcquireHeartbeatService.
type Option func(*Config)

// WithTotalPermits sets the initial capacity for a never-before-seen
// semaphore name.
func WithTotalPermits(n int) Option {
	return func(c *Config) { c.TotalPermits = n }
}

// WithStrict enables the capacity-match check on attach to an existing row.
func WithStrict(strict bool) Option {
	return func(c *Config) { c.Strict = strict }
}

// WithQueryTimeout overrides the per-statement ceiling.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) { c.QueryTimeout = d }
}

// WithAcquirePollInterval overrides the max in-process retry wait.
func WithAcquirePollInterval(d time.Duration) Option {
	return func(c *Config) { c.AcquirePollInterval = d }
}

// WithHeartbeatInterval overrides the shared beater's period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithHeartbeatTimeoutMultiplier overrides the deadness threshold.
func WithHeartbeatTimeoutMultiplier(m int) Option {
	return func(c *Config) { c.HeartbeatTimeoutMultiplier = m }
}

func (c Config) heartbeatDeadAfter() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatTimeoutMultiplier)
}
