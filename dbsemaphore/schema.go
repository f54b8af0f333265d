// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"fmt"
	"strconv"
	"strings"
)

// TableDescriptor parameterizes the table and column names the module
// reads and writes, plus the dialect-specific current-time expression and
// bind-parameter syntax, so the same protocol runs against any relational
// store reachable through database/sql. See spec.md §6 "Schema".
type TableDescriptor struct {
	// SemaphoresTable and its columns.
	SemaphoresTable        string
	SemColName             string
	SemColAvailablePermits string
	SemColTotalPermits     string
	SemColLastModifiedBy   string
	SemColLastModifiedAt   string

	// PermitsByOwnerTable and its columns.
	PermitsTable        string
	PermitsColName      string
	PermitsColOwner     string
	PermitsColOwned     string
	PermitsColLastModAt string

	// HeartbeatsTable and its columns.
	HeartbeatsTable       string
	HeartbeatsColOwner    string
	HeartbeatsColInterval string
	HeartbeatsColLastBeat string

	// NowExpr is a dialect-specific SQL expression yielding the current
	// time as a milliseconds-since-epoch integer, e.g.
	// "(extract(epoch from clock_timestamp())*1000)::bigint" for
	// Postgres or "CAST(UNIX_TIMESTAMP(CURRENT_TIMESTAMP(3))*1000 AS SIGNED)"
	// for MySQL.
	NowExpr string

	// Bind renders the nth (1-indexed) bind parameter in the target
	// dialect's placeholder syntax ("$1" for Postgres, "?" for MySQL).
	// Defaults to Postgres-style numbered placeholders when nil.
	Bind func(n int) string

	// UpsertHeartbeatSQL renders the dialect-specific "insert my
	// heartbeat row, or update it if it already exists" statement.
	// Dialects differ too much here (ON CONFLICT vs ON DUPLICATE KEY
	// UPDATE) to express generically; see dialect/postgres and
	// dialect/mysql.
	UpsertHeartbeatSQL func(d TableDescriptor) string

	// UpsertOwnerRowSQL renders the dialect-specific "insert my
	// PERMITS_BY_OWNER row with owned_permits=0, or do nothing if it
	// already exists" statement, for the common case of a process
	// re-instantiating a Semaphore for a name it already holds permits
	// under.
	UpsertOwnerRowSQL func(d TableDescriptor) string

	// IsUniqueViolation reports whether err is a unique/primary-key
	// constraint violation from this dialect's driver, used to detect
	// the construction-time race spec.md §4.3 step 2 describes. Defaults
	// to always-false when nil (see dialect packages for real
	// detection).
	IsUniqueViolation func(err error) bool
}

func (d TableDescriptor) bind(n int) string {
	if d.Bind != nil {
		return d.Bind(n)
	}
	return "$" + strconv.Itoa(n)
}

// DefaultDescriptor returns the column layout named in spec.md §6 with
// Postgres-style numbered placeholders and no current-time expression.
// Callers normally start from a dialect package's descriptor instead
// (dialect/postgres.Descriptor(), dialect/mysql.Descriptor()).
func DefaultDescriptor() TableDescriptor {
	return TableDescriptor{
		SemaphoresTable:        "semaphores",
		SemColName:             "name",
		SemColAvailablePermits: "available_permits",
		SemColTotalPermits:     "total_permits",
		SemColLastModifiedBy:   "last_modified_by",
		SemColLastModifiedAt:   "last_modified_at",

		PermitsTable:        "permits_by_owner",
		PermitsColName:      "name",
		PermitsColOwner:     "owner",
		PermitsColOwned:     "owned_permits",
		PermitsColLastModAt: "last_modified_at",

		HeartbeatsTable:       "heartbeats",
		HeartbeatsColOwner:    "owner",
		HeartbeatsColInterval: "interval_ms",
		HeartbeatsColLastBeat: "last_heartbeat",
	}
}

// selectSemaphoreSQL selects total_permits and available_permits once each
// (spec.md §9 "total_permits SELECT" open question: the source selects
// the same column twice; this descriptor deliberately does not).
func (d TableDescriptor) selectSemaphoreSQL() string {
	return fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s = %s",
		d.SemColTotalPermits, d.SemColAvailablePermits,
		d.SemaphoresTable, d.SemColName, d.bind(1),
	)
}

func (d TableDescriptor) insertSemaphoreSQL() string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s)",
		d.SemaphoresTable,
		d.SemColName, d.SemColTotalPermits, d.SemColAvailablePermits,
		d.SemColLastModifiedBy, d.SemColLastModifiedAt,
		d.bind(1), d.bind(2), d.bind(2), d.bind(3), d.NowExpr,
	)
}

func (d TableDescriptor) isUniqueViolation(err error) bool {
	if err == nil || d.IsUniqueViolation == nil {
		return false
	}
	return d.IsUniqueViolation(err)
}

// acquireGateSQL is the atomic gate of spec.md §4.3 step 2a: the
// conditional UPDATE is the only place concurrent acquires are
// serialized at the row level. k appears twice in the rendered
// statement (the decrement and the guard); bind renders a fresh
// placeholder for each occurrence rather than reusing one, since only
// Postgres-style numbered placeholders tolerate reuse — a `?`-style
// dialect needs one argument per placeholder. Callers pass k twice.
func (d TableDescriptor) acquireGateSQL() string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = %s - %s, %s = %s, %s = %s WHERE %s = %s AND %s >= %s",
		d.SemaphoresTable,
		d.SemColAvailablePermits, d.SemColAvailablePermits, d.bind(1),
		d.SemColLastModifiedBy, d.bind(2),
		d.SemColLastModifiedAt, d.NowExpr,
		d.SemColName, d.bind(3), d.SemColAvailablePermits, d.bind(4),
	)
}

func (d TableDescriptor) incrementOwnerSQL() string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = %s + %s, %s = %s WHERE %s = %s AND %s = %s",
		d.PermitsTable,
		d.PermitsColOwned, d.PermitsColOwned, d.bind(1),
		d.PermitsColLastModAt, d.NowExpr,
		d.PermitsColOwner, d.bind(2), d.PermitsColName, d.bind(3),
	)
}

func (d TableDescriptor) releaseGateSQL() string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = LEAST(%s + %s, %s) WHERE %s = %s",
		d.SemaphoresTable,
		d.SemColAvailablePermits, d.SemColAvailablePermits, d.bind(1), d.SemColTotalPermits,
		d.SemColName, d.bind(2),
	)
}

// decrementOwnerSQL's k argument, like acquireGateSQL's, occupies two
// placeholder occurrences in the rendered statement and is passed twice.
func (d TableDescriptor) decrementOwnerSQL() string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = %s - %s, %s = %s WHERE %s = %s AND %s = %s AND %s >= %s",
		d.PermitsTable,
		d.PermitsColOwned, d.PermitsColOwned, d.bind(1),
		d.PermitsColLastModAt, d.NowExpr,
		d.PermitsColOwner, d.bind(2), d.PermitsColName, d.bind(3),
		d.PermitsColOwned, d.bind(4),
	)
}

// updatePermitsSQL's n argument occupies two placeholder occurrences
// (the new total, and the same value reused to derive the available-
// permits delta) and is passed twice.
func (d TableDescriptor) updatePermitsSQL() string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = %s, %s = %s + (%s - %s), %s = %s, %s = %s WHERE %s = %s",
		d.SemaphoresTable,
		d.SemColTotalPermits, d.bind(1),
		d.SemColAvailablePermits, d.SemColAvailablePermits, d.bind(2), d.SemColTotalPermits,
		d.SemColLastModifiedBy, d.bind(3),
		d.SemColLastModifiedAt, d.NowExpr,
		d.SemColName, d.bind(4),
	)
}

// adjustPermitsSQL's k argument occupies two placeholder occurrences
// (total_permits and available_permits are adjusted by the same delta)
// and is passed twice.
func (d TableDescriptor) adjustPermitsSQL(sign string) string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = %s %s %s, %s = %s %s %s, %s = %s, %s = %s WHERE %s = %s",
		d.SemaphoresTable,
		d.SemColTotalPermits, d.SemColTotalPermits, sign, d.bind(1),
		d.SemColAvailablePermits, d.SemColAvailablePermits, sign, d.bind(2),
		d.SemColLastModifiedBy, d.bind(3),
		d.SemColLastModifiedAt, d.NowExpr,
		d.SemColName, d.bind(4),
	)
}

func (d TableDescriptor) deleteExpiredHeartbeatsSQL() string {
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s < (%s - %s)",
		d.HeartbeatsTable, d.HeartbeatsColLastBeat, d.NowExpr, d.bind(1),
	)
}

func (d TableDescriptor) deleteEmptyOrphanOwnersSQL() string {
	return fmt.Sprintf(
		strings.TrimSpace(`
DELETE FROM %s p WHERE p.%s = 0 AND NOT EXISTS (
	SELECT 1 FROM %s h WHERE h.%s = p.%s
)`),
		d.PermitsTable, d.PermitsColOwned,
		d.HeartbeatsTable, d.HeartbeatsColOwner, d.PermitsColOwner,
	)
}

func (d TableDescriptor) selectDeadOwnerPermitsSQL() string {
	return fmt.Sprintf(
		strings.TrimSpace(`
SELECT p.%s, p.%s FROM %s p WHERE p.%s = %s AND p.%s > 0
	AND NOT EXISTS (SELECT 1 FROM %s h WHERE h.%s = p.%s)
	ORDER BY p.%s, p.%s`),
		d.PermitsColOwner, d.PermitsColOwned, d.PermitsTable,
		d.PermitsColName, d.bind(1), d.PermitsColOwned,
		d.HeartbeatsTable, d.HeartbeatsColOwner, d.PermitsColOwner,
		d.PermitsColOwner, d.PermitsColOwned,
	)
}

func (d TableDescriptor) deleteOwnerRowExactSQL() string {
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s = %s AND %s = %s AND %s = %s",
		d.PermitsTable,
		d.PermitsColName, d.bind(1), d.PermitsColOwner, d.bind(2), d.PermitsColOwned, d.bind(3),
	)
}

func (d TableDescriptor) deleteHeartbeatRowSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", d.HeartbeatsTable, d.HeartbeatsColOwner, d.bind(1))
}

func (d TableDescriptor) updateHeartbeatSQL() string {
	return fmt.Sprintf(
		"UPDATE %s SET %s = %s WHERE %s = %s",
		d.HeartbeatsTable, d.HeartbeatsColLastBeat, d.NowExpr, d.HeartbeatsColOwner, d.bind(1),
	)
}
