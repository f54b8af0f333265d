// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package postgres supplies the PostgreSQL dialect binding for
// dbsemaphore: the current-time expression, bind-parameter syntax, and
// upsert statements that dbsemaphore.TableDescriptor cannot express
// generically. Grounded on the pgx/v5 usage seen across the retrieval
// pack's manifests (apimgr-vidveil, gravitational-teleport,
// jordigilh-kubernaut): this module uses the database/sql-compatible
// pgx/v5/stdlib driver rather than pgx's native interface, so callers
// keep the same *sql.DB surface as every other dialect.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hashicorp/go-dbsemaphore/dbsemaphore"
)

// uniqueViolationCode is the Postgres SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// nowExpr yields the current time as milliseconds since the epoch.
const nowExpr = "(extract(epoch from clock_timestamp())*1000)::bigint"

// Open opens a *sql.DB against dsn using the pgx/v5 stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsemaphore/dialect/postgres: opening: %w", err)
	}
	return db, nil
}

// Descriptor returns the default dbsemaphore.TableDescriptor column
// layout wired for PostgreSQL.
func Descriptor() dbsemaphore.TableDescriptor {
	d := dbsemaphore.DefaultDescriptor()
	d.NowExpr = nowExpr
	d.Bind = bind
	d.UpsertHeartbeatSQL = upsertHeartbeatSQL
	d.UpsertOwnerRowSQL = upsertOwnerRowSQL
	d.IsUniqueViolation = isUniqueViolation
	return d
}

func bind(n int) string {
	return "$" + strconv.Itoa(n)
}

func upsertHeartbeatSQL(d dbsemaphore.TableDescriptor) string {
	return fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s) VALUES ($1, $2, %s)
ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s, %s = %s`,
		d.HeartbeatsTable, d.HeartbeatsColOwner, d.HeartbeatsColInterval, d.HeartbeatsColLastBeat, d.NowExpr,
		d.HeartbeatsColOwner,
		d.HeartbeatsColInterval, d.HeartbeatsColInterval,
		d.HeartbeatsColLastBeat, d.NowExpr,
	)
}

func upsertOwnerRowSQL(d dbsemaphore.TableDescriptor) string {
	return fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s) VALUES ($1, $2, 0, %s)
ON CONFLICT (%s, %s) DO NOTHING`,
		d.PermitsTable, d.PermitsColName, d.PermitsColOwner, d.PermitsColOwned, d.PermitsColLastModAt, d.NowExpr,
		d.PermitsColName, d.PermitsColOwner,
	)
}

// isUniqueViolation reports whether err wraps a pgconn.PgError carrying
// the unique_violation SQLSTATE.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}
