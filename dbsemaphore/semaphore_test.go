// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/go-dbsemaphore/dbsemaphore/internal/testlog"
)

func newTestSemaphore(t *testing.T, db *sql.DB, name string) *Semaphore {
	t.Helper()
	hs := &HeartbeatService{
		owner:   "owner-1",
		desc:    testDescriptor(),
		cfg:     DefaultConfig(),
		lastRun: time.Now(),
		subs:    make(map[int]subscriber),
	}
	s := &Semaphore{
		name:      name,
		owner:     "owner-1",
		desc:      testDescriptor(),
		db:        db,
		tx:        NewTxClient(db),
		hs:        hs,
		cfg:       DefaultConfig(),
		logger:    testlog.HCLogger(t),
		nl:        newNameLock(),
		healthy:   true,
	}
	s.reclaimer = newReclaimer(testDescriptor(), hs, s.tx, s.logger)
	return s
}

func TestSemaphore_bootstrapSemaphoreRow_insertsWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-1")
	s.cfg.TotalPermits = 5

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_permits, available_permits").WillReturnRows(sqlmock.NewRows([]string{"total_permits", "available_permits"}))
	mock.ExpectExec("INSERT INTO semaphores").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	must.NoError(t, s.bootstrapSemaphoreRow(context.Background()))
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_bootstrapSemaphoreRow_strictMismatchFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-1")
	s.cfg.TotalPermits = 5
	s.cfg.Strict = true

	rows := sqlmock.NewRows([]string{"total_permits", "available_permits"}).AddRow(10, 10)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_permits, available_permits").WillReturnRows(rows)
	mock.ExpectRollback()

	err = s.bootstrapSemaphoreRow(context.Background())
	must.ErrorIs(t, err, ErrStrictMismatch)
}

func TestSemaphore_bootstrapSemaphoreRow_retriesOnceOnUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-1")
	s.cfg.TotalPermits = 5
	raceErr := errors.New("duplicate key")
	s.desc.IsUniqueViolation = func(err error) bool { return errors.Is(err, raceErr) }

	// first attempt: row absent, insert races with a concurrent creator.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_permits, available_permits").WillReturnRows(sqlmock.NewRows([]string{"total_permits", "available_permits"}))
	mock.ExpectExec("INSERT INTO semaphores").WillReturnError(raceErr)
	mock.ExpectRollback()

	// retry: row now exists and matches.
	rows := sqlmock.NewRows([]string{"total_permits", "available_permits"}).AddRow(5, 5)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_permits, available_permits").WillReturnRows(rows)
	mock.ExpectCommit()

	must.NoError(t, s.bootstrapSemaphoreRow(context.Background()))
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_tryAcquireOnce_succeedsWithoutPiggyback(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-1")

	mock.ExpectBegin()
	// k (2) is bound twice: once for the decrement, once for the
	// available >= guard. WithArgs pins the exact argument count so a
	// regression back to a single reused placeholder value fails loudly
	// instead of silently matching on SQL text alone.
	mock.ExpectExec("UPDATE semaphores").WithArgs(int64(2), "owner-1", "sem-1", int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE permits_by_owner").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acquired, err := s.tryAcquireOnce(context.Background(), 2)
	must.NoError(t, err)
	must.True(t, acquired)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_tryAcquireOnce_gateBlockedWhenNotEnoughAvailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-1")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE semaphores").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	acquired, err := s.tryAcquireOnce(context.Background(), 2)
	must.NoError(t, err)
	must.False(t, acquired)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_Acquire_immediateSuccessTracksOwnedPermits(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-acquire-immediate")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE semaphores").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE permits_by_owner").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	must.NoError(t, s.Acquire(context.Background(), 1))
	must.Eq(t, int64(1), s.PermitsOwned())
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_Acquire_unhealthyFailsFast(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-unhealthy")
	s.healthy = false

	err = s.Acquire(context.Background(), 1)
	must.ErrorIs(t, err, ErrUnhealthy)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_Acquire_rejectsNonPositiveK(t *testing.T) {
	db, _, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-invalid")
	err = s.Acquire(context.Background(), 0)
	must.ErrorIs(t, err, ErrInvalidPermits)
}

func TestSemaphore_Release_overReleaseFailsFast(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-release")
	s.ownedPermits = 1

	err = s.Release(2)
	must.ErrorIs(t, err, ErrOverRelease)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_Release_success(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-release-ok")
	s.ownedPermits = 3

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE semaphores").WillReturnResult(sqlmock.NewResult(0, 1))
	// k (3) is bound twice in decrementOwnerSQL: the decrement itself and
	// the owned >= guard.
	mock.ExpectExec("UPDATE permits_by_owner").WithArgs(int64(3), "owner-1", "sem-release-ok", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	must.NoError(t, s.Release(3))
	must.Eq(t, int64(0), s.PermitsOwned())
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_Release_integrityViolationOnUnexpectedRowCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-release-bad")
	s.ownedPermits = 3

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE semaphores").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE permits_by_owner").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.Release(3)
	must.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestSemaphore_UpdatePermits_bindsNewTotalTwice(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-update")

	mock.ExpectBegin()
	// n (5) is bound twice in updatePermitsSQL: the new total itself, and
	// the same value reused to derive the available-permits delta.
	mock.ExpectExec("UPDATE semaphores").WithArgs(int64(5), int64(5), "owner-1", "sem-update").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	must.NoError(t, s.UpdatePermits(context.Background(), 5))
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestSemaphore_ReducePermits_bindsDeltaTwice(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-reduce")

	rows := sqlmock.NewRows([]string{"total_permits", "available_permits"}).AddRow(10, 10)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT total_permits, available_permits").WillReturnRows(rows)
	// k (2) is bound twice in adjustPermitsSQL: total_permits and
	// available_permits are both adjusted by the same delta.
	mock.ExpectExec("UPDATE semaphores").WithArgs(int64(2), int64(2), "owner-1", "sem-reduce").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	must.NoError(t, s.ReducePermits(context.Background(), 2))
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestDiagnostics_MarshalJSON_rendersLastAcquireErrAsString(t *testing.T) {
	d := Diagnostics{Name: "sem-1", LastAcquireErr: errors.New("gate blocked")}
	out, err := json.Marshal(d)
	must.NoError(t, err)
	must.StrContains(t, string(out), `"LastAcquireErr":"gate blocked"`)

	d.LastAcquireErr = nil
	out, err = json.Marshal(d)
	must.NoError(t, err)
	must.False(t, strings.Contains(string(out), "LastAcquireErr"))
}

func TestSemaphore_Close_isIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newTestSemaphore(t, db, "sem-close")

	must.NoError(t, s.Close())
	must.NoError(t, s.Close())
	must.False(t, s.Healthy())
	must.NoError(t, mock.ExpectationsWereMet())
}
