// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/go-dbsemaphore/dbsemaphore/internal/testlog"
)

func TestReclaimer_releaseDeadOwnerPermits_exactMatchDeleteReturnsPermits(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tx := NewTxClient(db)
	hs := &HeartbeatService{desc: testDescriptor(), cfg: DefaultConfig()}
	r := newReclaimer(testDescriptor(), hs, tx, testlog.HCLogger(t))

	rows := sqlmock.NewRows([]string{"owner", "owned_permits"}).AddRow("dead-owner", 3)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.owner, p.owned_permits").WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM permits_by_owner").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE semaphores").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	total, err := r.releaseDeadOwnerPermits(context.Background(), "sem-1", 3, time.Now().Add(time.Second))
	must.NoError(t, err)
	must.Eq(t, int64(3), total)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimer_releaseDeadOwnerPermits_skipsAlreadyReclaimedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tx := NewTxClient(db)
	hs := &HeartbeatService{desc: testDescriptor(), cfg: DefaultConfig()}
	r := newReclaimer(testDescriptor(), hs, tx, testlog.HCLogger(t))

	rows := sqlmock.NewRows([]string{"owner", "owned_permits"}).AddRow("dead-owner", 3)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.owner, p.owned_permits").WillReturnRows(rows)
	// a peer reclaimed this row first: the exact-match DELETE affects 0 rows.
	mock.ExpectExec("DELETE FROM permits_by_owner").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	total, err := r.releaseDeadOwnerPermits(context.Background(), "sem-1", 3, time.Now().Add(time.Second))
	must.NoError(t, err)
	must.Eq(t, int64(0), total)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimer_removeDeadHeartBeatAndNotOwnerRows_skipsOrphanCleanupWhenNothingReaped(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tx := NewTxClient(db)
	hs := &HeartbeatService{desc: testDescriptor(), cfg: DefaultConfig()}
	r := newReclaimer(testDescriptor(), hs, tx, testlog.HCLogger(t))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM heartbeats").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	deleted, err := r.removeDeadHeartBeatAndNotOwnerRows(context.Background(), time.Now().Add(time.Second))
	must.NoError(t, err)
	must.Eq(t, int64(0), deleted)
	must.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimer_removeDeadHeartBeatAndNotOwnerRows_cleansOrphansWhenReaped(t *testing.T) {
	db, mock, err := sqlmock.New()
	must.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tx := NewTxClient(db)
	hs := &HeartbeatService{desc: testDescriptor(), cfg: DefaultConfig()}
	r := newReclaimer(testDescriptor(), hs, tx, testlog.HCLogger(t))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM heartbeats").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM permits_by_owner").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := r.removeDeadHeartBeatAndNotOwnerRows(context.Background(), time.Now().Add(time.Second))
	must.NoError(t, err)
	must.Eq(t, int64(1), deleted)
	must.NoError(t, mock.ExpectationsWereMet())
}
