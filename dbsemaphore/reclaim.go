// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"database/sql"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// reclaimer is the Dead-Owner Reclaimer of spec.md §4.4: a logical
// subroutine a Semaphore invokes when acquisition would otherwise block.
// It scans for permit-holding owners absent from the heartbeat table and
// returns their permits to the pool.
type reclaimer struct {
	desc   TableDescriptor
	hs     *HeartbeatService
	tx     *TxClient
	logger hclog.Logger
}

func newReclaimer(desc TableDescriptor, hs *HeartbeatService, tx *TxClient, logger hclog.Logger) *reclaimer {
	return &reclaimer{desc: desc, hs: hs, tx: tx, logger: logger.Named("reclaimer")}
}

// removeDeadHeartBeatAndNotOwnerRows reaps expired HEARTBEATS rows and,
// only if at least one was reaped, deletes PERMITS_BY_OWNER rows with
// owned_permits = 0 whose owner no longer has a HEARTBEATS row. Both
// happen in a single transaction, satisfying invariant I4 (a recovered
// owner's absence must be established in the same unit of work as the
// cleanup that acts on it). Returns the number of orphan owner rows
// deleted.
func (r *reclaimer) removeDeadHeartBeatAndNotOwnerRows(ctx context.Context, deadline time.Time) (int64, error) {
	var deleted int64
	err := r.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		reaped, err := r.hs.RemoveDeadHeartBeatRows(ctx, tx)
		if err != nil {
			return err
		}
		if reaped == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, r.desc.deleteEmptyOrphanOwnersSQL())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

type deadOwnerPermits struct {
	owner   string
	permits int64
}

// releaseDeadOwnerPermits is spec.md §4.4's core safety mechanism.
// Candidates (dead owner, permit count) pairs are selected up to wish
// permits, then each is reclaimed with an exact-match DELETE: if two live
// peers race to reclaim the same dead owner, at most one DELETE affects a
// row, so permits are returned to the pool at most once (property P3).
func (r *reclaimer) releaseDeadOwnerPermits(ctx context.Context, name string, wish int64, deadline time.Time) (int64, error) {
	var total int64
	err := r.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		candidates, err := r.selectCandidates(ctx, tx, name, wish)
		if err != nil {
			return err
		}

		var merr *multierror.Error
		for _, c := range candidates {
			reclaimed, err := r.reclaimOne(ctx, tx, name, c)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			if reclaimed {
				total += c.permits
			} else {
				r.logger.Debug("dead owner permits already reclaimed by a peer", "owner", c.owner, "permits", c.permits)
			}
		}
		return merr.ErrorOrNil()
	})
	if err != nil {
		return total, err
	}
	if total > 0 {
		incrCounter(metricKeyReclaimed, float32(total))
	}
	return total, nil
}

func (r *reclaimer) selectCandidates(ctx context.Context, tx *sql.Tx, name string, wish int64) ([]deadOwnerPermits, error) {
	rows, err := tx.QueryContext(ctx, r.desc.selectDeadOwnerPermitsSQL(), name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []deadOwnerPermits
	var sum int64
	for rows.Next() {
		var c deadOwnerPermits
		if err := rows.Scan(&c.owner, &c.permits); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
		sum += c.permits
		if sum >= wish {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// reclaimOne deletes c's row with an exact owned_permits match and, only
// if that delete actually removed a row, returns the permits to the pool.
func (r *reclaimer) reclaimOne(ctx context.Context, tx *sql.Tx, name string, c deadOwnerPermits) (bool, error) {
	res, err := tx.ExecContext(ctx, r.desc.deleteOwnerRowExactSQL(), name, c.owner, c.permits)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, r.desc.releaseGateSQL(), c.permits, name); err != nil {
		return false, err
	}
	return true, nil
}
