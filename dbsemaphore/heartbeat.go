// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// beatStatementCost is the assumed cost of the opportunistic heartbeat
// UPDATE, used to gate piggybacking (spec.md §4.2 "Opportunistic beats"):
// a transaction only piggybacks a beat if its remaining budget clears this
// bar first.
const beatStatementCost = 1 * time.Second

// subscriber is the {onError, onClose} hook pair a Semaphore registers
// with a HeartbeatService (spec.md §4.2 "Subscribers").
type subscriber struct {
	onError func(error)
	onClose func()
}

// HeartbeatService is the single, process-wide pulse every Semaphore in
// the process relies on to prove liveness (spec.md §4.2). One instance
// exists per (data source, heartbeat table descriptor) within a process;
// AcquireHeartbeatService attaches repeat callers to the same instance.
type HeartbeatService struct {
	owner  string
	desc   TableDescriptor
	tx     *TxClient
	logger hclog.Logger
	cfg    Config

	registryKey string

	mu               sync.Mutex
	lastRun          time.Time
	piggybackPending bool
	failed           bool
	failErr          error
	subs             map[int]subscriber
	nextSub          int
	closed           bool

	sf singleflight.Group

	stopCh chan struct{}
	doneCh chan struct{}
}

var (
	heartbeatRegistryMu sync.Mutex
	heartbeatRegistry   = map[string]*HeartbeatService{}
)

// AcquireHeartbeatService returns the process-wide HeartbeatService for
// key (normally a data-source identifier combined with the heartbeat
// table name), creating and starting it on first acquisition. key lets
// a process share one beater across multiple semaphores backed by the
// same database.
func AcquireHeartbeatService(
	ctx context.Context,
	key string,
	db *sql.DB,
	desc TableDescriptor,
	owner string,
	logger hclog.Logger,
	opts ...Option,
) (*HeartbeatService, error) {
	heartbeatRegistryMu.Lock()
	defer heartbeatRegistryMu.Unlock()

	if existing, ok := heartbeatRegistry[key]; ok {
		return existing, nil
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	hs := &HeartbeatService{
		owner:       owner,
		desc:        desc,
		tx:          NewTxClient(db),
		logger:      logger.Named("heartbeat"),
		cfg:         cfg,
		registryKey: key,
		subs:        make(map[int]subscriber),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if err := hs.bootstrapRow(ctx); err != nil {
		return nil, fmt.Errorf("dbsemaphore: starting heartbeat service: %w", err)
	}
	hs.lastRun = time.Now()

	go hs.beat()

	heartbeatRegistry[key] = hs
	return hs, nil
}

// bootstrapRow performs the schema-tolerant row creation described in
// spec.md §4.2: insert this owner's row, or update it in place if a
// stale row from an earlier process lifetime under the same owner id
// still exists.
func (h *HeartbeatService) bootstrapRow(ctx context.Context) error {
	deadline := time.Now().Add(h.cfg.QueryTimeout)
	return h.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		stmt := h.desc.UpsertHeartbeatSQL(h.desc)
		_, err := tx.ExecContext(ctx, stmt, h.owner, h.cfg.HeartbeatInterval.Milliseconds())
		return err
	})
}

// Subscribe registers a Semaphore's lifecycle hooks and returns a handle
// used to Unsubscribe. If the service has already failed, onError fires
// immediately (a late subscriber must not miss a already-declared death).
func (h *HeartbeatService) Subscribe(onError func(error), onClose func()) int {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = subscriber{onError: onError, onClose: onClose}
	failed, failErr := h.failed, h.failErr
	h.mu.Unlock()

	if failed && onError != nil {
		onError(failErr)
	}
	return id
}

// Unsubscribe removes a previously registered subscriber. Idempotent.
func (h *HeartbeatService) Unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Healthy reports whether the service has not been declared dead.
func (h *HeartbeatService) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.failed
}

// Owner returns the process identifier this service beats on behalf of.
func (h *HeartbeatService) Owner() string { return h.owner }

// beat runs the background beater. It must not skew (spec.md §4.2): each
// iteration waits out only the portion of the interval the prior beat
// didn't already consume, so a slow beat is followed immediately by the
// next one rather than a burst of catch-up beats.
func (h *HeartbeatService) beat() {
	defer close(h.doneCh)
	for {
		start := time.Now()
		if err := h.beatOnce(context.Background()); err != nil {
			h.logger.Warn("heartbeat failed", "error", err)
		}
		if !h.Healthy() {
			return
		}

		elapsed := time.Since(start)
		wait := h.cfg.HeartbeatInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-h.stopCh:
			return
		}
	}
}

func (h *HeartbeatService) beatOnce(ctx context.Context) error {
	deadline := time.Now().Add(h.cfg.QueryTimeout)
	start := time.Now()
	var rows int64
	err := h.tx.Do(ctx, deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		res, err := tx.ExecContext(ctx, h.desc.updateHeartbeatSQL(), h.owner)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		incrCounter(metricKeyBeatFailure, 1)
		return err
	}
	if rows == 0 {
		incrCounter(metricKeyBeatFailure, 1)
		h.declareDead(fmt.Errorf("dbsemaphore: heartbeat row for owner %q missing or reaped by a peer: %w", h.owner, ErrUnhealthy))
		return nil
	}

	incrCounter(metricKeyBeatSuccess, 1)
	measureSince(metricKeyBeatTimer, start)
	h.mu.Lock()
	h.lastRun = time.Now()
	h.mu.Unlock()
	return nil
}

// declareDead is the fatal, unrecoverable transition of spec.md §4.2
// "Failure": every subscriber's onError fires with a poison value, and
// the beater stops for good.
func (h *HeartbeatService) declareDead(cause error) {
	h.mu.Lock()
	if h.failed {
		h.mu.Unlock()
		return
	}
	h.failed = true
	h.failErr = cause
	subs := make([]subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	h.logger.Error("process declared dead by a peer; poisoning all subscribed semaphores", "owner", h.owner, "error", cause)
	for _, s := range subs {
		if s.onError != nil {
			s.onError(cause)
		}
	}
}

// ClaimPiggyback decides, and atomically reserves, whether the caller may
// embed a heartbeat UPDATE inside its own in-flight transaction (spec.md
// §4.2 "Opportunistic beats"). It uses singleflight so that many
// semaphores attempting to piggyback in the same instant collapse into a
// single claim decision instead of each independently racing for the
// same window: only the caller whose call ran the decision can win it,
// and callers that shared that call get false. The claim only holds the
// window open; it does not record the beat. The caller must report the
// outcome via ConfirmPiggyback once its transaction has committed or
// aborted — lastRun must only advance once the embedded UPDATE is
// durable, never optimistically at claim time (spec.md §9 Design Note).
func (h *HeartbeatService) ClaimPiggyback(budget time.Duration) bool {
	if budget <= beatStatementCost || !h.Healthy() {
		return false
	}
	var won bool
	h.sf.Do("claim", func() (interface{}, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.piggybackPending || time.Since(h.lastRun) < h.cfg.HeartbeatInterval/2 {
			return nil, nil
		}
		h.piggybackPending = true
		won = true
		return nil, nil
	})
	return won
}

// ConfirmPiggyback reports the outcome of a transaction that previously
// claimed a piggyback window via ClaimPiggyback. lastRun advances only
// when committed is true; either way the claim is released so the next
// window can be claimed.
func (h *HeartbeatService) ConfirmPiggyback(committed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.piggybackPending = false
	if committed {
		h.lastRun = time.Now()
	}
}

// BeatStatement returns the dialect-specific UPDATE a caller piggybacks
// into its own transaction after ClaimPiggyback returns true.
func (h *HeartbeatService) BeatStatement() string {
	return h.desc.updateHeartbeatSQL()
}

// RemoveDeadHeartBeatRows deletes HEARTBEATS rows older than the
// configured deadness threshold, within tx (spec.md §4.2 "Reaping"). It
// is called transactionally by the Dead-Owner Reclaimer, never on its
// own transaction, so the same unit of work that observes an owner dead
// can act on that fact (spec.md §3 invariant I4).
func (h *HeartbeatService) RemoveDeadHeartBeatRows(ctx context.Context, tx *sql.Tx) (int64, error) {
	deadAfterMs := h.cfg.heartbeatDeadAfter().Milliseconds()
	res, err := tx.ExecContext(ctx, h.desc.deleteExpiredHeartbeatsSQL(), deadAfterMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close invokes onClose on every subscriber, deletes this service's own
// HEARTBEATS row, and stops the beater. Idempotent; best-effort — errors
// deleting the row are logged, never returned (spec.md §7 "close is
// best-effort and never raises").
func (h *HeartbeatService) Close(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.onClose != nil {
			s.onClose()
		}
	}

	deadline := time.Now().Add(h.cfg.QueryTimeout)
	err := h.tx.DoUninterruptible(deadline, func(ctx context.Context, tx *sql.Tx, budget time.Duration) error {
		_, err := tx.ExecContext(ctx, h.desc.deleteHeartbeatRowSQL(), h.owner)
		return err
	})
	if err != nil {
		h.logger.Warn("failed to delete heartbeat row on close", "error", err)
	}

	close(h.stopCh)
	<-h.doneCh

	heartbeatRegistryMu.Lock()
	if heartbeatRegistry[h.registryKey] == h {
		delete(heartbeatRegistry, h.registryKey)
	}
	heartbeatRegistryMu.Unlock()
}
