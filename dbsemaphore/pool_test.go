// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"go.uber.org/goleak"
)

func TestWorkerPool_submit_runsAllTasks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newWorkerPool(2)
	defer p.close()

	var n int64
	const tasks = 50
	done := make(chan struct{}, tasks)
	for i := 0; i < tasks; i++ {
		p.submit(func() {
			atomic.AddInt64(&n, 1)
			done <- struct{}{}
		})
	}
	for i := 0; i < tasks; i++ {
		<-done
	}
	must.Eq(t, int64(tasks), atomic.LoadInt64(&n))
}

func TestWorkerPool_future_waitReturnsErr(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := newWorkerPool(1)
	defer p.close()

	boom := errors.New("boom")
	f := p.submitFuture(func() error { return boom })

	err := f.wait(context.Background())
	must.ErrorIs(t, err, boom)
}

func TestFuture_wait_timeoutDoesNotCancelTask(t *testing.T) {
	p := newWorkerPool(1)
	defer p.close()

	taskFinished := make(chan struct{})
	f := p.submitFuture(func() error {
		time.Sleep(100 * time.Millisecond)
		close(taskFinished)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := f.wait(ctx)
	must.ErrorIs(t, err, ErrCleanupTimeout)

	select {
	case <-taskFinished:
	case <-time.After(2 * time.Second):
		t.Fatal("task was cancelled instead of running to completion")
	}
}

func TestWorkerPool_close_rejectsFurtherSubmits(t *testing.T) {
	p := newWorkerPool(1)
	p.close()

	var ran bool
	p.submit(func() { ran = true })
	time.Sleep(10 * time.Millisecond)
	must.False(t, ran)
}
