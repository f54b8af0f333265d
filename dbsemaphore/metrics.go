// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// Ambient observability, not the JMX-style management surface spec.md §1
// excludes as a Non-goal — see SPEC_FULL.md "AMBIENT STACK". Callers that
// don't configure a metrics.Metrics sink get the library's global
// default, same as any other hashicorp/go-metrics consumer.

func incrCounter(key []string, val float32) {
	metrics.IncrCounter(key, val)
}

func measureSince(key []string, start time.Time) {
	metrics.MeasureSince(key, start)
}

var (
	metricKeyBeatSuccess  = []string{"dbsemaphore", "heartbeat", "success"}
	metricKeyBeatFailure  = []string{"dbsemaphore", "heartbeat", "failure"}
	metricKeyBeatTimer    = []string{"dbsemaphore", "heartbeat", "duration"}
	metricKeyAcquireWait  = []string{"dbsemaphore", "acquire", "contended"}
	metricKeyReclaimed    = []string{"dbsemaphore", "reclaim", "permits"}
	metricKeyAcquireTimer = []string{"dbsemaphore", "acquire", "duration"}
)
