// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package dbsemaphore implements a database-backed distributed counting
// semaphore with liveness-based owner reclamation. Permit accounting lives
// in relational rows shared by every process that opens the same data
// source and table descriptor; no external coordination service is
// required. Dead owners are detected through a heartbeat table and their
// permits are recovered by any live peer.
package dbsemaphore
