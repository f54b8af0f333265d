// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-uuid"
)

// NewOwnerID returns a stable process identifier suitable as the `owner`
// value in every table (spec.md §3 "Process identity"). It is generated
// once and threaded explicitly into HeartbeatService/Semaphore
// constructors; nothing in this package stores it in a package-level
// variable (spec.md §9 Design Notes).
func NewOwnerID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	suffix, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("dbsemaphore: generating owner suffix: %w", err)
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), suffix), nil
}
