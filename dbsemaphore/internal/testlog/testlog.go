// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testlog adapts hclog.Logger to a testing.T, the pattern used
// throughout the nomad test suite (e.g. command/agent/http_test.go's
// testlog.HCLogger(t)) rather than reaching for the stdlib "log"
// package or a bare NullLogger in tests.
package testlog

import (
	"os"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
)

// HCLogger returns an hclog.Logger that writes to t.Log, at a level
// controlled by the TEST_LOG_LEVEL environment variable (default Debug).
func HCLogger(t testing.TB) hclog.Logger {
	level := hclog.Debug
	if v := os.Getenv("TEST_LOG_LEVEL"); v != "" {
		level = hclog.LevelFromString(v)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      level,
		Output:     testWriter{t},
		TimeFormat: hclog.TimeFormat,
	})
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}
