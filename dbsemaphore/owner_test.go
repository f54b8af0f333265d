// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dbsemaphore

import (
	"os"
	"strings"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

func TestNewOwnerID_unique(t *testing.T) {
	a, err := NewOwnerID()
	must.NoError(t, err)
	must.NotEq(t, "", a)

	b, err := NewOwnerID()
	must.NoError(t, err)
	must.NotEq(t, a, b)

	must.Eq(t, 2, strings.Count(a, ":"))
}

func TestNewOwnerID_containsHostname(t *testing.T) {
	require := require.New(t)

	host, err := os.Hostname()
	require.NoError(err)

	id, err := NewOwnerID()
	require.NoError(err)
	require.Contains(id, host)
}
