// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package capcheck

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCapability(t *testing.T) {
	const status = "Name:\txenpvd\nCapInh:\t0000000000000000\nCapEff:\t%s\nCapBnd:\t000001ffffffffff\n"

	for _, tc := range []struct {
		capEff   string
		expected bool
	}{
		{"000001ffffffffff", true},
		{"0000000000200000", true},
		{"00000000001fffff", false},
		{"0000000000000000", false},
	} {
		ok, err := hasCapability(fmt.Appendf(nil, status, tc.capEff), CapSysAdmin)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, ok, tc.capEff)
	}

	_, err := hasCapability([]byte("Name:\txenpvd\n"), CapSysAdmin)
	require.ErrorIs(t, err, ErrNoCapEff)

	_, err = hasCapability([]byte("CapEff:\tzz\n"), CapSysAdmin)
	require.ErrorIs(t, err, ErrNoCapEff)

	_, err = hasCapability([]byte("CapEff:\n"), CapSysAdmin)
	require.ErrorIs(t, err, ErrNoCapEff)
}
