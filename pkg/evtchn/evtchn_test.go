// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package evtchn_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xenpvd/pkg/evtchn"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
)

func TestInterdomainNotify(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := sim.NewMachine(logger, 4)
	require.NoError(t, err)

	t.Cleanup(func() { m.Shutdown() }) //nolint:errcheck

	const (
		front hypercall.DomID = 1
		back  hypercall.DomID = 0
	)

	_, err = m.CreateDomain(front, 1)
	require.NoError(t, err)

	_, err = m.CreateDomain(back, 1)
	require.NoError(t, err)

	fd := evtchn.NewDispatcher(logger, front, m)
	bd := evtchn.NewDispatcher(logger, back, m)

	frontKick := make(chan struct{}, 1)
	backKick := make(chan struct{}, 1)

	fch, err := fd.AllocUnbound(back, evtchn.Kick(frontKick))
	require.NoError(t, err)

	// notifying an unbound port goes nowhere
	require.NoError(t, fch.Notify())
	assert.Empty(t, backKick)

	bch, err := bd.BindInterdomain(front, fch.Port(), evtchn.Kick(backKick))
	require.NoError(t, err)

	require.NoError(t, fch.Notify())
	require.NoError(t, fch.Notify())
	assert.Len(t, backKick, 1, "wakeups coalesce")
	<-backKick

	require.NoError(t, bch.Notify())
	assert.Len(t, frontKick, 1)

	_, err = bd.BindInterdomain(front, fch.Port(), evtchn.Kick(backKick))
	require.ErrorIs(t, err, hypercall.ErrBadPort, "port already bound")

	require.NoError(t, bch.Close())
	require.ErrorIs(t, bch.Notify(), evtchn.ErrClosed)
	require.NoError(t, bch.Close())

	require.NoError(t, fch.Notify())
	assert.Empty(t, backKick)
	assert.Zero(t, bd.Spurious())
}
