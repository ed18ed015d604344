// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package shadow_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
)

const (
	front hypercall.DomID = 1
	back  hypercall.DomID = 0
)

func TestStateMachine(t *testing.T) {
	tbl := shadow.NewTable(2)

	a, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, shadow.Granted, a.State)

	b, err := tbl.Get()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, err = tbl.Get()
	require.ErrorIs(t, err, shadow.ErrNoFreeSlots)

	_, err = tbl.Complete(a.ID, 0)
	require.ErrorIs(t, err, shadow.ErrUnknownID, "response for a request never pushed")

	require.NoError(t, tbl.MarkInFlight(a.ID))
	require.ErrorIs(t, tbl.MarkInFlight(a.ID), shadow.ErrInvariant)
	require.ErrorIs(t, tbl.Put(a.ID), shadow.ErrInvariant, "in-flight entries cannot be freed")

	e, err := tbl.Complete(a.ID, -5)
	require.NoError(t, err)
	assert.Equal(t, int16(-5), e.Status)

	_, err = tbl.Complete(a.ID, 0)
	require.ErrorIs(t, err, shadow.ErrUnknownID, "duplicate response")

	_, err = tbl.Complete(9, 0)
	require.ErrorIs(t, err, shadow.ErrUnknownID)

	require.NoError(t, tbl.Put(a.ID))
	require.NoError(t, tbl.Put(b.ID))
	assert.Zero(t, tbl.InFlight())
}

type env struct {
	m     *sim.Machine
	grant *gnttab.Table
	head  *gnttab.Head
	alloc *mm.Allocator
	g     *shadow.Granter
}

func setup(t *testing.T, refs int) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := sim.NewMachine(logger, 128)
	require.NoError(t, err)

	t.Cleanup(func() { m.Shutdown() }) //nolint:errcheck

	frames, err := m.CreateDomain(front, 64)
	require.NoError(t, err)

	_, err = m.CreateDomain(back, 4)
	require.NoError(t, err)

	grants, err := gnttab.NewTable(logger, front, 256, m)
	require.NoError(t, err)

	head, err := grants.AllocRefs(refs)
	require.NoError(t, err)

	arena := mm.NewArena(mm.ArenaConfig{Domain: front, Frames: frames, LowPages: len(frames)}, m)
	alloc := mm.NewAllocator(logger, arena)

	policy := util.RetryPolicy{Interval: time.Microsecond, MaxInterval: time.Millisecond, Retries: 3}

	return &env{
		m:     m,
		grant: grants,
		head:  head,
		alloc: alloc,
		g:     shadow.NewGranter(logger, grants, head, back, alloc, policy),
	}
}

func (e *env) segments(t *testing.T, n int, mode gnttab.Mode) []shadow.Segment {
	t.Helper()

	segs := make([]shadow.Segment, n)

	for i := range segs {
		p, err := e.alloc.AllocPage()
		require.NoError(t, err)

		p.Data[0] = byte(i)
		segs[i] = shadow.Segment{Frame: p.Frame, PFN: p.PFN, Length: 512, Mode: mode}
	}

	return segs
}

func TestGrantAndReclaim(t *testing.T) {
	e := setup(t, 16)
	tbl := shadow.NewTable(4)

	entry, err := tbl.Get()
	require.NoError(t, err)
	require.NoError(t, e.g.Grant(entry, e.segments(t, 3, gnttab.ReadWrite)))
	assert.False(t, entry.IndirectFramed())
	assert.Len(t, entry.Refs(), 3)
	assert.Equal(t, 13, e.head.Available())

	mp, err := e.m.GrantMap(back, front, uint32(entry.Segments[1].Ref), false)
	require.NoError(t, err)
	assert.Equal(t, byte(1), mp.Data[0])

	require.NoError(t, tbl.MarkInFlight(entry.ID))
	_, err = tbl.Complete(entry.ID, 0)
	require.NoError(t, err)

	err = e.g.Reclaim(context.Background(), entry)
	require.ErrorIs(t, err, gnttab.ErrGrantStuck, "peer still holds segment 1")
	assert.Equal(t, 15, e.head.Available(), "stuck ref stays claimed")

	require.NoError(t, e.m.GrantUnmap(back, mp.Handle))
	require.NoError(t, e.g.Reclaim(context.Background(), entry))
	assert.Equal(t, 16, e.head.Available())

	require.NoError(t, tbl.Put(entry.ID))
}

func TestIndirectFraming(t *testing.T) {
	n := shadow.MaxSegmentsPerSlot + 9

	e := setup(t, n+1)
	tbl := shadow.NewTable(1)

	entry, err := tbl.Get()
	require.NoError(t, err)
	require.NoError(t, e.g.Grant(entry, e.segments(t, n, gnttab.ReadOnly)))

	require.True(t, entry.IndirectFramed())
	require.Len(t, entry.Refs(), 1)

	// the peer finds every segment through the indirect page
	ind, err := e.m.GrantMap(back, front, uint32(entry.Refs()[0]), true)
	require.NoError(t, err)

	for i := range n {
		d := shadow.GetDescriptor(ind.Data, i)
		assert.Equal(t, entry.Segments[i].Ref, d.Ref)
		assert.Equal(t, uint16(512), d.Length)

		mp, err := e.m.GrantMap(back, front, uint32(d.Ref), true)
		require.NoError(t, err)
		assert.Equal(t, byte(i), mp.Data[0])
		require.NoError(t, e.m.GrantUnmap(back, mp.Handle))
	}

	_, err = e.m.GrantMap(back, front, uint32(entry.Refs()[0]), false)
	require.ErrorIs(t, err, gnttab.ErrPermission, "indirect pages are read-only")

	require.NoError(t, e.m.GrantUnmap(back, ind.Handle))

	require.NoError(t, tbl.MarkInFlight(entry.ID))
	_, err = tbl.Complete(entry.ID, 0)
	require.NoError(t, err)
	require.NoError(t, e.g.Reclaim(context.Background(), entry))
	assert.Equal(t, n+1, e.head.Available())
}

func TestGrantRollback(t *testing.T) {
	e := setup(t, 2)
	tbl := shadow.NewTable(1)

	entry, err := tbl.Get()
	require.NoError(t, err)

	err = e.g.Grant(entry, e.segments(t, 3, gnttab.ReadOnly))
	require.ErrorIs(t, err, gnttab.ErrNoRefs)
	assert.Equal(t, 2, e.head.Available(), "partial grants are rolled back")

	require.NoError(t, tbl.Put(entry.ID))

	_, err = tbl.Get()
	require.NoError(t, err)

	big := make([]shadow.Segment, shadow.MaxIndirectPages*shadow.SegmentsPerIndirectPage+1)
	require.ErrorIs(t, e.g.Grant(entry, big), shadow.ErrTooManySegments)
}

func TestForceReclaim(t *testing.T) {
	e := setup(t, 4)
	tbl := shadow.NewTable(1)

	entry, err := tbl.Get()
	require.NoError(t, err)
	require.NoError(t, e.g.Grant(entry, e.segments(t, 2, gnttab.ReadWrite)))

	_, err = e.m.GrantMap(back, front, uint32(entry.Segments[0].Ref), false)
	require.NoError(t, err)

	require.NoError(t, e.g.ForceReclaim(entry))
	assert.Equal(t, 4, e.head.Available())
}
