// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package gnttab_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
)

const (
	front hypercall.DomID = 1
	back  hypercall.DomID = 0
)

type fixture struct {
	m      *sim.Machine
	t      *gnttab.Table
	frames []hypercall.MFN
	peer   []hypercall.MFN
}

func setup(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := sim.NewMachine(logger, 64)
	require.NoError(t, err)

	t.Cleanup(func() { m.Shutdown() }) //nolint:errcheck

	frames, err := m.CreateDomain(front, 16)
	require.NoError(t, err)

	peer, err := m.CreateDomain(back, 16)
	require.NoError(t, err)

	table, err := gnttab.NewTable(logger, front, 32, m)
	require.NoError(t, err)

	_, err = gnttab.NewTable(logger, back, 32, m)
	require.NoError(t, err)

	return &fixture{m: m, t: table, frames: frames, peer: peer}
}

var fastRetry = util.RetryPolicy{Interval: time.Microsecond, MaxInterval: time.Millisecond, Retries: 5}

func TestGrantAccessMapAndEnd(t *testing.T) {
	f := setup(t)

	ref, err := f.t.GrantAccess(back, f.frames[3], false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(ref), gnttab.NrReservedEntries)

	data, err := f.m.FrameData(front, f.frames[3])
	require.NoError(t, err)
	copy(data, "hello")

	mp, err := f.m.GrantMap(back, front, uint32(ref), false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(mp.Data[:5]))
	assert.True(t, f.t.QueryAccess(ref))

	require.ErrorIs(t, f.t.EndAccessRef(ref), gnttab.ErrGrantInUse)

	require.NoError(t, f.m.GrantUnmap(back, mp.Handle))
	assert.False(t, f.t.QueryAccess(ref))

	before := f.t.Available()
	require.NoError(t, f.t.EndAccess(ref))
	assert.Equal(t, before+1, f.t.Available())

	_, err = f.m.GrantMap(back, front, uint32(ref), true)
	require.ErrorIs(t, err, gnttab.ErrPermission)
}

func TestGrantPermissions(t *testing.T) {
	f := setup(t)

	ref, err := f.t.GrantAccess(back, f.frames[0], true)
	require.NoError(t, err)

	_, err = f.m.GrantMap(back, front, uint32(ref), false)
	require.ErrorIs(t, err, gnttab.ErrPermission, "read-only grant mapped writable")

	_, err = f.m.CreateDomain(7, 1)
	require.NoError(t, err)

	_, err = f.m.GrantMap(7, front, uint32(ref), true)
	require.ErrorIs(t, err, gnttab.ErrPermission, "grant mapped by a third domain")

	wild, err := f.t.GrantAccess(hypercall.DomIDAny, f.frames[1], true)
	require.NoError(t, err)

	mp, err := f.m.GrantMap(7, front, uint32(wild), true)
	require.NoError(t, err)
	require.NoError(t, f.m.GrantUnmap(7, mp.Handle))
}

func TestEndAccessRefRetry(t *testing.T) {
	f := setup(t)

	ref, err := f.t.GrantAccess(back, f.frames[2], false)
	require.NoError(t, err)

	mp, err := f.m.GrantMap(back, front, uint32(ref), false)
	require.NoError(t, err)

	err = f.t.EndAccessRefRetry(context.Background(), ref, fastRetry)
	require.ErrorIs(t, err, gnttab.ErrGrantStuck)

	go func() {
		time.Sleep(time.Millisecond)
		f.m.GrantUnmap(back, mp.Handle) //nolint:errcheck
	}()

	err = f.t.EndAccessRefRetry(context.Background(), ref, util.RetryPolicy{
		Interval:    time.Millisecond,
		MaxInterval: 10 * time.Millisecond,
		Retries:     100,
	})
	require.NoError(t, err)
}

func TestTransfer(t *testing.T) {
	f := setup(t)

	h, err := f.t.AllocRefs(2)
	require.NoError(t, err)

	ref, err := h.Claim()
	require.NoError(t, err)
	require.NoError(t, f.t.GrantTransferRef(ref, back))

	require.NoError(t, f.m.GrantTransfer(back, f.peer[5], front, uint32(ref)))

	owner, ok := f.m.Owner(f.peer[5])
	require.True(t, ok)
	assert.Equal(t, front, owner)

	frame, err := f.t.EndTransferRef(ref)
	require.NoError(t, err)
	assert.Equal(t, f.peer[5], frame)
	require.NoError(t, h.Release(ref))

	// an offer nobody took yields no frame and cannot be taken afterwards
	ref, err = h.Claim()
	require.NoError(t, err)
	require.NoError(t, f.t.GrantTransferRef(ref, back))

	frame, err = f.t.EndTransferRef(ref)
	require.NoError(t, err)
	assert.Zero(t, frame)

	require.ErrorIs(t, f.m.GrantTransfer(back, f.peer[6], front, uint32(ref)), gnttab.ErrPermission)
	require.NoError(t, h.Release(ref))
	require.NoError(t, h.Close())
}

func TestHeadReleaseSafety(t *testing.T) {
	f := setup(t)

	h, err := f.t.AllocRefs(3)
	require.NoError(t, err)

	other, err := f.t.AllocRefs(1)
	require.NoError(t, err)

	var refs []gnttab.Ref

	for range 3 {
		ref, err := h.Claim()
		require.NoError(t, err)

		refs = append(refs, ref)
	}

	_, err = h.Claim()
	require.ErrorIs(t, err, gnttab.ErrNoRefs)

	require.NoError(t, f.t.GrantAccessRef(refs[0], back, f.frames[0], true))
	require.ErrorIs(t, h.Release(refs[0]), gnttab.ErrGrantActive)
	require.NoError(t, f.t.EndAccessRef(refs[0]))

	require.NoError(t, h.Release(refs[0]))
	require.ErrorIs(t, h.Release(refs[0]), gnttab.ErrDoubleRelease)
	assert.Equal(t, 1, h.Available(), "double release must not duplicate the ref")

	require.ErrorIs(t, other.Release(refs[1]), gnttab.ErrForeignRef)

	// the released ref is handed out once, never twice
	again, err := h.Claim()
	require.NoError(t, err)
	assert.Equal(t, refs[0], again)

	_, err = h.Claim()
	require.ErrorIs(t, err, gnttab.ErrNoRefs)

	require.ErrorIs(t, h.Close(), gnttab.ErrRefsOutstanding)

	_, err = h.Claim()
	require.ErrorIs(t, err, gnttab.ErrHeadClosed)

	before := f.t.Available()

	for _, r := range []gnttab.Ref{again, refs[1], refs[2]} {
		require.NoError(t, h.Release(r))
	}

	assert.Equal(t, before+3, f.t.Available())
}

func TestGrantBusyRef(t *testing.T) {
	f := setup(t)

	h, err := f.t.AllocRefs(1)
	require.NoError(t, err)

	ref, err := h.Claim()
	require.NoError(t, err)

	require.NoError(t, f.t.GrantAccessRef(ref, back, f.frames[0], false))
	require.ErrorIs(t, f.t.GrantAccessRef(ref, back, f.frames[1], false), gnttab.ErrRefBusy)

	require.ErrorIs(t, f.t.GrantAccessRef(gnttab.InvalidRef, back, f.frames[1], false), gnttab.ErrBadRef)

	mp, err := f.m.GrantMap(back, front, uint32(ref), false)
	require.NoError(t, err)

	assert.True(t, f.t.ForceEnd(ref))
	require.NoError(t, f.m.GrantUnmap(back, mp.Handle))
	require.NoError(t, h.Release(ref))
}

func TestAcquireRacesEndAccess(t *testing.T) {
	f := setup(t)
	before := f.t.Available()

	for i := range 2000 {
		ref, err := f.t.GrantAccess(back, f.frames[i%len(f.frames)], i%2 == 0)
		require.NoError(t, err)

		var (
			wg             sync.WaitGroup
			acqErr, endErr error
			frame          hypercall.MFN
		)

		start := make(chan struct{})

		wg.Add(2)

		go func() {
			defer wg.Done()

			<-start

			frame, acqErr = f.t.Acquire(uint32(ref), back, true)
		}()

		go func() {
			defer wg.Done()

			<-start

			endErr = f.t.EndAccessRef(ref)
		}()

		close(start)
		wg.Wait()

		require.False(t, acqErr == nil && endErr == nil, "iteration %d: frame %d mapped from a revoked grant", i, frame)

		if acqErr == nil {
			require.ErrorIs(t, endErr, gnttab.ErrGrantInUse)
			assert.True(t, f.t.QueryAccess(ref))

			f.t.Release(uint32(ref), true)
		} else {
			require.ErrorIs(t, acqErr, gnttab.ErrPermission)
		}

		require.NoError(t, f.t.EndAccess(ref))
	}

	assert.Equal(t, before, f.t.Available())
}
