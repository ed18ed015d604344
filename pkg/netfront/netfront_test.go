// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package netfront_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/balloon"
	"github.com/siderolabs/talos-xenpvd/pkg/evtchn"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/netfront"
	"github.com/siderolabs/talos-xenpvd/pkg/session"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

const (
	frontDom hypercall.DomID = 1
	backDom  hypercall.DomID = 0

	frontNode = "device/vif/0"
	backNode  = "backend/vif/1/0"

	frontPages = 256
)

type env struct {
	ctx    context.Context //nolint:containedctx
	logger *slog.Logger
	m      *sim.Machine
	store  *xenbus.MemStore
	grants *gnttab.Table
	arena  *mm.Arena
	alloc  *mm.Allocator
	bal    *balloon.Balloon
	frontD *evtchn.Dispatcher
	backD  *evtchn.Dispatcher

	backFrames []hypercall.MFN

	refs, pages int
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := sim.NewMachine(logger, 1024)
	require.NoError(t, err)

	t.Cleanup(func() { m.Shutdown() }) //nolint:errcheck

	frames, err := m.CreateDomain(frontDom, frontPages)
	require.NoError(t, err)

	backFrames, err := m.CreateDomain(backDom, 64)
	require.NoError(t, err)

	grants, err := gnttab.NewTable(logger, frontDom, 2048, m)
	require.NoError(t, err)

	arena := mm.NewArena(mm.ArenaConfig{Domain: frontDom, Frames: frames, LowPages: len(frames)}, m)
	alloc := mm.NewAllocator(logger, arena)

	bal, err := balloon.New(logger, balloon.Config{}, m, arena, alloc)
	require.NoError(t, err)

	store := xenbus.NewMemStore(logger)
	require.NoError(t, store.Write(context.Background(), frontNode+"/mac", "00:16:3e:00:00:01"))

	return &env{
		ctx:        context.Background(),
		logger:     logger,
		m:          m,
		store:      store,
		grants:     grants,
		arena:      arena,
		alloc:      alloc,
		bal:        bal,
		frontD:     evtchn.NewDispatcher(logger, frontDom, m),
		backD:      evtchn.NewDispatcher(logger, backDom, m),
		backFrames: backFrames,
		refs:       grants.Available(),
		pages:      alloc.Free(),
	}
}

func (e *env) backend(t *testing.T, features map[string]string) *session.Backend {
	t.Helper()

	b, err := session.NewBackend(e.ctx, e.logger, session.BackendConfig{
		NodeName:         backNode,
		FrontendPath:     frontNode,
		Frontend:         frontDom,
		Queues:           []string{"tx", "rx"},
		Features:         features,
		MaxRingPageOrder: 4,
	}, session.BackendDeps{Self: backDom, Store: e.store, Grants: e.m, Events: e.backD})
	require.NoError(t, err)

	return b
}

func (e *env) open(t *testing.T, cfg netfront.Config) (*netfront.Netfront, error) {
	t.Helper()

	cfg.NodeName = frontNode
	cfg.BackendPath = backNode
	cfg.Backend = backDom
	cfg.TxSlots = 32
	cfg.RxSlots = 32
	cfg.Retry = util.RetryPolicy{Interval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Retries: 5}

	return netfront.Open(e.ctx, e.logger, cfg, netfront.Deps{
		Deps:    session.Deps{Self: frontDom, Store: e.store, Grants: e.grants, Events: e.frontD, Pages: e.alloc},
		Memory:  e.m,
		Arena:   e.arena,
		Balloon: e.bal,
	})
}

// connect opens the frontend, runs the handshake and posts the first receive buffers.
func (e *env) connect(t *testing.T, cfg netfront.Config, b *session.Backend, bounds ...int) *netfront.Netfront {
	t.Helper()

	w := xenbus.NewWatcher(e.logger, e.store)
	require.NoError(t, b.Watch(e.ctx, w))

	n, err := e.open(t, cfg)
	require.NoError(t, err)
	require.NoError(t, n.Watch(e.ctx, w))

	if len(bounds) == 2 {
		n.SetRxTargetBounds(bounds[0], bounds[1])
	}

	w.Start()

	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, n.Connect(ctx))

	w.Stop()
	w.Wait()

	return n
}

func pending(t *testing.T, b *session.Backend, queue int) []*session.Incoming {
	t.Helper()

	all, err := b.Pending()
	require.NoError(t, err)

	var out []*session.Incoming

	for _, in := range all {
		if in.Queue == queue {
			out = append(out, in)
		}
	}

	return out
}

// fill answers an rx request in copy mode.
func fill(t *testing.T, b *session.Backend, in *session.Incoming, offset int, data []byte, more bool) {
	t.Helper()

	copy(in.Segments[0].Data[offset:], data)

	var flags uint8
	if more {
		flags = session.FlagMoreData
	}

	require.NoError(t, b.CompleteWith(in, session.Result{Status: int16(len(data)), Offset: uint16(offset), Flags: flags}))
}

func TestSelectRxMode(t *testing.T) {
	for _, tc := range []struct {
		name                             string
		wantCopy, wantFlip, bCopy, bFlip bool
		expected                         netfront.RxMode
	}{
		{"default flips", false, false, false, true, netfront.RxFlip},
		{"default copies when backend cannot flip", false, false, true, false, netfront.RxCopy},
		{"copy supported", true, false, true, true, netfront.RxCopy},
		{"copy unsupported", true, false, false, true, netfront.RxFlip},
		{"copy requested from a backend offering neither", true, false, false, false, netfront.RxFlip},
		{"flip supported", false, true, true, true, netfront.RxFlip},
		{"flip unsupported", false, true, true, false, netfront.RxCopy},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mode, err := netfront.SelectRxMode(tc.wantCopy, tc.wantFlip, tc.bCopy, tc.bFlip)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, mode)
		})
	}

	_, err := netfront.SelectRxMode(true, true, true, true)
	require.ErrorIs(t, err, netfront.ErrRxModeConflict)
}

func TestDefaultsToCopy(t *testing.T) {
	e := newEnv(t)
	e.backend(t, map[string]string{"feature-rx-copy": "1", "feature-rx-flip": "1"})

	n, err := e.open(t, netfront.Config{})
	require.NoError(t, err)
	assert.Equal(t, netfront.RxCopy, n.RxMode())
	assert.Equal(t, "1", e.store.Dump()[frontNode+"/request-rx-copy"])

	require.NoError(t, n.Release(e.ctx))
	assert.Equal(t, e.refs, e.grants.Available())
}

func TestOpenErrors(t *testing.T) {
	e := newEnv(t)
	e.backend(t, nil)

	_, err := e.open(t, netfront.Config{RxCopy: true, RxFlip: true})
	require.ErrorIs(t, err, netfront.ErrRxModeConflict)

	require.NoError(t, e.store.Write(e.ctx, frontNode+"/mac", "not-a-mac"))

	_, err = e.open(t, netfront.Config{})
	require.ErrorIs(t, err, netfront.ErrNoMAC)

	require.NoError(t, e.store.Remove(e.ctx, frontNode+"/mac"))

	_, err = netfront.ReadMAC(e.ctx, e.store, frontNode)
	require.ErrorIs(t, err, netfront.ErrNoMAC)
}

func TestCopyReceive(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, map[string]string{"feature-rx-copy": "1"})
	n := e.connect(t, netfront.Config{RxCopy: true}, b)

	assert.Equal(t, netfront.RxCopy, n.RxMode())
	assert.Equal(t, "00:16:3e:00:00:01", n.MAC().String())

	dump := e.store.Dump()
	assert.Equal(t, "1", dump[frontNode+"/request-rx-copy"])
	assert.Contains(t, dump, frontNode+"/tx-req-ring-page-order")
	assert.Contains(t, dump, frontNode+"/rx-rsp-ring-ref")

	// the first fill runs low, so the target doubles
	st := n.Stats()
	assert.Equal(t, 2*netfront.RxDefaultMinTarget, st.RxTarget)
	assert.Equal(t, netfront.RxDefaultMinTarget, st.RxPosted)

	rx := pending(t, b, 1)
	require.Len(t, rx, 8)

	fill(t, b, rx[0], 16, []byte("hello"), false)
	fill(t, b, rx[1], 0, bytes.Repeat([]byte{'a'}, hypercall.PageSize), true)
	fill(t, b, rx[2], 0, []byte("tail"), false)

	pkts, err := n.Poll()
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	assert.Equal(t, []byte("hello"), pkts[0].Data)
	assert.Equal(t, 2, pkts[1].Frags)
	assert.Len(t, pkts[1].Data, hypercall.PageSize+4)
	assert.Equal(t, []byte("tail"), pkts[1].Data[hypercall.PageSize:])

	// refilled up to the target, reusing the returned pages
	st = n.Stats()
	assert.Equal(t, uint64(2), st.RxPackets)
	assert.Equal(t, 16, st.RxTarget)
	assert.Equal(t, 16, st.RxPosted)

	rx = pending(t, b, 1)
	require.Len(t, rx, 11)

	fill(t, b, rx[0], 0, []byte("x"), false)

	_, err = n.Receive()
	require.NoError(t, err)

	assert.Equal(t, 15, n.Stats().RxTarget, "well fed, the target shrinks by one")

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, n.Release(e.ctx))

	assert.Equal(t, e.refs, e.grants.Available(), "grant references leaked")
	assert.Equal(t, e.pages, e.alloc.Free(), "pages leaked")
	assert.Zero(t, e.m.Mappings(backDom))
}

func TestResponseValidation(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, map[string]string{"feature-rx-copy": "1"})
	n := e.connect(t, netfront.Config{RxCopy: true}, b, 32, 32)

	rx := pending(t, b, 1)
	require.Len(t, rx, 32)

	// runs past the end of its page
	fill(t, b, rx[0], 4000, make([]byte, 200), false)
	// good
	fill(t, b, rx[1], 0, []byte("ok"), false)

	// more fragments than a packet may have
	for i := range netfront.MaxFrags + 2 {
		fill(t, b, rx[2+i], 0, []byte{byte(i)}, i < netfront.MaxFrags+1)
	}

	// announces a continuation that never comes
	fill(t, b, rx[21], 0, []byte("lost"), true)

	pkts, err := n.Receive()
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte("ok"), pkts[0].Data)

	st := n.Stats()
	assert.Equal(t, uint64(3), st.RxErrors)
	assert.Equal(t, 32-22, st.RxPosted)
	assert.Equal(t, xenbus.StateConnected, n.Session().Device().State(), "the session survives bad responses")

	require.NoError(t, n.Refill())
	assert.Equal(t, 32, n.Stats().RxPosted)

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, n.Release(e.ctx))

	assert.Equal(t, e.refs, e.grants.Available())
	assert.Equal(t, e.pages, e.alloc.Free())
}

func TestFlipReceive(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, nil)
	n := e.connect(t, netfront.Config{RxFlip: true}, b)

	assert.Equal(t, netfront.RxFlip, n.RxMode())
	assert.Equal(t, "0", e.store.Dump()[frontNode+"/request-rx-copy"])

	// posted pages went back to the hypervisor as driver pages
	assert.Equal(t, 8, e.bal.Stats().Driver)
	assert.Equal(t, uint64(frontPages-8), e.m.TotPages(frontDom))

	rx := pending(t, b, 1)
	require.Len(t, rx, 8)
	require.NotZero(t, rx[0].Flags&session.FlagTransfer)

	frame := e.backFrames[0]
	data, err := e.m.FrameData(backDom, frame)
	require.NoError(t, err)

	copy(data[64:], "flipped packet")

	require.NoError(t, b.Transfer(rx[0].Segments[0], frame))
	require.NoError(t, b.CompleteWith(rx[0], session.Result{Status: 14, Offset: 64}))

	// answered without a page
	require.NoError(t, b.CompleteWith(rx[1], session.Result{Status: 0}))

	pkts, err := n.Receive()
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte("flipped packet"), pkts[0].Data)

	st := n.Stats()
	assert.Equal(t, uint64(1), st.PagesFlipped)
	assert.Equal(t, uint64(1), st.RxErrors)
	assert.Equal(t, 7, e.bal.Stats().Driver)
	assert.Equal(t, uint64(frontPages-7), e.m.TotPages(frontDom))

	owner, ok := e.m.Owner(frame)
	require.True(t, ok)
	assert.Equal(t, frontDom, owner)

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, n.Release(e.ctx))

	// pages that never came back are ballooned
	bs := e.bal.Stats()
	assert.Zero(t, bs.Driver)
	assert.Equal(t, frontPages-7, bs.Current)
	assert.Equal(t, 7, bs.Low)
	assert.Equal(t, uint64(bs.Current), e.m.TotPages(frontDom))
	assert.Equal(t, e.refs, e.grants.Available())
}

func TestTransmit(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, map[string]string{"feature-rx-copy": "1"})
	n := e.connect(t, netfront.Config{RxCopy: true}, b)

	require.ErrorIs(t, n.Transmit(nil), netfront.ErrEmptyPacket)
	require.ErrorIs(t, n.Transmit(make([]byte, (netfront.MaxFrags+2)*hypercall.PageSize)), netfront.ErrPacketTooLarge)

	payload := make([]byte, 3*hypercall.PageSize+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	require.NoError(t, n.Transmit(payload))

	tx := pending(t, b, 0)
	require.Len(t, tx, 1)
	require.Len(t, tx[0].Segments, 4)
	assert.Zero(t, tx[0].Flags&session.FlagPeerWrites, "transmit grants are read-only")

	var got []byte
	for _, seg := range tx[0].Segments {
		got = append(got, seg.Data[seg.Offset:seg.Offset+seg.Length]...)
	}

	assert.Equal(t, payload, got)

	require.NoError(t, b.Complete(tx[0], session.StatusOK))
	assert.Equal(t, 1, n.CollectTx())
	assert.Equal(t, uint64(1), n.Stats().TxPackets)
	assert.Equal(t, uint64(1), n.Stats().TxErrors, "the oversized packet")

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, n.Release(e.ctx))

	assert.Equal(t, e.pages, e.alloc.Free())
}

func TestTxHalfwayEvent(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, map[string]string{"feature-rx-copy": "1"})
	n := e.connect(t, netfront.Config{RxCopy: true}, b)

	for range 8 {
		require.NoError(t, n.Transmit([]byte("frame")))
	}

	rsp := n.Session().Queue(0).Rings().Rsp

	assert.Zero(t, n.CollectTx())
	assert.EqualValues(t, 5, rsp.State().Event, "notify once half the outstanding packets are done")

	tx := pending(t, b, 0)
	require.Len(t, tx, 8)

	for _, in := range tx[:3] {
		require.NoError(t, b.Complete(in, session.StatusOK))
	}

	assert.Equal(t, 3, n.CollectTx())
	assert.EqualValues(t, 6, rsp.State().Event)

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, n.Release(e.ctx))

	assert.Equal(t, e.refs, e.grants.Available())
	assert.Equal(t, e.pages, e.alloc.Free())
}
