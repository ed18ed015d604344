// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/evtchn"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/ring"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

const (
	frontDom hypercall.DomID = 1
	backDom  hypercall.DomID = 0

	frontNode = "device/vbd/51712"
	backNode  = "backend/vbd/1/51712"
)

var testRetry = util.RetryPolicy{Interval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Retries: 5}

type env struct {
	ctx    context.Context //nolint:containedctx
	logger *slog.Logger
	m      *sim.Machine
	store  *xenbus.MemStore
	grants *gnttab.Table
	alloc  *mm.Allocator
	frontD *evtchn.Dispatcher
	backD  *evtchn.Dispatcher

	backFrames []hypercall.MFN

	// baseline for leak checks
	refs, pages int
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := sim.NewMachine(logger, 512)
	require.NoError(t, err)

	t.Cleanup(func() { m.Shutdown() }) //nolint:errcheck

	frames, err := m.CreateDomain(frontDom, 256)
	require.NoError(t, err)

	backFrames, err := m.CreateDomain(backDom, 8)
	require.NoError(t, err)

	grants, err := gnttab.NewTable(logger, frontDom, 2048, m)
	require.NoError(t, err)

	arena := mm.NewArena(mm.ArenaConfig{Domain: frontDom, Frames: frames, LowPages: len(frames)}, m)
	alloc := mm.NewAllocator(logger, arena)

	return &env{
		ctx:        context.Background(),
		logger:     logger,
		m:          m,
		store:      xenbus.NewMemStore(logger),
		grants:     grants,
		alloc:      alloc,
		frontD:     evtchn.NewDispatcher(logger, frontDom, m),
		backD:      evtchn.NewDispatcher(logger, backDom, m),
		backFrames: backFrames,
		refs:       grants.Available(),
		pages:      alloc.Free(),
	}
}

func (e *env) backend(t *testing.T, maxOrder int, queues ...string) *Backend {
	t.Helper()

	b, err := NewBackend(e.ctx, e.logger, BackendConfig{
		NodeName:         backNode,
		FrontendPath:     frontNode,
		Frontend:         frontDom,
		Queues:           queues,
		Features:         map[string]string{"feature-flush-cache": "1"},
		MaxRingPageOrder: maxOrder,
	}, BackendDeps{Self: backDom, Store: e.store, Grants: e.m, Events: e.backD})
	require.NoError(t, err)

	return b
}

func (e *env) config(queues ...QueueConfig) Config {
	return Config{
		NodeName:    frontNode,
		BackendPath: backNode,
		Backend:     backDom,
		Queues:      queues,
		MaxSegments: 3,
		Retry:       testRetry,
	}
}

func (e *env) deps() Deps {
	return Deps{Self: frontDom, Store: e.store, Grants: e.grants, Events: e.frontD, Pages: e.alloc}
}

// connect runs the xenbus handshake through a watcher until both ends are Connected.
func (e *env) connect(t *testing.T, cfg Config, b *Backend) *Session {
	t.Helper()

	w := xenbus.NewWatcher(e.logger, e.store)
	require.NoError(t, b.Watch(e.ctx, w))

	s, err := Open(e.ctx, e.logger, cfg, e.deps())
	require.NoError(t, err)
	require.NoError(t, s.Watch(e.ctx, w))

	w.Start()

	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, s.WaitConnected(ctx))
	assert.Equal(t, xenbus.StateConnected, b.Device().State())

	w.Stop()
	w.Wait()

	return s
}

func (e *env) teardown(t *testing.T, s *Session, b *Backend) {
	t.Helper()

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, s.Release(e.ctx))

	assert.Equal(t, e.refs, e.grants.Available(), "grant references leaked")
	assert.Equal(t, e.pages, e.alloc.Free(), "pages leaked")
	assert.Zero(t, e.m.Mappings(backDom), "backend mappings leaked")
	assert.Equal(t, xenbus.StateClosed, s.Device().State())
}

func waitKick(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func (e *env) segments(t *testing.T, n int, mode gnttab.Mode, tag byte) ([]shadow.Segment, []mm.Page) {
	t.Helper()

	segs := make([]shadow.Segment, n)
	pages := make([]mm.Page, n)

	for i := range segs {
		p, err := e.alloc.AllocPage()
		require.NoError(t, err)

		p.Data[0] = tag
		p.Data[1] = byte(i)
		pages[i] = p
		segs[i] = shadow.Segment{Frame: p.Frame, PFN: p.PFN, Length: hypercall.PageSize, Mode: mode}
	}

	return segs, pages
}

func TestRingKeys(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder, "", "io")
	s := e.connect(t, e.config(QueueConfig{Slots: 256}, QueueConfig{Name: "io", Slots: 16}), b)

	dump := e.store.Dump()

	assert.Equal(t, "4", dump[frontNode+"/req-ring-page-order"])
	assert.Equal(t, "1", dump[frontNode+"/rsp-ring-page-order"])
	assert.Equal(t, "4", dump[frontNode+"/ring-page-order"])
	assert.Contains(t, dump, frontNode+"/req-ring-ref15")
	assert.Contains(t, dump, frontNode+"/rsp-ring-ref1")
	assert.Contains(t, dump, frontNode+"/io-req-ring-ref")
	assert.Contains(t, dump, frontNode+"/io-rsp-ring-ref")
	assert.Equal(t, "2", dump[frontNode+"/multi-queue-num-queues"])
	assert.Equal(t, "1", dump[backNode+"/feature-flush-cache"])

	assert.Len(t, s.RingGrants(), 16+2+1+1)

	pair := s.Queue(0).Rings()
	assert.Equal(t, uint32(256), pair.Req.Capacity())
	assert.Equal(t, uint32(256), pair.Rsp.Capacity())

	e.teardown(t, s, b)
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)
	s := e.connect(t, e.config(QueueConfig{Slots: 256}), b)
	q := s.Queue(0)

	const requests = 10

	bufs := make(map[int][]mm.Page)

	for i := range requests {
		segs, pages := e.segments(t, 3, gnttab.ReadWrite, byte(i))
		bufs[i] = pages

		_, err := q.Push(Request{Op: 1, Segments: segs, Buffer: i})
		require.NoError(t, err)
	}

	require.NoError(t, q.Kick())
	assert.Equal(t, requests, s.Stats().InFlight)

	waitKick(t, b.Kicks())

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, requests)

	for _, in := range pending {
		require.Len(t, in.Segments, 3)
		assert.NotZero(t, in.Flags&FlagPeerWrites)

		for j, seg := range in.Segments {
			assert.Equal(t, byte(j), seg.Data[1])
			seg.Data[2] = 0xaa
		}
	}

	rng := rand.New(rand.NewPCG(7, 11))
	rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })

	for _, in := range pending {
		require.NoError(t, b.CompleteWith(in, Result{Status: int16(in.Segments[0].Data[0])}))
	}

	waitKick(t, s.Kicks())

	seen := map[int]bool{}

	for r := range q.PollResponses() {
		i := r.Buffer.(int) //nolint:forcetypeassert

		assert.False(t, seen[i], "response %d delivered twice", i)
		seen[i] = true

		assert.Equal(t, int16(i), r.Status, "response matched to its request by id")
		assert.False(t, r.Abandoned)

		for _, p := range bufs[i] {
			assert.Equal(t, byte(0xaa), p.Data[2], "backend writes are visible")
		}
	}

	assert.Len(t, seen, requests)

	st := s.Stats()
	assert.Equal(t, uint64(requests), st.Pushed)
	assert.Equal(t, uint64(requests), st.Completed)
	assert.Zero(t, st.InFlight)
	assert.Zero(t, st.Violations)

	for _, pages := range bufs {
		for _, p := range pages {
			require.NoError(t, e.alloc.FreePage(p))
		}
	}

	e.teardown(t, s, b)
}

func TestRandomizedCompletion(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)
	s := e.connect(t, e.config(QueueConfig{Slots: 8}), b)
	q := s.Queue(0)

	rng := rand.New(rand.NewPCG(42, 42))

	var (
		held      []*Incoming
		sent, got int
	)

	for round := range 200 {
		for range rng.IntN(4) {
			_, err := q.PushRequest(Request{Op: 2, Buffer: sent})
			if err != nil {
				require.ErrorIs(t, err, ring.ErrRingFull)

				break
			}

			sent++
		}

		pending, err := b.Pending()
		require.NoError(t, err)

		held = append(held, pending...)

		for range rng.IntN(len(held) + 1) {
			i := rng.IntN(len(held))
			require.NoError(t, b.Complete(held[i], StatusOK), "round %d", round)
			held = slices.Delete(held, i, i+1)
		}

		for range q.PollResponses() {
			got++
		}
	}

	for _, in := range held {
		require.NoError(t, b.Complete(in, StatusOK))
	}

	for range q.PollResponses() {
		got++
	}

	assert.Equal(t, sent, got)
	assert.Zero(t, s.Stats().InFlight)

	e.teardown(t, s, b)
}

func TestFullRingRejects(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, 0)
	s := e.connect(t, e.config(QueueConfig{Slots: 2}), b)
	q := s.Queue(0)

	for range 2 {
		_, err := q.PushRequest(Request{})
		require.NoError(t, err)
	}

	assert.Zero(t, q.Free())

	_, err := q.PushRequest(Request{})
	require.ErrorIs(t, err, ring.ErrRingFull)

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, b.Complete(pending[1], StatusOK))
	assert.Len(t, slices.Collect(q.PollResponses()), 1)

	_, err = q.PushRequest(Request{})
	require.NoError(t, err, "completing a request frees its slot")

	pending2, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending2, 1)
	assert.Equal(t, pending[1].ID, pending2[0].ID, "the freed id is reused")

	require.NoError(t, b.Complete(pending[0], StatusOK))
	require.NoError(t, b.Complete(pending2[0], StatusOK))
	assert.Len(t, slices.Collect(q.PollResponses()), 2)

	e.teardown(t, s, b)
}

func TestIndirectRequest(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)

	cfg := e.config(QueueConfig{Slots: 4})
	cfg.MaxSegments = 20

	s := e.connect(t, cfg, b)
	q := s.Queue(0)

	segs, pages := e.segments(t, 20, gnttab.ReadOnly, 9)

	_, err := q.PushRequest(Request{Op: 3, Segments: segs})
	require.NoError(t, err)

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	in := pending[0]
	assert.NotZero(t, in.Flags&FlagIndirect)
	require.Len(t, in.Segments, 20)

	for i, seg := range in.Segments {
		assert.Equal(t, byte(9), seg.Data[0])
		assert.Equal(t, byte(i), seg.Data[1])
	}

	require.NoError(t, b.Complete(in, StatusOK))
	assert.Len(t, slices.Collect(q.PollResponses()), 1)

	for _, p := range pages {
		require.NoError(t, e.alloc.FreePage(p))
	}

	e.teardown(t, s, b)
}

func TestTransferRequest(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)
	s := e.connect(t, e.config(QueueConfig{Slots: 4}), b)
	q := s.Queue(0)

	_, err := q.PushRequest(Request{Segments: []shadow.Segment{{Mode: gnttab.Transfer}}})
	require.NoError(t, err)

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	in := pending[0]
	require.NotZero(t, in.Flags&FlagTransfer)
	assert.Nil(t, in.Segments[0].Data, "transfer segments are not mapped")

	frame := e.backFrames[0]
	require.NoError(t, b.Transfer(in.Segments[0], frame))
	require.NoError(t, b.CompleteWith(in, Result{Status: 1500, Offset: 16}))

	rsps := slices.Collect(q.PollResponses())
	require.Len(t, rsps, 1)
	assert.Equal(t, frame, rsps[0].Segments[0].Received)
	assert.Equal(t, uint16(16), rsps[0].Offset)

	owner, ok := e.m.Owner(frame)
	require.True(t, ok)
	assert.Equal(t, frontDom, owner)

	e.teardown(t, s, b)
}

func TestPushValidation(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)

	s, err := Open(e.ctx, e.logger, e.config(QueueConfig{Slots: 4}), e.deps())
	require.NoError(t, err)

	_, err = s.Queue(0).PushRequest(Request{})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, b.Accept(e.ctx))
	s.BackendChanged(e.ctx, xenbus.StateConnected)

	q := s.Queue(0)

	ro, _ := e.segments(t, 1, gnttab.ReadOnly, 0)
	rw, _ := e.segments(t, 1, gnttab.ReadWrite, 0)

	_, err = q.Push(Request{Segments: append(ro, rw...)})
	require.ErrorIs(t, err, ErrMixedModes)

	rw[0].Offset = 4000
	rw[0].Length = 200

	_, err = q.Push(Request{Segments: rw})
	require.ErrorIs(t, err, ErrBadSegment)

	many, _ := e.segments(t, 4, gnttab.ReadOnly, 0)

	_, err = q.Push(Request{Segments: many})
	require.ErrorIs(t, err, shadow.ErrTooManySegments)

	assert.Zero(t, s.Stats().InFlight, "rejected requests hold nothing")

	require.NoError(t, b.Close(e.ctx))
	require.NoError(t, s.Release(e.ctx))

	_, err = q.PushRequest(Request{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestUnknownResponseIsDropped(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)
	s := e.connect(t, e.config(QueueConfig{Slots: 4}), b)
	q := s.Queue(0)

	_, err := q.PushRequest(Request{Buffer: "x"})
	require.NoError(t, err)

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	b.mu.Lock()
	_, err = b.respond(b.queues[0], wireResponse{ID: 3, Status: StatusOK})
	b.mu.Unlock()
	require.NoError(t, err)

	require.NoError(t, b.Complete(pending[0], StatusOK))
	require.ErrorIs(t, b.Complete(pending[0], StatusOK), shadow.ErrUnknownID, "completing twice")

	rsps := slices.Collect(q.PollResponses())
	require.Len(t, rsps, 1)
	assert.Equal(t, "x", rsps[0].Buffer)

	assert.Equal(t, uint64(1), s.Stats().Violations)
	assert.Equal(t, xenbus.StateConnected, s.Device().State(), "the session survives")

	e.teardown(t, s, b)
}

func TestOpenFailureReportsError(t *testing.T) {
	e := newEnv(t)
	e.backend(t, 0)

	_, err := Open(e.ctx, e.logger, e.config(QueueConfig{Slots: 256}), e.deps())
	require.ErrorIs(t, err, ring.ErrLayout)

	v, err := e.store.Read(e.ctx, "error/"+frontNode+"/error")
	require.NoError(t, err)
	assert.Contains(t, v, "setting up rings")

	st, err := e.store.Read(e.ctx, frontNode+"/state")
	require.NoError(t, err)
	assert.Equal(t, "5", st)

	assert.Equal(t, e.refs, e.grants.Available())
	assert.Equal(t, e.pages, e.alloc.Free())
}

func TestReleaseAbandonsInFlight(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)

	var abandoned []Response

	cfg := e.config(QueueConfig{Slots: 4})
	cfg.OnAbandon = func(r Response) { abandoned = append(abandoned, r) }

	s := e.connect(t, cfg, b)
	q := s.Queue(0)

	segs, pages := e.segments(t, 2, gnttab.ReadWrite, 1)

	_, err := q.PushRequest(Request{Segments: segs, Buffer: "lost"})
	require.NoError(t, err)

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// the backend still maps the rings and both segments
	err = s.Release(e.ctx)
	require.ErrorIs(t, err, gnttab.ErrGrantStuck)

	require.Len(t, abandoned, 1)
	assert.True(t, abandoned[0].Abandoned)
	assert.Equal(t, "lost", abandoned[0].Buffer)
	assert.Equal(t, StatusError, abandoned[0].Status)
	assert.Equal(t, uint64(1), s.Stats().Abandoned)

	assert.Equal(t, xenbus.StateClosed, s.Device().State())
	assert.Equal(t, e.refs, e.grants.Available(), "revoked grants return to the table")

	require.NoError(t, s.Release(e.ctx), "release is idempotent")
	require.NoError(t, b.Close(e.ctx))
	assert.Zero(t, e.m.Mappings(backDom))

	for _, p := range pages {
		require.NoError(t, e.alloc.FreePage(p))
	}

	assert.Equal(t, e.pages, e.alloc.Free())
}

func TestBackendClosingReleasesFrontend(t *testing.T) {
	e := newEnv(t)
	b := e.backend(t, ring.MaxPageOrder)
	s := e.connect(t, e.config(QueueConfig{Slots: 4}), b)

	w := xenbus.NewWatcher(e.logger, e.store)
	require.NoError(t, s.Watch(e.ctx, w))
	w.Start()

	require.NoError(t, b.Close(e.ctx))

	require.Eventually(t, func() bool {
		return s.Device().State() == xenbus.StateClosed
	}, 5*time.Second, time.Millisecond)

	w.Stop()
	w.Wait()

	assert.Equal(t, e.refs, e.grants.Available())
	assert.Equal(t, e.pages, e.alloc.Free())
}
