// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package session connects the two ends of a split device: shared rings
// granted by the frontend, an event channel, and the xenbus handshake that
// publishes both.
//
// A frontend session walks Initialising -> Initialised on Open and becomes
// Connected once the backend does. Requests are pushed through queues, each a
// request ring and a response ring, and matched to responses by id, so the
// backend may complete them in any order.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/talos-xenpvd/internal/ratelog"
	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/evtchn"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/ring"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// DefaultSlots is the queue depth used when a queue does not set one.
const DefaultSlots = 32

var (
	// ErrNotConnected is returned when pushing before the backend connected or after teardown.
	ErrNotConnected = errors.New("session not connected")

	// ErrMixedModes is returned for requests whose segments differ in access mode.
	ErrMixedModes = errors.New("segments mix access modes")

	// ErrBadSegment is returned for segments that do not fit their page.
	ErrBadSegment = errors.New("segment out of page bounds")

	// ErrProtocol is returned when the peer breaks the ring protocol.
	ErrProtocol = errors.New("peer protocol violation")
)

// SlotID identifies an outstanding request within its queue.
type SlotID uint16

// QueueConfig describes one ring pair.
type QueueConfig struct {
	// Name prefixes the queue's store keys. The empty name publishes bare keys.
	Name string
	// Slots is the maximum number of requests in flight, a power of two.
	Slots int
	// HalfwayEvent asks for a notification only once half of the
	// outstanding requests completed, instead of on every response.
	HalfwayEvent bool
}

// Config configures a frontend session.
type Config struct {
	// NodeName is the frontend's store node, e.g. device/vbd/51712.
	NodeName string
	// BackendPath is the backend's store node.
	BackendPath string
	Backend     hypercall.DomID

	Queues []QueueConfig
	// MaxSegments bounds the segments of one request.
	MaxSegments int
	// Features are written next to the ring keys.
	Features map[string]string

	Retry util.RetryPolicy
	// OnAbandon is called on teardown for each request that never completed.
	OnAbandon func(Response)
}

// Deps are the services a session runs on.
type Deps struct {
	Self   hypercall.DomID
	Store  xenbus.Store
	Grants *gnttab.Table
	Events *evtchn.Dispatcher
	Pages  shadow.PageSource
}

// Request is a request to push.
type Request struct {
	Op       uint8
	Segments []shadow.Segment
	// Buffer is handed back with the response.
	Buffer any
}

// Response is a completed request.
type Response struct {
	Queue  int
	ID     SlotID
	Op     uint8
	Status int16
	Offset uint16
	Flags  uint8
	Buffer any
	// Segments carry the frames received by transfer segments.
	Segments []shadow.Segment
	// Abandoned is set for requests dropped on teardown.
	Abandoned bool
}

// Stats are counters of a session.
type Stats struct {
	Pushed        uint64
	Completed     uint64
	Notifications uint64
	Violations    uint64
	Abandoned     uint64
	InFlight      int
}

// Session is the frontend end of a device.
type Session struct { //nolint:govet
	logger *slog.Logger
	cfg    Config
	deps   Deps

	dev        *xenbus.Device
	head       *gnttab.Head
	granter    *shadow.Granter
	violations *ratelog.Logger
	queues     []*Queue
	ch         *evtchn.Channel

	kick      chan struct{}
	connected chan struct{}

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	mu       sync.Mutex
	released bool
	stats    Stats
}

// Queue is one ring pair of a session.
type Queue struct {
	s       *Session
	index   int
	name    string
	slots   int
	halfway bool

	reqOrder, rspOrder int
	reqPages, rspPages []mm.Page
	reqRefs, rspRefs   []gnttab.Ref

	mu      sync.Mutex
	req     *ring.Producer
	rsp     *ring.Consumer
	shadows *shadow.Table
	scratch [RequestSlotSize]byte
	backlog []Response
}

func (cfg *Config) setDefaults() error {
	if cfg.NodeName == "" || cfg.BackendPath == "" {
		return fmt.Errorf("node name and backend path are required")
	}

	if len(cfg.Queues) == 0 {
		cfg.Queues = []QueueConfig{{}}
	}

	for i := range cfg.Queues {
		if cfg.Queues[i].Slots == 0 {
			cfg.Queues[i].Slots = DefaultSlots
		}
	}

	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = shadow.MaxSegmentsPerSlot
	}

	if cfg.MaxSegments > shadow.MaxIndirectPages*shadow.SegmentsPerIndirectPage {
		return fmt.Errorf("%w: %d", shadow.ErrTooManySegments, cfg.MaxSegments)
	}

	return nil
}

// Open allocates and grants the rings of every queue, binds an event channel
// and publishes both for the backend. The session is Initialised on return.
// On failure the device is switched to Closing with the error reported in the
// store, and everything allocated is released.
func Open(ctx context.Context, logger *slog.Logger, cfg Config, deps Deps) (*Session, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	logger = logger.With("module", "session", "node", cfg.NodeName)

	s := &Session{
		logger:     logger,
		cfg:        cfg,
		deps:       deps,
		dev:        xenbus.NewDevice(logger, deps.Store, cfg.NodeName, cfg.BackendPath, cfg.Backend),
		violations: ratelog.Default(logger),
		kick:       make(chan struct{}, 1),
		connected:  make(chan struct{}),
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.dev.SwitchState(ctx, xenbus.StateInitialising); err != nil {
		s.cancel()

		return nil, err
	}

	if err := s.setup(ctx); err != nil {
		s.dev.Fatal(ctx, err, "setting up rings")

		if rerr := s.teardown(ctx); rerr != nil {
			logger.Error("failed to release partial session", "err", rerr)
		}

		return nil, err
	}

	if err := s.dev.SwitchState(ctx, xenbus.StateInitialised); err != nil {
		s.teardown(ctx) //nolint:errcheck

		return nil, err
	}

	logger.Info("session initialised", "queues", len(s.queues), "port", s.ch.Port())

	return s, nil
}

func (s *Session) setup(ctx context.Context) error {
	maxOrder, err := xenbus.ReadUintDefault(ctx, s.deps.Store, xenbus.Join(s.cfg.BackendPath, "max-ring-page-order"), 0)
	if err != nil {
		return fmt.Errorf("error reading backend ring limit: %w", err)
	}

	refs := 0

	for i, qc := range s.cfg.Queues {
		q, err := s.newQueue(i, qc, int(maxOrder))
		if q != nil {
			s.queues = append(s.queues, q)
		}

		if err != nil {
			return fmt.Errorf("queue %q: %w", qc.Name, err)
		}

		refs += q.slots * (s.cfg.MaxSegments + shadow.IndirectPages(s.cfg.MaxSegments))
	}

	s.head, err = s.deps.Grants.AllocRefs(refs)
	if err != nil {
		return fmt.Errorf("error reserving %d grant references: %w", refs, err)
	}

	s.granter = shadow.NewGranter(s.logger, s.deps.Grants, s.head, s.cfg.Backend, s.deps.Pages, s.cfg.Retry)

	s.ch, err = s.deps.Events.AllocUnbound(s.cfg.Backend, evtchn.Kick(s.kick))
	if err != nil {
		return err
	}

	_, err = s.PublishRingGrants(ctx)

	return err
}

func (s *Session) newQueue(index int, qc QueueConfig, maxOrder int) (*Queue, error) {
	reqOrder, err := ring.PageOrder(qc.Slots, RequestSlotSize)
	if err != nil {
		return nil, err
	}

	rspOrder, err := ring.PageOrder(qc.Slots, ResponseSlotSize)
	if err != nil {
		return nil, err
	}

	if reqOrder > maxOrder {
		return nil, fmt.Errorf("%w: %d slots need ring order %d, backend allows %d", ring.ErrLayout, qc.Slots, reqOrder, maxOrder)
	}

	q := &Queue{
		s:        s,
		index:    index,
		name:     qc.Name,
		slots:    qc.Slots,
		halfway:  qc.HalfwayEvent,
		reqOrder: reqOrder,
		rspOrder: rspOrder,
		shadows:  shadow.NewTable(qc.Slots),
	}

	reqRing, err := q.allocRing(reqOrder, RequestSlotSize, &q.reqPages, &q.reqRefs)
	if err != nil {
		return q, err
	}

	rspRing, err := q.allocRing(rspOrder, ResponseSlotSize, &q.rspPages, &q.rspRefs)
	if err != nil {
		return q, err
	}

	q.req = reqRing.Producer()
	q.rsp = rspRing.Consumer()

	return q, nil
}

func (q *Queue) allocRing(order, slotSize int, pages *[]mm.Page, refs *[]gnttab.Ref) (*ring.Ring, error) {
	s := q.s

	for range 1 << order {
		p, err := s.deps.Pages.AllocPage()
		if err != nil {
			return nil, fmt.Errorf("error allocating ring page: %w", err)
		}

		clear(p.Data)
		*pages = append(*pages, p)

		ref, err := s.deps.Grants.GrantAccess(s.cfg.Backend, p.Frame, false)
		if err != nil {
			return nil, fmt.Errorf("error granting ring page: %w", err)
		}

		*refs = append(*refs, ref)
	}

	r, err := ring.New(xslices.Map(*pages, func(p mm.Page) []byte { return p.Data }), slotSize, 0)
	if err != nil {
		return nil, err
	}

	r.Init()

	return r, nil
}

func (q *Queue) key(name string) string {
	if q.name == "" {
		return name
	}

	return q.name + "-" + name
}

func ringRefKeys(base string, order int) []string {
	if order == 0 {
		return []string{base}
	}

	keys := make([]string, 1<<order)
	for i := range keys {
		keys[i] = base + strconv.Itoa(i)
	}

	return keys
}

// PublishRingGrants writes the ring references, page orders, event channel
// and features in one transaction, retried on conflicts. It returns every
// ring reference it published.
func (s *Session) PublishRingGrants(ctx context.Context) ([]gnttab.Ref, error) {
	maxOrder := 0

	for _, q := range s.queues {
		maxOrder = max(maxOrder, q.reqOrder, q.rspOrder)
	}

	err := xenbus.Update(ctx, s.deps.Store, s.cfg.Retry, func(tx xenbus.Tx) error {
		node := s.cfg.NodeName

		for _, q := range s.queues {
			for _, r := range []struct {
				name  string
				order int
				refs  []gnttab.Ref
			}{
				{"req-ring", q.reqOrder, q.reqRefs},
				{"rsp-ring", q.rspOrder, q.rspRefs},
			} {
				for i, k := range ringRefKeys(q.key(r.name+"-ref"), r.order) {
					if err := xenbus.WriteUint(ctx, tx, xenbus.Join(node, k), uint64(r.refs[i])); err != nil {
						return err
					}
				}

				if err := xenbus.WriteUint(ctx, tx, xenbus.Join(node, q.key(r.name+"-page-order")), uint64(r.order)); err != nil {
					return err
				}
			}
		}

		if err := xenbus.WriteUint(ctx, tx, xenbus.Join(node, "ring-page-order"), uint64(maxOrder)); err != nil {
			return err
		}

		if err := xenbus.WriteUint(ctx, tx, xenbus.Join(node, "event-channel"), uint64(s.ch.Port())); err != nil {
			return err
		}

		if err := xenbus.WriteUint(ctx, tx, xenbus.Join(node, "multi-queue-num-queues"), uint64(len(s.queues))); err != nil {
			return err
		}

		for k, v := range s.cfg.Features {
			if err := tx.Write(ctx, xenbus.Join(node, k), v); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error publishing ring grants: %w", err)
	}

	return s.RingGrants(), nil
}

// RingGrants returns the references of every ring page, request rings first.
func (s *Session) RingGrants() []gnttab.Ref {
	var refs []gnttab.Ref

	for _, q := range s.queues {
		refs = append(refs, q.reqRefs...)
		refs = append(refs, q.rspRefs...)
	}

	return refs
}

// Device returns the xenbus device of the session.
func (s *Session) Device() *xenbus.Device {
	return s.dev
}

// Queue returns queue i.
func (s *Session) Queue(i int) *Queue {
	return s.queues[i]
}

// Queues returns the number of queues.
func (s *Session) Queues() int {
	return len(s.queues)
}

// Kicks delivers a value whenever the backend signals the event channel.
// Wakeups coalesce; after one, poll every queue.
func (s *Session) Kicks() <-chan struct{} {
	return s.kick
}

// Connected is closed once the backend connected.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

// WaitConnected blocks until the backend connected or ctx is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch follows the backend state through w.
func (s *Session) Watch(ctx context.Context, w *xenbus.Watcher) error {
	return s.dev.WatchOtherEnd(ctx, w, func(st xenbus.State) {
		s.BackendChanged(ctx, st)
	})
}

// BackendChanged reacts to a new backend state.
func (s *Session) BackendChanged(ctx context.Context, st xenbus.State) {
	s.logger.Debug("backend changed", "state", st)

	switch st { //nolint:exhaustive
	case xenbus.StateConnected:
		if s.dev.State() != xenbus.StateInitialised {
			return
		}

		if err := s.dev.SwitchState(ctx, xenbus.StateConnected); err != nil {
			s.logger.Error("failed to connect", "err", err)

			return
		}

		close(s.connected)
		s.logger.Info("session connected")
	case xenbus.StateClosing, xenbus.StateClosed:
		if err := s.Release(ctx); err != nil {
			s.logger.Error("error releasing session", "err", err)
		}
	}
}

func (s *Session) fatal(err error, msg string) {
	s.dev.Fatal(s.ctx, err, msg)
}

func (s *Session) violation(q *Queue, msg string, args ...any) {
	s.mu.Lock()
	s.stats.Violations++
	s.mu.Unlock()

	s.violations.Warn(msg, append(args, "queue", q.index)...)
}

func (s *Session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()

	for _, q := range s.queues {
		q.mu.Lock()
		st.InFlight += q.shadows.InFlight()
		q.mu.Unlock()
	}

	return st
}

// Rings returns the ring pair of the queue.
func (q *Queue) Rings() ring.Pair {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.req == nil {
		return ring.Pair{}
	}

	return ring.Pair{Req: q.req.Ring(), Rsp: q.rsp.Ring()}
}

// Free counts requests that can be pushed right now.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.req == nil {
		return 0
	}

	return min(q.req.Free(), q.slots-q.shadows.InFlight())
}

func requestFlags(segs []shadow.Segment) (uint8, error) {
	if len(segs) == 0 {
		return 0, nil
	}

	mode := segs[0].Mode

	for _, seg := range segs {
		if seg.Mode != mode {
			return 0, ErrMixedModes
		}

		if int(seg.Offset)+int(seg.Length) > hypercall.PageSize {
			return 0, fmt.Errorf("%w: offset %d length %d", ErrBadSegment, seg.Offset, seg.Length)
		}
	}

	switch mode {
	case gnttab.ReadWrite:
		return FlagPeerWrites, nil
	case gnttab.Transfer:
		return FlagTransfer, nil
	case gnttab.ReadOnly:
		return 0, nil
	}

	return 0, fmt.Errorf("%w: mode %d", ErrBadSegment, mode)
}

// Push grants the request's segments and places it on the ring without
// publishing it. A full ring, or no free request slot, is ring.ErrRingFull.
func (q *Queue) Push(req Request) (SlotID, error) {
	if st := q.s.dev.State(); st != xenbus.StateConnected {
		return 0, fmt.Errorf("%w: %s", ErrNotConnected, st)
	}

	if len(req.Segments) > q.s.cfg.MaxSegments {
		return 0, fmt.Errorf("%w: %d > %d", shadow.ErrTooManySegments, len(req.Segments), q.s.cfg.MaxSegments)
	}

	flags, err := requestFlags(req.Segments)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.req == nil {
		return 0, ErrNotConnected
	}

	if q.req.Full() {
		return 0, ring.ErrRingFull
	}

	e, err := q.shadows.Get()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ring.ErrRingFull, err)
	}

	e.Op = req.Op
	e.Buffer = req.Buffer

	if err = q.s.granter.Grant(e, req.Segments); err != nil {
		q.shadows.Put(e.ID) //nolint:errcheck

		return 0, err
	}

	clear(q.scratch[:])
	encodeRequest(q.scratch[:], e, flags)

	if _, err = q.req.Push(q.scratch[:]); err != nil {
		q.s.granter.ForceReclaim(e) //nolint:errcheck
		q.shadows.Put(e.ID)         //nolint:errcheck

		return 0, err
	}

	if err = q.shadows.MarkInFlight(e.ID); err != nil {
		return 0, err
	}

	q.s.count(func(st *Stats) { st.Pushed++ })
	util.TraceLog(q.s.logger, "request pushed", "queue", q.index, "id", e.ID, "op", e.Op, "segments", len(e.Segments))

	return SlotID(e.ID), nil
}

// Kick publishes pushed requests and notifies the backend if it asked to be.
func (q *Queue) Kick() error {
	q.mu.Lock()
	if q.req == nil {
		q.mu.Unlock()

		return ErrNotConnected
	}

	notify := q.req.Publish()
	q.mu.Unlock()

	if !notify {
		return nil
	}

	q.s.count(func(st *Stats) { st.Notifications++ })

	return q.s.ch.Notify()
}

// PushRequest pushes and publishes a single request.
func (q *Queue) PushRequest(req Request) (SlotID, error) {
	id, err := q.Push(req)
	if err != nil {
		return id, err
	}

	return id, q.Kick()
}

// PollResponses drains the response ring. Every grant of a completed request
// is ended before its response is yielded, and the caller owns the buffer
// from then on. Responses with ids that are not in flight are dropped.
func (q *Queue) PollResponses() iter.Seq[Response] {
	return func(yield func(Response) bool) {
		for {
			batch := q.drain()
			if len(batch) == 0 {
				return
			}

			for i, r := range batch {
				if !yield(r) {
					q.mu.Lock()
					q.backlog = append(batch[i+1:], q.backlog...)
					q.mu.Unlock()

					return
				}
			}
		}
	}
}

func (q *Queue) drain() []Response {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.backlog
	q.backlog = nil

	if q.rsp == nil {
		return out
	}

	for {
		if q.rsp.Overflowed() {
			q.s.violation(q, "backend produced more responses than the ring holds", "unconsumed", q.rsp.Unconsumed())
			q.s.fatal(fmt.Errorf("%w: response ring overflow", ErrProtocol), "illegal number of responses")

			return out
		}

		for {
			slot, _, ok := q.rsp.Pop()
			if !ok {
				break
			}

			if r, ok := q.complete(decodeResponse(slot)); ok {
				out = append(out, r)
			}
		}

		q.rsp.Commit()

		if !q.rearm() {
			return out
		}
	}
}

// rearm sets the response event and reports whether responses arrived meanwhile.
func (q *Queue) rearm() bool {
	if !q.halfway {
		return q.rsp.FinalCheck()
	}

	if q.rsp.Unconsumed() > 0 {
		return true
	}

	cons := q.rsp.Consumed()
	q.rsp.SetEvent(cons + (q.req.Produced()-cons)>>1 + 1)

	return q.rsp.Unconsumed() > 0
}

func (q *Queue) complete(w wireResponse) (Response, bool) {
	e, err := q.shadows.Complete(w.ID, w.Status)
	if err != nil {
		q.s.violation(q, "dropping response", "id", w.ID, "err", err)

		return Response{}, false
	}

	e.Offset = w.Offset
	e.Flags = w.Flags

	if err = q.s.granter.Reclaim(q.s.ctx, e); err != nil {
		// the entry stays completed and is force-reclaimed on teardown
		if errors.Is(err, gnttab.ErrGrantStuck) {
			q.s.fatal(err, "grant stuck in use by backend")
		}

		return Response{}, false
	}

	r := q.response(e)

	if err = q.shadows.Put(e.ID); err != nil {
		q.s.logger.Error("failed to free shadow entry", "id", e.ID, "err", err)
	}

	q.s.count(func(st *Stats) { st.Completed++ })

	return r, true
}

func (q *Queue) response(e *shadow.Entry) Response {
	segs := make([]shadow.Segment, len(e.Segments))
	copy(segs, e.Segments)

	return Response{
		Queue:    q.index,
		ID:       SlotID(e.ID),
		Op:       e.Op,
		Status:   e.Status,
		Offset:   e.Offset,
		Flags:    e.Flags,
		Buffer:   e.Buffer,
		Segments: segs,
	}
}

// Release tears the session down: requests still outstanding are abandoned
// and their grants revoked, ring grants are ended, waiting within the retry
// policy for the backend to unmap, and the event channel is closed. The
// device ends Closed. Release is idempotent.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()

		return nil
	}

	s.released = true
	s.mu.Unlock()

	if st := s.dev.State(); st != xenbus.StateClosing && st != xenbus.StateClosed {
		s.dev.SwitchState(ctx, xenbus.StateClosing) //nolint:errcheck
	}

	err := s.teardown(ctx)

	if serr := s.dev.SwitchState(ctx, xenbus.StateClosed); serr != nil {
		err = multierror.Append(err, serr)
	}

	if err != nil {
		s.logger.Error("session released with errors", "err", err)
	} else {
		s.logger.Info("session released")
	}

	return err
}

func (s *Session) teardown(ctx context.Context) error {
	s.cancel()

	var errs error

	for _, q := range s.queues {
		if err := q.abandon(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, q := range s.queues {
		if err := q.freeRings(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if s.head != nil {
		if err := s.head.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs
}

func (q *Queue) abandon() error {
	abandoned, errs := q.drop()

	q.s.count(func(st *Stats) { st.Abandoned += uint64(len(abandoned)) })

	if q.s.cfg.OnAbandon != nil {
		for _, r := range abandoned {
			q.s.cfg.OnAbandon(r)
		}
	}

	return errs
}

// drop revokes every outstanding request and detaches the rings.
func (q *Queue) drop() ([]Response, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		errs      error
		abandoned []Response
	)

	q.shadows.Each(func(e *shadow.Entry) {
		if q.s.granter != nil {
			if err := q.s.granter.ForceReclaim(e); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if e.State == shadow.InFlight {
			q.shadows.Complete(e.ID, StatusError) //nolint:errcheck

			r := q.response(e)
			r.Abandoned = true
			abandoned = append(abandoned, r)
		}

		if err := q.shadows.Put(e.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
	})

	q.req = nil
	q.rsp = nil

	return abandoned, errs
}

func (q *Queue) freeRings(ctx context.Context) error {
	s := q.s

	var errs error

	for _, ref := range append(q.reqRefs, q.rspRefs...) {
		if err := s.deps.Grants.EndAccessRefRetry(ctx, ref, s.cfg.Retry); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("ring ref %d: %w", ref, err))

			s.deps.Grants.ForceEnd(ref)
		}

		if err := s.deps.Grants.EndAccess(ref); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	q.reqRefs, q.rspRefs = nil, nil

	for _, p := range append(q.reqPages, q.rspPages...) {
		if err := s.deps.Pages.FreePage(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	q.reqPages, q.rspPages = nil, nil

	return errs
}
