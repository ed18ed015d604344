// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/maps"

	"github.com/siderolabs/talos-xenpvd/internal/ratelog"
	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/evtchn"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/ring"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// BackendConfig configures the backend end of a device.
type BackendConfig struct {
	// NodeName is the backend's store node, e.g. backend/vbd/1/51712.
	NodeName     string
	FrontendPath string
	Frontend     hypercall.DomID
	// Queues names the queues the frontend publishes, in order.
	Queues []string
	// Features are published on creation, before the frontend connects.
	Features map[string]string
	// MaxRingPageOrder is the largest ring the backend maps.
	MaxRingPageOrder int
}

// BackendDeps are the services a backend runs on.
type BackendDeps struct {
	Self   hypercall.DomID
	Store  xenbus.Store
	Grants hypercall.GrantOps
	Events *evtchn.Dispatcher
}

// Segment is a request segment as the backend sees it.
type Segment struct {
	Ref    gnttab.Ref
	Offset uint16
	Length uint16
	// Data is the mapped page, nil for transfer segments.
	Data []byte
}

// Incoming is a request taken off a request ring.
type Incoming struct {
	Queue    int
	ID       uint16
	Op       uint8
	Flags    uint8
	Segments []Segment

	handles []uint32
}

// Result is what the backend answers a request with.
type Result struct {
	Status int16
	Offset uint16
	Flags  uint8
}

type backendQueue struct {
	name     string
	handles  []uint32
	req      *ring.Consumer
	rsp      *ring.Producer
	inflight map[uint16]*Incoming
}

// Backend is the backend end of a device: it maps the rings a frontend
// granted and serves requests from them.
type Backend struct { //nolint:govet
	logger     *slog.Logger
	cfg        BackendConfig
	deps       BackendDeps
	dev        *xenbus.Device
	violations *ratelog.Logger

	kick chan struct{}

	mu     sync.Mutex
	ch     *evtchn.Channel
	queues []*backendQueue
}

// NewBackend publishes the backend's features and switches it to InitWait.
func NewBackend(ctx context.Context, logger *slog.Logger, cfg BackendConfig, deps BackendDeps) (*Backend, error) {
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{""}
	}

	logger = logger.With("module", "backend", "node", cfg.NodeName)

	b := &Backend{
		logger:     logger,
		cfg:        cfg,
		deps:       deps,
		dev:        xenbus.NewDevice(logger, deps.Store, cfg.NodeName, cfg.FrontendPath, cfg.Frontend),
		violations: ratelog.Default(logger),
		kick:       make(chan struct{}, 1),
	}

	err := xenbus.Update(ctx, deps.Store, util.RetryPolicy{}, func(tx xenbus.Tx) error {
		for _, k := range maps.Keys(cfg.Features) {
			if err := tx.Write(ctx, xenbus.Join(cfg.NodeName, k), cfg.Features[k]); err != nil {
				return err
			}
		}

		return xenbus.WriteUint(ctx, tx, xenbus.Join(cfg.NodeName, "max-ring-page-order"), uint64(cfg.MaxRingPageOrder))
	})
	if err != nil {
		return nil, fmt.Errorf("error publishing backend features: %w", err)
	}

	if err = b.dev.SwitchState(ctx, xenbus.StateInitWait); err != nil {
		return nil, err
	}

	return b, nil
}

// Device returns the xenbus device of the backend.
func (b *Backend) Device() *xenbus.Device {
	return b.dev
}

// Kicks delivers a value whenever the frontend signals the event channel.
func (b *Backend) Kicks() <-chan struct{} {
	return b.kick
}

// Watch follows the frontend state through w.
func (b *Backend) Watch(ctx context.Context, w *xenbus.Watcher) error {
	return b.dev.WatchOtherEnd(ctx, w, func(st xenbus.State) {
		b.FrontendChanged(ctx, st)
	})
}

// FrontendChanged reacts to a new frontend state.
func (b *Backend) FrontendChanged(ctx context.Context, st xenbus.State) {
	b.logger.Debug("frontend changed", "state", st)

	switch st { //nolint:exhaustive
	case xenbus.StateInitialised, xenbus.StateConnected:
		if b.dev.State() == xenbus.StateConnected {
			return
		}

		if err := b.Accept(ctx); err != nil {
			b.logger.Error("failed to accept frontend", "err", err)
		}
	case xenbus.StateClosing, xenbus.StateClosed:
		if err := b.Close(ctx); err != nil {
			b.logger.Error("error closing backend", "err", err)
		}
	}
}

func (b *Backend) readRefs(ctx context.Context, key string) ([]gnttab.Ref, int, error) {
	node := b.cfg.FrontendPath

	order, err := xenbus.ReadUintDefault(ctx, b.deps.Store, xenbus.Join(node, key+"-page-order"), 0)
	if err != nil {
		return nil, 0, err
	}

	if int(order) > b.cfg.MaxRingPageOrder {
		return nil, 0, fmt.Errorf("%w: %s order %d exceeds %d", ring.ErrLayout, key, order, b.cfg.MaxRingPageOrder)
	}

	var refs []gnttab.Ref

	for _, k := range ringRefKeys(key+"-ref", int(order)) {
		v, err := xenbus.ReadUint(ctx, b.deps.Store, xenbus.Join(node, k))
		if err != nil {
			return nil, 0, fmt.Errorf("error reading %s: %w", k, err)
		}

		refs = append(refs, gnttab.Ref(v))
	}

	return refs, int(order), nil
}

func (b *Backend) mapRing(q *backendQueue, refs []gnttab.Ref, slotSize int) (*ring.Ring, error) {
	pages := make([][]byte, 0, len(refs))

	for _, ref := range refs {
		m, err := b.deps.Grants.GrantMap(b.deps.Self, b.cfg.Frontend, uint32(ref), false)
		if err != nil {
			return nil, fmt.Errorf("error mapping ring ref %d: %w", ref, err)
		}

		q.handles = append(q.handles, m.Handle)
		pages = append(pages, m.Data)
	}

	return ring.New(pages, slotSize, 0)
}

func (b *Backend) acceptQueue(ctx context.Context, name string) (*backendQueue, error) {
	q := &backendQueue{name: name, inflight: make(map[uint16]*Incoming)}

	key := func(k string) string {
		if name == "" {
			return k
		}

		return name + "-" + k
	}

	reqRefs, _, err := b.readRefs(ctx, key("req-ring"))
	if err != nil {
		return q, err
	}

	rspRefs, _, err := b.readRefs(ctx, key("rsp-ring"))
	if err != nil {
		return q, err
	}

	reqRing, err := b.mapRing(q, reqRefs, RequestSlotSize)
	if err != nil {
		return q, err
	}

	rspRing, err := b.mapRing(q, rspRefs, ResponseSlotSize)
	if err != nil {
		return q, err
	}

	q.req = reqRing.Consumer()
	q.rsp = rspRing.Producer()

	return q, nil
}

// Accept maps the rings the frontend published, binds its event channel and
// switches the backend to Connected.
func (b *Backend) Accept(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.accept(ctx); err != nil {
		b.dev.Fatal(ctx, err, "mapping frontend rings")
		b.unmapAll() //nolint:errcheck

		return err
	}

	if err := b.dev.SwitchState(ctx, xenbus.StateConnected); err != nil {
		return err
	}

	b.logger.Info("backend connected", "queues", len(b.queues))

	return nil
}

func (b *Backend) accept(ctx context.Context) error {
	for _, name := range b.cfg.Queues {
		q, err := b.acceptQueue(ctx, name)
		b.queues = append(b.queues, q)

		if err != nil {
			return fmt.Errorf("queue %q: %w", name, err)
		}
	}

	port, err := xenbus.ReadUint(ctx, b.deps.Store, xenbus.Join(b.cfg.FrontendPath, "event-channel"))
	if err != nil {
		return fmt.Errorf("error reading event channel: %w", err)
	}

	b.ch, err = b.deps.Events.BindInterdomain(b.cfg.Frontend, hypercall.Port(port), evtchn.Kick(b.kick))

	return err
}

func (b *Backend) mapSegment(in *Incoming, d shadow.Descriptor, readonly bool) error {
	if int(d.Offset)+int(d.Length) > hypercall.PageSize {
		return fmt.Errorf("%w: ref %d offset %d length %d", ErrBadSegment, d.Ref, d.Offset, d.Length)
	}

	seg := Segment{Ref: d.Ref, Offset: d.Offset, Length: d.Length}

	if in.Flags&FlagTransfer == 0 {
		m, err := b.deps.Grants.GrantMap(b.deps.Self, b.cfg.Frontend, uint32(d.Ref), readonly)
		if err != nil {
			return fmt.Errorf("error mapping ref %d: %w", d.Ref, err)
		}

		in.handles = append(in.handles, m.Handle)
		seg.Data = m.Data
	}

	in.Segments = append(in.Segments, seg)

	return nil
}

func (b *Backend) mapRequest(in *Incoming, w wireRequest) error {
	readonly := w.Flags&FlagPeerWrites == 0

	if w.Flags&FlagIndirect == 0 {
		for _, d := range w.Segments {
			if err := b.mapSegment(in, d, readonly); err != nil {
				return err
			}
		}

		return nil
	}

	left := int(w.NrSegments)

	for _, ref := range w.IndirectRef {
		m, err := b.deps.Grants.GrantMap(b.deps.Self, b.cfg.Frontend, uint32(ref), true)
		if err != nil {
			return fmt.Errorf("error mapping indirect ref %d: %w", ref, err)
		}

		in.handles = append(in.handles, m.Handle)

		for i := range min(left, shadow.SegmentsPerIndirectPage) {
			if err := b.mapSegment(in, shadow.GetDescriptor(m.Data, i), readonly); err != nil {
				return err
			}
		}

		left -= shadow.SegmentsPerIndirectPage
	}

	return nil
}

func (b *Backend) unmap(handles []uint32) error {
	var errs error

	for _, h := range handles {
		if err := b.deps.Grants.GrantUnmap(b.deps.Self, h); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs
}

// Pending takes every published request off the request rings and maps its
// segments. Requests that cannot be mapped are answered with StatusError
// right away; requests reusing an id still in flight are dropped.
func (b *Backend) Pending() ([]*Incoming, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dev.State() != xenbus.StateConnected {
		return nil, ErrNotConnected
	}

	var (
		out    []*Incoming
		notify bool
	)

	for qi, q := range b.queues {
		for {
			if q.req.Overflowed() {
				return out, fmt.Errorf("%w: request ring overflow", ErrProtocol)
			}

			for {
				slot, _, ok := q.req.Pop()
				if !ok {
					break
				}

				w, err := decodeRequest(slot)

				if _, dup := q.inflight[w.ID]; dup {
					b.violations.Warn("dropping request with id in flight", "queue", qi, "id", w.ID)

					continue
				}

				in := &Incoming{Queue: qi, ID: w.ID, Op: w.Op, Flags: w.Flags}

				if err == nil {
					err = b.mapRequest(in, w)
				}

				if err != nil {
					b.violations.Warn("failing malformed request", "queue", qi, "id", w.ID, "err", err)

					if uerr := b.unmap(in.handles); uerr != nil {
						b.logger.Error("failed to unmap request", "id", w.ID, "err", uerr)
					}

					n, perr := b.respond(q, wireResponse{ID: w.ID, Op: w.Op, Status: StatusError})
					if perr != nil {
						return out, perr
					}

					notify = notify || n

					continue
				}

				q.inflight[w.ID] = in
				out = append(out, in)
			}

			q.req.Commit()

			if !q.req.FinalCheck() {
				break
			}
		}
	}

	if notify {
		return out, b.ch.Notify()
	}

	return out, nil
}

func (b *Backend) respond(q *backendQueue, r wireResponse) (bool, error) {
	var slot [ResponseSlotSize]byte

	encodeResponse(slot[:], r)

	if _, err := q.rsp.Push(slot[:]); err != nil {
		return false, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	return q.rsp.Publish(), nil
}

// Transfer gives frame to the frontend through a transfer segment.
func (b *Backend) Transfer(seg Segment, frame hypercall.MFN) error {
	return b.deps.Grants.GrantTransfer(b.deps.Self, frame, b.cfg.Frontend, uint32(seg.Ref))
}

// Complete answers a request with status.
func (b *Backend) Complete(in *Incoming, status int16) error {
	return b.CompleteWith(in, Result{Status: status})
}

// CompleteWith unmaps the request's segments and pushes its response.
func (b *Backend) CompleteWith(in *Incoming, res Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in.Queue >= len(b.queues) {
		return ErrNotConnected
	}

	q := b.queues[in.Queue]
	if q.inflight[in.ID] != in {
		return fmt.Errorf("%w: %d", shadow.ErrUnknownID, in.ID)
	}

	delete(q.inflight, in.ID)

	errs := b.unmap(in.handles)
	in.handles = nil

	notify, err := b.respond(q, wireResponse{ID: in.ID, Op: in.Op, Flags: res.Flags, Status: res.Status, Offset: res.Offset})
	if err != nil {
		return multierror.Append(errs, err)
	}

	util.TraceLog(b.logger, "request completed", "queue", in.Queue, "id", in.ID, "status", res.Status)

	if notify {
		if err = b.ch.Notify(); err != nil && !errors.Is(err, evtchn.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
	}

	return errs
}

func (b *Backend) unmapAll() error {
	var errs error

	for _, q := range b.queues {
		for _, in := range q.inflight {
			if err := b.unmap(in.handles); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

		if err := b.unmap(q.handles); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	b.queues = nil

	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		b.ch = nil
	}

	return errs
}

// Close unmaps every ring and segment, closes the event channel and switches
// the backend to Closed. Requests in flight are dropped unanswered.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dev.State() == xenbus.StateClosed {
		return nil
	}

	errs := b.unmapAll()

	if err := b.dev.SwitchState(ctx, xenbus.StateClosed); err != nil {
		errs = multierror.Append(errs, err)
	}

	b.logger.Info("backend closed")

	return errs
}
