// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package netfront is a virtual network interface frontend on top of a
// two-queue session: packets leave on the tx queue as read-only grants, and
// the rx queue is kept filled with empty pages the backend either copies
// packets into or swaps for pages of its own ("flipping").
package netfront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/siderolabs/talos-xenpvd/internal/ratelog"
	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/balloon"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/session"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// Receive buffer limits, in pages posted to the backend.
const (
	RxMinTarget        = 8
	RxDefaultMinTarget = 8
	RxMaxTarget        = 256
)

const (
	// MaxFrags is the most page fragments of a 64KiB packet.
	MaxFrags = 65536/hypercall.PageSize + 1
	// RxCopyThreshold is the largest packet that fits in a header buffer,
	// which earns a packet one extra fragment.
	RxCopyThreshold = 256
	// DefaultSlots is the depth of each queue.
	DefaultSlots = 256
)

// Operations carried in request slots.
const (
	OpTx uint8 = iota + 1
	OpRx
)

var (
	// ErrRxModeConflict is returned when both receive modes are requested.
	ErrRxModeConflict = errors.New("rx copy and rx flip are mutually exclusive")

	// ErrPacketTooLarge is returned for packets spanning more than MaxFrags+1 pages.
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrNoMAC is returned when the store holds no usable MAC address.
	ErrNoMAC = errors.New("no mac address")
)

// RxMode is how received packets reach the frontend.
type RxMode uint8

// Receive modes.
const (
	RxFlip RxMode = iota
	RxCopy
)

// String implements fmt.Stringer.
func (m RxMode) String() string {
	if m == RxCopy {
		return "copy"
	}

	return "flip"
}

// SelectRxMode picks the receive mode from what was asked for and what the
// backend offers. Copying is used if it was requested and the backend
// supports it, or if flipping was requested and the backend cannot flip.
// Asking for neither means flipping.
func SelectRxMode(wantCopy, wantFlip, backendCopy, backendFlip bool) (RxMode, error) {
	if wantCopy && wantFlip {
		return RxFlip, ErrRxModeConflict
	}

	if !wantCopy && !wantFlip {
		wantFlip = true
	}

	if (wantCopy && backendCopy) || (wantFlip && !backendFlip) {
		return RxCopy, nil
	}

	return RxFlip, nil
}

// Config configures a network frontend.
type Config struct {
	NodeName    string
	BackendPath string
	Backend     hypercall.DomID

	// RxCopy and RxFlip request a receive mode. Setting neither requests
	// copying; flipping hands page ownership to the backend.
	RxCopy bool
	RxFlip bool

	TxSlots int
	RxSlots int

	Retry util.RetryPolicy
}

// Deps are the services a network frontend runs on. Memory, Arena and
// Balloon are needed in flip mode only.
type Deps struct {
	session.Deps

	Memory  hypercall.MemoryOps
	Arena   *mm.Arena
	Balloon *balloon.Balloon
}

// Packet is a received packet.
type Packet struct {
	Data  []byte
	Frags int
}

// Stats are counters of a network frontend.
type Stats struct {
	RxPackets    uint64
	RxErrors     uint64
	TxPackets    uint64
	TxErrors     uint64
	PagesFlipped uint64
	RxTarget     int
	RxPosted     int
}

type rxPage struct {
	page mm.Page
	// empty pages have no frame behind them
	empty bool
}

// Netfront is a network frontend.
type Netfront struct { //nolint:govet
	logger     *slog.Logger
	cfg        Config
	deps       Deps
	mac        net.HardwareAddr
	mode       RxMode
	violations *ratelog.Logger

	sess *session.Session
	tx   *session.Queue
	rx   *session.Queue

	mu       sync.Mutex
	rxTarget int
	rxMin    int
	rxMax    int
	rxPosted int
	rxBatch  []*rxPage
	batch    hypercall.Batch
	stats    Stats
}

func readFlag(ctx context.Context, r xenbus.Reader, path string, def bool) (bool, error) {
	d := uint64(0)
	if def {
		d = 1
	}

	v, err := xenbus.ReadUintDefault(ctx, r, path, d)

	return v != 0, err
}

// ReadMAC reads the MAC address configured for a frontend node.
func ReadMAC(ctx context.Context, r xenbus.Reader, node string) (net.HardwareAddr, error) {
	v, err := r.Read(ctx, xenbus.Join(node, "mac"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMAC, err)
	}

	mac, err := net.ParseMAC(strings.TrimSpace(v))
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrNoMAC, v)
	}

	return mac, nil
}

// Open reads the MAC address and the backend's receive features, picks the
// receive mode and opens the session.
func Open(ctx context.Context, logger *slog.Logger, cfg Config, deps Deps) (*Netfront, error) {
	logger = logger.With("module", "netfront", "node", cfg.NodeName)

	if cfg.TxSlots == 0 {
		cfg.TxSlots = DefaultSlots
	}

	if cfg.RxSlots == 0 {
		cfg.RxSlots = DefaultSlots
	}

	mac, err := ReadMAC(ctx, deps.Store, cfg.NodeName)
	if err != nil {
		return nil, err
	}

	backendCopy, err := readFlag(ctx, deps.Store, xenbus.Join(cfg.BackendPath, "feature-rx-copy"), false)
	if err != nil {
		return nil, err
	}

	backendFlip, err := readFlag(ctx, deps.Store, xenbus.Join(cfg.BackendPath, "feature-rx-flip"), true)
	if err != nil {
		return nil, err
	}

	mode, err := SelectRxMode(cfg.RxCopy || !cfg.RxFlip, cfg.RxFlip, backendCopy, backendFlip)
	if err != nil {
		return nil, err
	}

	if mode == RxFlip && (deps.Memory == nil || deps.Arena == nil) {
		return nil, fmt.Errorf("flip mode needs memory operations and an arena")
	}

	n := &Netfront{
		logger:     logger,
		cfg:        cfg,
		deps:       deps,
		mac:        mac,
		mode:       mode,
		violations: ratelog.Default(logger),
		rxTarget:   RxDefaultMinTarget,
		rxMin:      RxDefaultMinTarget,
		rxMax:      min(RxMaxTarget, cfg.RxSlots),
	}

	copying := "0"
	if mode == RxCopy {
		copying = "1"
	}

	n.sess, err = session.Open(ctx, logger, session.Config{
		NodeName:    cfg.NodeName,
		BackendPath: cfg.BackendPath,
		Backend:     cfg.Backend,
		Queues: []session.QueueConfig{
			{Name: "tx", Slots: cfg.TxSlots, HalfwayEvent: true},
			{Name: "rx", Slots: cfg.RxSlots},
		},
		MaxSegments: MaxFrags + 1,
		Features: map[string]string{
			"request-rx-copy":   copying,
			"feature-rx-notify": "1",
			"feature-sg":        "1",
		},
		Retry:     cfg.Retry,
		OnAbandon: n.abandoned,
	}, deps.Deps)
	if err != nil {
		return nil, err
	}

	n.tx = n.sess.Queue(0)
	n.rx = n.sess.Queue(1)

	logger.Info("network frontend opened", "mac", mac.String(), "rx_mode", mode.String())

	return n, nil
}

// Session returns the underlying session.
func (n *Netfront) Session() *session.Session {
	return n.sess
}

// MAC returns the interface's MAC address.
func (n *Netfront) MAC() net.HardwareAddr {
	return n.mac
}

// RxMode returns the receive mode in use.
func (n *Netfront) RxMode() RxMode {
	return n.mode
}

// Watch follows the backend state through w.
func (n *Netfront) Watch(ctx context.Context, w *xenbus.Watcher) error {
	return n.sess.Watch(ctx, w)
}

// Connect waits for the backend to connect and posts the first receive buffers.
func (n *Netfront) Connect(ctx context.Context) error {
	if err := n.sess.WaitConnected(ctx); err != nil {
		return err
	}

	return n.Refill()
}

// SetRxTargetBounds changes the limits of the receive fill target, clamped
// to [RxMinTarget, RxMaxTarget]. The target is moved into the new bounds.
func (n *Netfront) SetRxTargetBounds(lo, hi int) {
	clamp := func(v int) int {
		return min(max(v, RxMinTarget), RxMaxTarget, n.cfg.RxSlots)
	}

	lo, hi = clamp(lo), clamp(hi)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.rxMin = min(lo, hi)
	n.rxMax = hi
	n.rxTarget = min(max(n.rxTarget, n.rxMin), n.rxMax)
}

// Stats returns a snapshot of the counters.
func (n *Netfront) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := n.stats
	st.RxTarget = n.rxTarget
	st.RxPosted = n.rxPosted

	return st
}

// Poll collects finished transmissions, receives packets and refills the
// receive queue.
func (n *Netfront) Poll() ([]Packet, error) {
	n.CollectTx()

	pkts, err := n.Receive()
	if err != nil {
		return pkts, err
	}

	return pkts, n.Refill()
}

// Run polls on every backend notification and hands packets to deliver
// until ctx is done.
func (n *Netfront) Run(ctx context.Context, deliver func(Packet)) error {
	if err := n.Connect(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.sess.Kicks():
		}

		pkts, err := n.Poll()
		for _, p := range pkts {
			deliver(p)
		}

		if err != nil {
			return err
		}
	}
}

// Release tears down the session. Receive pages the backend never filled go
// back to the balloon.
func (n *Netfront) Release(ctx context.Context) error {
	err := n.sess.Release(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, rp := range n.rxBatch {
		n.dropRxPage(rp)
	}

	n.rxBatch = nil

	return err
}

func (n *Netfront) allowance(delta int) {
	if n.deps.Balloon != nil && delta != 0 {
		n.deps.Balloon.UpdateDriverAllowance(delta)
	}
}

// dropRxPage frees a receive page for good. Caller holds mu.
func (n *Netfront) dropRxPage(rp *rxPage) {
	if !rp.empty {
		n.deps.Pages.FreePage(rp.page) //nolint:errcheck

		return
	}

	if n.deps.Balloon != nil {
		n.deps.Balloon.ReleaseDriverPage(rp.page.PFN)
	}
}

// abandoned handles requests the session dropped on teardown.
func (n *Netfront) abandoned(r session.Response) {
	switch buf := r.Buffer.(type) {
	case []mm.Page:
		for _, p := range buf {
			n.deps.Pages.FreePage(p) //nolint:errcheck
		}
	case *rxPage:
		n.mu.Lock()
		defer n.mu.Unlock()

		n.rxPosted--

		if n.mode == RxFlip {
			var batch hypercall.Batch

			if n.remap(&batch, buf, r.Segments[0].Received) {
				if err := n.commitRemap(&batch, 1); err != nil {
					n.logger.Error("failed to remap abandoned receive page", "pfn", buf.page.PFN, "err", err)

					return
				}
			}
		}

		n.dropRxPage(buf)
	}
}
