// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package gnttab manages the grant table of a domain: granting peers access to
// local frames, accepting frame transfers, and pooling grant references.
//
// Grant flags follow xen/include/public/grant_table.h (v1 layout). The flags
// word of an entry is shared with the hypervisor and only updated atomically.
package gnttab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// Ref is a grant reference, an index into the grant table.
type Ref uint32

// InvalidRef is never handed out.
const InvalidRef Ref = 0

// NrReservedEntries are kept back for the toolstack (console, xenstore).
const NrReservedEntries = 8

// Mode is the access a grant gives its peer.
type Mode uint8

// Grant modes.
const (
	ReadOnly Mode = iota + 1
	ReadWrite
	Transfer
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	case Transfer:
		return "transfer"
	}

	return "unknown"
}

// GTF_* bits.
const (
	gtfPermitAccess      uint32 = 1
	gtfAcceptTransfer    uint32 = 2
	gtfTypeMask          uint32 = 3
	gtfReadOnly          uint32 = 1 << 2
	gtfReading           uint32 = 1 << 3
	gtfWriting           uint32 = 1 << 4
	gtfTransferCommitted uint32 = 1 << 5
	gtfTransferCompleted uint32 = 1 << 6
)

var (
	// ErrNoRefs is returned when a table or head has no free reference left.
	ErrNoRefs = errors.New("no free grant references")

	// ErrBadRef is returned for references outside the table or reserved.
	ErrBadRef = errors.New("invalid grant reference")

	// ErrNotAllocated is returned when using a reference nobody allocated.
	ErrNotAllocated = errors.New("grant reference not allocated")

	// ErrRefBusy is returned when granting through a reference that is still active.
	ErrRefBusy = errors.New("grant reference already active")

	// ErrGrantInUse is returned when ending a grant the peer still has mapped.
	ErrGrantInUse = errors.New("grant still in use by peer")

	// ErrGrantStuck is returned when a grant stayed in use past the retry budget.
	ErrGrantStuck = errors.New("grant stuck in use by peer")

	// ErrDoubleRelease is returned when releasing a reference twice.
	ErrDoubleRelease = errors.New("grant reference released twice")

	// ErrForeignRef is returned when releasing a reference into a head it does not belong to.
	ErrForeignRef = errors.New("grant reference belongs to another pool")

	// ErrGrantActive is returned when releasing a reference that was not ended.
	ErrGrantActive = errors.New("grant reference released while active")

	// ErrHeadClosed is returned when claiming from a closed head.
	ErrHeadClosed = errors.New("grant reference pool closed")

	// ErrPermission is returned to peers mapping a grant they were not given.
	ErrPermission = errors.New("grant does not permit access")
)

type refState uint8

const (
	refFree refState = iota
	refHeld
	refClaimed
	refAllocated
)

type entry struct {
	flags atomic.Uint32
	dom   hypercall.DomID
	frame hypercall.MFN
	maps  int
	state refState
	owner *Head
}

// Table is the grant table of the local domain. It is safe for concurrent use.
type Table struct {
	logger *slog.Logger
	self   hypercall.DomID

	mu      sync.Mutex
	entries []entry
	free    []Ref
}

var _ hypercall.GrantEntries = (*Table)(nil)

// NewTable creates a table with size entries and registers it with the hypervisor.
func NewTable(logger *slog.Logger, self hypercall.DomID, size int, hv hypercall.GrantOps) (*Table, error) {
	if size <= NrReservedEntries {
		return nil, fmt.Errorf("grant table of %d entries leaves no usable references", size)
	}

	t := &Table{
		logger:  logger,
		self:    self,
		entries: make([]entry, size),
		free:    make([]Ref, 0, size-NrReservedEntries),
	}

	for r := size - 1; r >= NrReservedEntries; r-- {
		t.free = append(t.free, Ref(r))
	}

	if err := hv.SetupGrantTable(self, t); err != nil {
		return nil, fmt.Errorf("error setting up grant table: %w", err)
	}

	logger.Debug("grant table ready", "entries", size)

	return t, nil
}

// Size returns the number of entries.
func (t *Table) Size() int {
	return len(t.entries)
}

// Available counts references in the global free list.
func (t *Table) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.free)
}

func (t *Table) entry(ref Ref) (*entry, error) {
	if ref < NrReservedEntries || int(ref) >= len(t.entries) {
		return nil, fmt.Errorf("%w: %d", ErrBadRef, ref)
	}

	return &t.entries[ref], nil
}

func (t *Table) getFree(n int) ([]Ref, error) {
	if n > len(t.free) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrNoRefs, n, len(t.free))
	}

	refs := make([]Ref, n)
	copy(refs, t.free[len(t.free)-n:])
	t.free = t.free[:len(t.free)-n]

	return refs, nil
}

func (t *Table) putFree(ref Ref) {
	e := &t.entries[ref]
	e.state = refFree
	e.owner = nil
	t.free = append(t.free, ref)
}

// GrantAccess allocates a reference and grants dom access to frame.
func (t *Table) GrantAccess(dom hypercall.DomID, frame hypercall.MFN, readonly bool) (Ref, error) {
	t.mu.Lock()

	refs, err := t.getFree(1)
	if err != nil {
		t.mu.Unlock()

		return InvalidRef, err
	}

	ref := refs[0]
	t.entries[ref].state = refAllocated
	t.mu.Unlock()

	if err := t.GrantAccessRef(ref, dom, frame, readonly); err != nil {
		t.mu.Lock()
		t.putFree(ref)
		t.mu.Unlock()

		return InvalidRef, err
	}

	return ref, nil
}

// EndAccess ends a grant made by GrantAccess and frees its reference.
func (t *Table) EndAccess(ref Ref) error {
	if err := t.EndAccessRef(ref); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(ref)
	if err != nil {
		return err
	}

	if e.state != refAllocated {
		return fmt.Errorf("%w: %d", ErrNotAllocated, ref)
	}

	t.putFree(ref)

	return nil
}

func (t *Table) prepare(ref Ref, dom hypercall.DomID, frame hypercall.MFN) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(ref)
	if err != nil {
		return nil, err
	}

	if e.state != refClaimed && e.state != refAllocated {
		return nil, fmt.Errorf("%w: %d", ErrNotAllocated, ref)
	}

	if e.flags.Load()&gtfTypeMask != 0 {
		return nil, fmt.Errorf("%w: %d", ErrRefBusy, ref)
	}

	e.dom = dom
	e.frame = frame
	e.maps = 0

	return e, nil
}

// GrantAccessRef grants dom access to frame through an allocated reference.
func (t *Table) GrantAccessRef(ref Ref, dom hypercall.DomID, frame hypercall.MFN, readonly bool) error {
	e, err := t.prepare(ref, dom, frame)
	if err != nil {
		return err
	}

	flags := gtfPermitAccess
	if readonly {
		flags |= gtfReadOnly
	}

	// frame and domain are visible before the peer can see the flags
	e.flags.Store(flags)

	util.TraceLog(t.logger, "access granted", "ref", ref, "dom", dom, "frame", frame, "readonly", readonly)

	return nil
}

// GrantTransferRef offers dom to transfer a frame into ref.
func (t *Table) GrantTransferRef(ref Ref, dom hypercall.DomID) error {
	e, err := t.prepare(ref, dom, 0)
	if err != nil {
		return err
	}

	e.flags.Store(gtfAcceptTransfer)

	util.TraceLog(t.logger, "transfer offered", "ref", ref, "dom", dom)

	return nil
}

// QueryAccess reports whether the peer currently has ref mapped.
func (t *Table) QueryAccess(ref Ref) bool {
	e, err := t.entry(ref)
	if err != nil {
		return false
	}

	return e.flags.Load()&(gtfReading|gtfWriting) != 0
}

// EndAccessRef revokes an access grant unless the peer still has it mapped.
func (t *Table) EndAccessRef(ref Ref) error {
	e, err := t.entry(ref)
	if err != nil {
		return err
	}

	for {
		flags := e.flags.Load()
		if flags&(gtfReading|gtfWriting) != 0 {
			return fmt.Errorf("%w: %d", ErrGrantInUse, ref)
		}

		if e.flags.CompareAndSwap(flags, 0) {
			return nil
		}
	}
}

// EndAccessRefRetry polls EndAccessRef within the retry policy.
func (t *Table) EndAccessRefRetry(ctx context.Context, ref Ref, policy util.RetryPolicy) error {
	err := backoff.Retry(func() error {
		err := t.EndAccessRef(ref)
		if err != nil && !errors.Is(err, ErrGrantInUse) {
			return backoff.Permanent(err)
		}

		return err
	}, policy.BackOff(ctx))
	if errors.Is(err, ErrGrantInUse) {
		return fmt.Errorf("%w: %d", ErrGrantStuck, ref)
	}

	return err
}

// EndTransferRef ends a transfer offer. It returns the received frame, or 0
// when the peer never transferred one.
func (t *Table) EndTransferRef(ref Ref) (hypercall.MFN, error) {
	e, err := t.entry(ref)
	if err != nil {
		return 0, err
	}

	// withdraw the offer unless the peer already committed to it
	for {
		flags := e.flags.Load()
		if flags&gtfTransferCommitted != 0 {
			break
		}

		if e.flags.CompareAndSwap(flags, 0) {
			return 0, nil
		}
	}

	for e.flags.Load()&gtfTransferCompleted == 0 {
		runtime.Gosched()
	}

	t.mu.Lock()
	frame := e.frame
	e.frame = 0
	t.mu.Unlock()

	e.flags.Store(0)

	return frame, nil
}

// ForceEnd revokes a grant regardless of peer mappings and reports whether one was held.
func (t *Table) ForceEnd(ref Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(ref)
	if err != nil {
		return false
	}

	mapped := e.maps > 0
	if mapped {
		t.logger.Warn("revoking grant still mapped by peer", "ref", ref, "dom", e.dom, "mappings", e.maps)
	}

	e.maps = 0
	e.flags.Store(0)

	return mapped
}

// Acquire implements hypercall.GrantEntries.
func (t *Table) Acquire(ref uint32, mapper hypercall.DomID, readonly bool) (hypercall.MFN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(Ref(ref))
	if err != nil {
		return 0, err
	}

	busy := gtfReading
	if !readonly {
		busy |= gtfWriting
	}

	// EndAccessRef does not take t.mu, so validation and marking the entry
	// busy happen in one compare-and-swap.
	for {
		flags := e.flags.Load()

		switch {
		case flags&gtfTypeMask != gtfPermitAccess:
			return 0, fmt.Errorf("%w: ref %d not an access grant", ErrPermission, ref)
		case e.dom != mapper && e.dom != hypercall.DomIDAny:
			return 0, fmt.Errorf("%w: ref %d granted to %s, not %s", ErrPermission, ref, e.dom, mapper)
		case !readonly && flags&gtfReadOnly != 0:
			return 0, fmt.Errorf("%w: ref %d is read-only", ErrPermission, ref)
		}

		if e.flags.CompareAndSwap(flags, flags|busy) {
			break
		}
	}

	e.maps++

	return e.frame, nil
}

// Release implements hypercall.GrantEntries.
func (t *Table) Release(ref uint32, _ bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(Ref(ref))
	if err != nil || e.maps == 0 {
		return
	}

	e.maps--
	if e.maps == 0 {
		e.flags.And(^(gtfReading | gtfWriting))
	}
}

// AcceptTransfer implements hypercall.GrantEntries.
func (t *Table) AcceptTransfer(ref uint32, from hypercall.DomID, frame hypercall.MFN) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.entry(Ref(ref))
	if err != nil {
		return err
	}

	flags := e.flags.Load()
	if flags&gtfTypeMask != gtfAcceptTransfer || flags&gtfTransferCommitted != 0 {
		return fmt.Errorf("%w: ref %d does not accept a transfer", ErrPermission, ref)
	}

	if e.dom != from && e.dom != hypercall.DomIDAny {
		return fmt.Errorf("%w: ref %d offered to %s, not %s", ErrPermission, ref, e.dom, from)
	}

	if !e.flags.CompareAndSwap(flags, flags|gtfTransferCommitted) {
		return fmt.Errorf("%w: ref %d withdrawn", ErrPermission, ref)
	}

	e.frame = frame
	e.flags.Or(gtfTransferCompleted)

	return nil
}
