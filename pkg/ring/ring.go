// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package ring implements the single-producer single-consumer shared ring used
// by split drivers.
//
// A ring spans one or more pages. The first bytes hold a header of three
// counters: prod, cons and event. Slots follow, fixed-size and aligned to their
// size so that no slot straddles a page. Counters are free-running uint32
// values; the slot of index i is i & (capacity-1).
//
// Slot contents are plain memory. Publishing an index is an atomic store and
// reading one an atomic load, so everything written to a slot before its index
// is published is visible to the side that loads that index.
//
// Notification moderation follows the event-index scheme: the consumer stores
// in event the index it wants to be woken at, and a producer moving prod from
// old to new notifies when (new - event) < (new - old).
package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// Index is a free-running ring counter.
type Index uint32

const (
	headerSize = 64

	offProd  = 0
	offCons  = 4
	offEvent = 8

	// MaxPageOrder caps a ring at 16 pages.
	MaxPageOrder = 4
)

var (
	// ErrRingFull is returned when pushing into a ring with no free slot.
	ErrRingFull = errors.New("ring full")

	// ErrSlotOverflow is returned when data does not fit a slot.
	ErrSlotOverflow = errors.New("data larger than slot")

	// ErrLayout is returned for unusable ring geometries.
	ErrLayout = errors.New("invalid ring layout")
)

// Ring is a view of a shared ring. Producer and Consumer carry the private state
// of each side; a Ring is shared by both.
type Ring struct {
	pages    [][]byte
	slotSize int
	slotsOff int
	capacity uint32
	mask     uint32
}

// State is a snapshot of the shared counters.
type State struct {
	Capacity uint32
	Prod     Index
	Cons     Index
	Event    Index
	Used     uint32
}

// CapacityFor returns the largest power-of-two slot count that fits in size
// bytes of ring memory.
func CapacityFor(size, slotSize int) uint32 {
	if slotSize <= 0 {
		return 0
	}

	n := (size - slotsOffset(slotSize)) / slotSize
	if n <= 0 {
		return 0
	}

	return 1 << (bits.Len(uint(n)) - 1)
}

// PageOrder returns the smallest order of pages whose ring holds slots slots.
func PageOrder(slots, slotSize int) (int, error) {
	for order := 0; order <= MaxPageOrder; order++ {
		if int(CapacityFor((1<<order)*hypercall.PageSize, slotSize)) >= slots {
			return order, nil
		}
	}

	return 0, fmt.Errorf("%w: %d slots of %d bytes exceed %d pages", ErrLayout, slots, slotSize, 1<<MaxPageOrder)
}

func slotsOffset(slotSize int) int {
	return max(headerSize, slotSize)
}

// New builds a ring over pages. slots caps the capacity, 0 uses everything that fits.
// The header is not touched, see Init.
func New(pages [][]byte, slotSize, slots int) (*Ring, error) {
	if len(pages) == 0 || len(pages) > 1<<MaxPageOrder || bits.OnesCount(uint(len(pages))) != 1 {
		return nil, fmt.Errorf("%w: %d pages", ErrLayout, len(pages))
	}

	if slotSize < 8 || slotSize > hypercall.PageSize/2 || bits.OnesCount(uint(slotSize)) != 1 {
		return nil, fmt.Errorf("%w: slot size %d", ErrLayout, slotSize)
	}

	for i, p := range pages {
		if len(p) != hypercall.PageSize {
			return nil, fmt.Errorf("%w: page %d is %d bytes", ErrLayout, i, len(p))
		}
	}

	if uintptr(unsafe.Pointer(&pages[0][0]))%8 != 0 {
		return nil, fmt.Errorf("%w: header not aligned", ErrLayout)
	}

	capacity := CapacityFor(len(pages)*hypercall.PageSize, slotSize)

	if slots > 0 {
		if bits.OnesCount(uint(slots)) != 1 {
			return nil, fmt.Errorf("%w: capacity %d is not a power of two", ErrLayout, slots)
		}

		if uint32(slots) > capacity {
			return nil, fmt.Errorf("%w: %d slots do not fit in %d pages", ErrLayout, slots, len(pages))
		}

		capacity = uint32(slots)
	}

	return &Ring{
		pages:    pages,
		slotSize: slotSize,
		slotsOff: slotsOffset(slotSize),
		capacity: capacity,
		mask:     capacity - 1,
	}, nil
}

// Init resets the shared header. Only the side that allocated the ring calls it.
func (r *Ring) Init() {
	atomic.StoreUint32(r.word(offProd), 0)
	atomic.StoreUint32(r.word(offCons), 0)
	atomic.StoreUint32(r.word(offEvent), 1)
}

func (r *Ring) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.pages[0][off]))
}

func (r *Ring) load(off int) Index {
	return Index(atomic.LoadUint32(r.word(off)))
}

func (r *Ring) store(off int, v Index) {
	atomic.StoreUint32(r.word(off), uint32(v))
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() uint32 {
	return r.capacity
}

// SlotSize returns the size of one slot.
func (r *Ring) SlotSize() int {
	return r.slotSize
}

// Slot returns the memory of the slot holding index i.
func (r *Ring) Slot(i Index) []byte {
	off := r.slotsOff + int(uint32(i)&r.mask)*r.slotSize
	page := r.pages[off/hypercall.PageSize]
	off %= hypercall.PageSize

	return page[off : off+r.slotSize : off+r.slotSize]
}

// State reads the shared counters.
func (r *Ring) State() State {
	prod := r.load(offProd)
	cons := r.load(offCons)

	return State{
		Capacity: r.capacity,
		Prod:     prod,
		Cons:     cons,
		Event:    r.load(offEvent),
		Used:     uint32(prod - cons),
	}
}

// NeedsNotify applies the event-index rule to a move of an index from old to cur.
func NeedsNotify(old, cur, event Index) bool {
	return cur-event < cur-old
}

// Pair is the request and response ring of one queue.
type Pair struct {
	Req *Ring
	Rsp *Ring
}
