// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"fmt"
)

// Op is a multicall operation.
type Op uint8

// Operations that can be batched.
const (
	// OpUpdateVAMapping maps (or with InvalidMFN, unmaps) the kernel mapping of a PFN.
	OpUpdateVAMapping Op = iota + 1
	// OpMMUUpdate updates the machine-to-physical entry of a frame.
	OpMMUUpdate
	// OpDecreaseReservation releases frames, its result is the count released.
	OpDecreaseReservation
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpUpdateVAMapping:
		return "update_va_mapping"
	case OpMMUUpdate:
		return "mmu_update"
	case OpDecreaseReservation:
		return "decrease_reservation"
	}

	return fmt.Sprintf("op(%d)", uint8(o))
}

// Call is one entry of a batch.
type Call struct {
	Op     Op
	PFN    PFN
	Frame  MFN
	Frames []MFN
	// Result is filled in by the hypervisor: 0 or a count on success, a
	// negative errno on failure.
	Result int64
}

// Batch accumulates calls for a single multicall.
type Batch struct {
	calls []Call
}

// UpdateVAMapping queues a kernel mapping update for pfn and returns its index.
func (b *Batch) UpdateVAMapping(pfn PFN, frame MFN) int {
	b.calls = append(b.calls, Call{Op: OpUpdateVAMapping, PFN: pfn, Frame: frame})

	return len(b.calls) - 1
}

// MMUUpdate queues a machine-to-physical update and returns its index.
func (b *Batch) MMUUpdate(frame MFN, pfn PFN) int {
	b.calls = append(b.calls, Call{Op: OpMMUUpdate, PFN: pfn, Frame: frame})

	return len(b.calls) - 1
}

// DecreaseReservation queues a reservation decrease and returns its index.
func (b *Batch) DecreaseReservation(frames []MFN) int {
	b.calls = append(b.calls, Call{Op: OpDecreaseReservation, Frames: frames})

	return len(b.calls) - 1
}

// Len returns the number of queued calls.
func (b *Batch) Len() int {
	return len(b.calls)
}

// Calls exposes the queued calls to the hypervisor.
func (b *Batch) Calls() []Call {
	return b.calls
}

// Result returns the result of call i.
func (b *Batch) Result(i int) int64 {
	return b.calls[i].Result
}

// Results returns the results of all calls, parallel to the queued calls.
func (b *Batch) Results() []int64 {
	out := make([]int64, len(b.calls))
	for i := range b.calls {
		out[i] = b.calls[i].Result
	}

	return out
}

// Check returns an error naming the first failed call. Decrease calls fail
// when they released fewer frames than queued.
func (b *Batch) Check() error {
	for i, c := range b.calls {
		switch {
		case c.Op == OpDecreaseReservation && c.Result != int64(len(c.Frames)):
			return fmt.Errorf("%w: #%d %s released %d of %d", ErrMulticall, i, c.Op, c.Result, len(c.Frames))
		case c.Op != OpDecreaseReservation && c.Result != 0:
			return fmt.Errorf("%w: #%d %s returned %d", ErrMulticall, i, c.Op, c.Result)
		}
	}

	return nil
}

// Reset drops all queued calls, keeping capacity.
func (b *Batch) Reset() {
	b.calls = b.calls[:0]
}
