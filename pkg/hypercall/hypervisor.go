// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

// MemoryOps is the reservation part of the memory_op hypercall.
type MemoryOps interface {
	// PopulatePhysmap backs the given PFNs of dom with fresh machine frames.
	// It may back fewer frames than requested; the returned slice holds one
	// frame per populated PFN, in order.
	PopulatePhysmap(dom DomID, pfns []PFN) ([]MFN, error)
	// DecreaseReservation hands frames back to the hypervisor and returns how
	// many were released. Release stops at the first frame that fails.
	DecreaseReservation(dom DomID, frames []MFN) (int, error)
	// PoDTarget returns the populate-on-demand accounting of dom.
	PoDTarget(dom DomID) (PoDTarget, error)
	// Multicall executes a batch of page-table and reservation operations.
	Multicall(dom DomID, b *Batch) error
	// FrameData returns the contents of a frame owned by dom.
	FrameData(dom DomID, frame MFN) ([]byte, error)
}

// GrantEntries is the hypervisor's view of one domain's grant table.
type GrantEntries interface {
	// Acquire validates ref for a mapping by mapper and marks it in use.
	Acquire(ref uint32, mapper DomID, readonly bool) (MFN, error)
	// Release drops a mapping taken by Acquire.
	Release(ref uint32, readonly bool)
	// AcceptTransfer completes a transfer of frame from the given domain into ref.
	AcceptTransfer(ref uint32, from DomID, frame MFN) error
}

// GrantOps is the grant_table_op hypercall.
type GrantOps interface {
	// SetupGrantTable registers the grant table of dom.
	SetupGrantTable(dom DomID, entries GrantEntries) error
	// GrantMap maps a grant of granter into mapper.
	GrantMap(mapper, granter DomID, ref uint32, readonly bool) (Mapping, error)
	// GrantUnmap removes a mapping returned by GrantMap.
	GrantUnmap(mapper DomID, handle uint32) error
	// GrantTransfer gives frame, owned by from, to the domain that offered ref.
	GrantTransfer(from DomID, frame MFN, to DomID, ref uint32) error
}

// EventOps is the event_channel_op hypercall plus upcall registration.
type EventOps interface {
	AllocUnbound(dom, remote DomID) (Port, error)
	BindInterdomain(dom, remote DomID, remotePort Port) (Port, error)
	Send(dom DomID, port Port) error
	Close(dom DomID, port Port) error
	// SetUpcall installs the function invoked when a port of dom is signalled.
	SetUpcall(dom DomID, fn func(Port))
}

// Hypervisor bundles every service a PV guest uses.
type Hypervisor interface {
	MemoryOps
	GrantOps
	EventOps
}
