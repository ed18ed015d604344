// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"errors"
	"fmt"
)

// Page geometry shared by guest and hypervisor.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// DomID identifies a domain.
type DomID uint16

const (
	// DomIDSelf refers to the calling domain (DOMID_SELF).
	DomIDSelf DomID = 0x7ff0
	// DomIDAny lets any domain map a grant.
	DomIDAny DomID = 0x7ff4
)

// String implements fmt.Stringer.
func (d DomID) String() string {
	switch d {
	case DomIDSelf:
		return "self"
	case DomIDAny:
		return "any"
	}

	return fmt.Sprintf("dom%d", uint16(d))
}

// PFN is a guest pseudo-physical frame number.
type PFN uint64

// MFN is a machine frame number.
type MFN uint64

// InvalidMFN marks a PFN with no machine backing (INVALID_P2M_ENTRY).
const InvalidMFN = ^MFN(0)

// Port is an event-channel port number, local to a domain.
type Port uint32

// PoDTarget is the populate-on-demand accounting of a domain (XENMEM_get_pod_target).
type PoDTarget struct {
	TotPages   uint64
	PoDCache   uint64
	PoDEntries uint64
}

// Mapping is a grant mapped into the calling domain.
type Mapping struct {
	Handle uint32
	Frame  MFN
	Data   []byte
}

var (
	// ErrNoMemory is returned when the hypervisor has no free frames left.
	ErrNoMemory = errors.New("hypervisor out of memory")

	// ErrBadFrame is returned for frames the caller does not own.
	ErrBadFrame = errors.New("frame not owned by domain")

	// ErrNoDomain is returned for unknown domains.
	ErrNoDomain = errors.New("no such domain")

	// ErrBadGrant is returned when a grant reference cannot be mapped or transferred into.
	ErrBadGrant = errors.New("bad grant reference")

	// ErrBadHandle is returned when unmapping an unknown grant handle.
	ErrBadHandle = errors.New("bad grant handle")

	// ErrBadPort is returned for unknown or wrongly bound event-channel ports.
	ErrBadPort = errors.New("bad event channel port")

	// ErrMulticall is returned when at least one entry of a multicall batch failed.
	ErrMulticall = errors.New("multicall entry failed")
)
