// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package mm models the guest side of memory: page descriptors indexed by PFN,
// the physical-to-machine map and a page allocator.
package mm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// Flags describe a page.
type Flags uint8

// Page flags.
const (
	// FlagHighMem marks pages without a permanent kernel mapping.
	FlagHighMem Flags = 1 << iota
	// FlagReserved marks pages the allocator must not hand out.
	FlagReserved
	// FlagFree marks pages sitting in the allocator.
	FlagFree
)

var (
	// ErrOutOfRange is returned for PFNs beyond the arena.
	ErrOutOfRange = errors.New("pfn out of range")

	// ErrNotBacked is returned for PFNs without a machine frame.
	ErrNotBacked = errors.New("pfn has no machine frame")
)

// ArenaConfig describes the initial memory of a domain.
type ArenaConfig struct {
	Domain hypercall.DomID
	// Frames back PFNs 0..len(Frames)-1.
	Frames []hypercall.MFN
	// MaxPages is the size of the PFN space, at least len(Frames).
	MaxPages int
	// LowPages is the number of low-memory PFNs; the rest is high memory.
	LowPages int
}

// Arena is the page-descriptor array of a domain.
type Arena struct {
	mu    sync.RWMutex
	dom   hypercall.DomID
	mem   hypercall.MemoryOps
	flags []Flags
	p2m   []hypercall.MFN
}

// NewArena builds an arena. PFNs past the initial frames start unbacked and reserved.
func NewArena(cfg ArenaConfig, mem hypercall.MemoryOps) *Arena {
	size := max(cfg.MaxPages, len(cfg.Frames))

	a := &Arena{
		dom:   cfg.Domain,
		mem:   mem,
		flags: make([]Flags, size),
		p2m:   make([]hypercall.MFN, size),
	}

	for i := range size {
		if i >= cfg.LowPages {
			a.flags[i] |= FlagHighMem
		}

		if i < len(cfg.Frames) {
			a.p2m[i] = cfg.Frames[i]
		} else {
			a.p2m[i] = hypercall.InvalidMFN
			a.flags[i] |= FlagReserved
		}
	}

	return a
}

// Domain returns the owning domain.
func (a *Arena) Domain() hypercall.DomID {
	return a.dom
}

// MaxPFN returns one past the highest PFN.
func (a *Arena) MaxPFN() hypercall.PFN {
	return hypercall.PFN(len(a.p2m))
}

func (a *Arena) check(pfn hypercall.PFN) error {
	if pfn >= hypercall.PFN(len(a.p2m)) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, pfn)
	}

	return nil
}

// P2M returns the machine frame of pfn, InvalidMFN when ballooned out.
func (a *Arena) P2M(pfn hypercall.PFN) hypercall.MFN {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.check(pfn) != nil {
		return hypercall.InvalidMFN
	}

	return a.p2m[pfn]
}

// SetP2M records the machine frame of pfn.
func (a *Arena) SetP2M(pfn hypercall.PFN, frame hypercall.MFN) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(pfn); err != nil {
		return err
	}

	a.p2m[pfn] = frame

	return nil
}

// Flags returns the flags of pfn.
func (a *Arena) Flags(pfn hypercall.PFN) Flags {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.check(pfn) != nil {
		return 0
	}

	return a.flags[pfn]
}

// IsHighMem reports whether pfn is a high-memory page.
func (a *Arena) IsHighMem(pfn hypercall.PFN) bool {
	return a.Flags(pfn)&FlagHighMem != 0
}

// SetReserved sets or clears the reserved flag.
func (a *Arena) SetReserved(pfn hypercall.PFN, reserved bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(pfn); err != nil {
		return err
	}

	if reserved {
		a.flags[pfn] |= FlagReserved
	} else {
		a.flags[pfn] &^= FlagReserved
	}

	return nil
}

// Data returns the contents of pfn.
func (a *Arena) Data(pfn hypercall.PFN) ([]byte, error) {
	frame := a.P2M(pfn)
	if frame == hypercall.InvalidMFN {
		return nil, fmt.Errorf("%w: %d", ErrNotBacked, pfn)
	}

	return a.mem.FrameData(a.dom, frame)
}

// Scrub zeroes pfn before its frame leaves the domain.
func (a *Arena) Scrub(pfn hypercall.PFN) error {
	data, err := a.Data(pfn)
	if err != nil {
		return err
	}

	clear(data)

	return nil
}

// Backed counts PFNs with a machine frame.
func (a *Arena) Backed() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0

	for _, f := range a.p2m {
		if f != hypercall.InvalidMFN {
			n++
		}
	}

	return n
}
