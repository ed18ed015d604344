// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package mm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// Policy selects where an allocation may come from and how hard to try.
type Policy uint8

// Allocation policies.
const (
	// AllocHighMem permits high-memory pages.
	AllocHighMem Policy = 1 << iota
	// AllocNoRetry fails instead of waiting for reclaim.
	AllocNoRetry

	// AllocKernel is the default policy, low memory only.
	AllocKernel Policy = 0
	// AllocBalloon is used when inflating the balloon.
	AllocBalloon = AllocHighMem | AllocNoRetry
)

var (
	// ErrNoMemory is returned when no page satisfies the policy.
	ErrNoMemory = errors.New("out of memory")

	// ErrDoubleFree is returned when freeing a page that is already free.
	ErrDoubleFree = errors.New("page already free")
)

// Page is an allocated, backed page.
type Page struct {
	PFN   hypercall.PFN
	Frame hypercall.MFN
	Data  []byte
}

// Allocator hands out backed pages of an arena.
type Allocator struct {
	logger *slog.Logger
	arena  *Arena

	mu   sync.Mutex
	low  []hypercall.PFN
	high []hypercall.PFN
	// failAfter counts successful allocations left before ErrNoMemory, -1 disables.
	failAfter int
}

// NewAllocator seeds an allocator with every backed, unreserved page of arena.
func NewAllocator(logger *slog.Logger, arena *Arena) *Allocator {
	al := &Allocator{
		logger:    logger,
		arena:     arena,
		failAfter: -1,
	}

	arena.mu.Lock()
	defer arena.mu.Unlock()

	// highest PFNs are pushed first so low PFNs come out first
	for pfn := len(arena.p2m) - 1; pfn >= 0; pfn-- {
		if arena.p2m[pfn] == hypercall.InvalidMFN || arena.flags[pfn]&FlagReserved != 0 {
			continue
		}

		arena.flags[pfn] |= FlagFree
		al.push(hypercall.PFN(pfn), arena.flags[pfn]&FlagHighMem != 0)
	}

	return al
}

func (al *Allocator) push(pfn hypercall.PFN, high bool) {
	if high {
		al.high = append(al.high, pfn)
	} else {
		al.low = append(al.low, pfn)
	}
}

// FailAfter makes allocations fail once n more pages were handed out; n < 0 clears it.
func (al *Allocator) FailAfter(n int) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.failAfter = n
}

// Free counts pages available to the allocator.
func (al *Allocator) Free() int {
	al.mu.Lock()
	defer al.mu.Unlock()

	return len(al.low) + len(al.high)
}

// Alloc takes a page according to policy.
func (al *Allocator) Alloc(policy Policy) (hypercall.PFN, error) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.failAfter == 0 {
		return 0, ErrNoMemory
	}

	var pfn hypercall.PFN

	switch {
	case policy&AllocHighMem != 0 && len(al.high) > 0:
		pfn = al.high[len(al.high)-1]
		al.high = al.high[:len(al.high)-1]
	case len(al.low) > 0:
		pfn = al.low[len(al.low)-1]
		al.low = al.low[:len(al.low)-1]
	default:
		return 0, ErrNoMemory
	}

	if al.failAfter > 0 {
		al.failAfter--
	}

	al.arena.mu.Lock()
	al.arena.flags[pfn] &^= FlagFree
	al.arena.mu.Unlock()

	util.TraceLog(al.logger, "page allocated", "pfn", pfn, "policy", policy)

	return pfn, nil
}

// Release returns pfn to the allocator. The page must be backed.
func (al *Allocator) Release(pfn hypercall.PFN) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.arena.mu.Lock()

	if err := al.arena.check(pfn); err != nil {
		al.arena.mu.Unlock()

		return err
	}

	switch {
	case al.arena.flags[pfn]&FlagFree != 0:
		al.arena.mu.Unlock()

		return fmt.Errorf("%w: %d", ErrDoubleFree, pfn)
	case al.arena.p2m[pfn] == hypercall.InvalidMFN:
		al.arena.mu.Unlock()

		return fmt.Errorf("%w: %d", ErrNotBacked, pfn)
	}

	al.arena.flags[pfn] |= FlagFree
	high := al.arena.flags[pfn]&FlagHighMem != 0
	al.arena.mu.Unlock()

	al.push(pfn, high)

	return nil
}

// AllocPage allocates a low-memory page and returns it with its contents.
func (al *Allocator) AllocPage() (Page, error) {
	pfn, err := al.Alloc(AllocKernel)
	if err != nil {
		return Page{}, err
	}

	data, err := al.arena.Data(pfn)
	if err != nil {
		al.Release(pfn) //nolint:errcheck

		return Page{}, err
	}

	return Page{PFN: pfn, Frame: al.arena.P2M(pfn), Data: data}, nil
}

// FreePage returns a page from AllocPage.
func (al *Allocator) FreePage(p Page) error {
	return al.Release(p.PFN)
}
