// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package balloon

import (
	"fmt"

	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
)

// BorrowPages hands out n empty pages: PFNs with no machine frame behind
// them, ready to have foreign frames mapped in. Low ballooned pages are used
// first, then pages are allocated and released to the hypervisor one by one.
// On failure every page taken so far goes back to the balloon.
func (b *Balloon) BorrowPages(n int) ([]hypercall.PFN, error) {
	defer b.schedule()

	pfns := make([]hypercall.PFN, 0, n)

	for range n {
		pfn, err := b.borrowOne()
		if err != nil {
			b.ReturnPages(pfns)

			return nil, fmt.Errorf("borrowing page %d of %d: %w", len(pfns)+1, n, err)
		}

		pfns = append(pfns, pfn)
	}

	return pfns, nil
}

func (b *Balloon) borrowOne() (hypercall.PFN, error) {
	b.lock.Lock()

	if it, ok := b.list.front(); ok && !it.high {
		b.list.popFront()
		b.lock.Unlock()

		return it.pfn, nil
	}

	b.lock.Unlock()

	pfn, err := b.alloc.Alloc(mm.AllocKernel)
	if err != nil {
		return 0, err
	}

	if err = b.arena.Scrub(pfn); err != nil {
		b.alloc.Release(pfn) //nolint:errcheck

		return 0, err
	}

	frame := b.arena.P2M(pfn)

	b.lock.Lock()
	defer b.lock.Unlock()

	var batch hypercall.Batch

	batch.UpdateVAMapping(pfn, hypercall.InvalidMFN)
	batch.DecreaseReservation([]hypercall.MFN{frame})

	if err = b.mem.Multicall(b.dom, &batch); err == nil {
		err = batch.Check()
	}

	if err != nil {
		b.alloc.Release(pfn) //nolint:errcheck

		return 0, err
	}

	b.arena.SetP2M(pfn, hypercall.InvalidMFN) //nolint:errcheck
	b.arena.SetReserved(pfn, true)            //nolint:errcheck
	b.current--

	return pfn, nil
}

// ReturnPages puts pages from BorrowPages back into the balloon. Their frames
// must have been unmapped or transferred away.
func (b *Balloon) ReturnPages(pfns []hypercall.PFN) {
	b.lock.Lock()

	for _, pfn := range pfns {
		b.list.push(pfn, b.arena.IsHighMem(pfn))
	}

	b.lock.Unlock()

	b.schedule()
}

// FreeEmptyPages balloons pages that are still counted in the reservation
// but whose frames already left the domain.
func (b *Balloon) FreeEmptyPages(pfns []hypercall.PFN) {
	b.lock.Lock()

	for _, pfn := range pfns {
		b.appendAccounted(pfn)
	}

	b.lock.Unlock()

	b.schedule()
}

// appendAccounted balloons pfn and drops it from the reservation. Caller holds lock.
func (b *Balloon) appendAccounted(pfn hypercall.PFN) {
	b.list.push(pfn, b.arena.IsHighMem(pfn))
	b.arena.SetReserved(pfn, true)            //nolint:errcheck
	b.arena.SetP2M(pfn, hypercall.InvalidMFN) //nolint:errcheck
	b.current--
}

// ReleaseDriverPage returns a page a driver gave away without a replacement.
func (b *Balloon) ReleaseDriverPage(pfn hypercall.PFN) {
	b.lock.Lock()

	b.appendAccounted(pfn)
	b.driver--

	b.lock.Unlock()

	b.schedule()
}

// UpdateDriverAllowance records pages drivers hold outside the reservation.
func (b *Balloon) UpdateDriverAllowance(delta int) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.driver += delta
}
