// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package gnttab

import (
	"errors"
	"fmt"
)

// ErrRefsOutstanding is returned when closing a head with claimed references.
var ErrRefsOutstanding = errors.New("grant references still claimed")

// Head is a private pool of references reserved from a table, sized for the
// maximum number of grants a device keeps in flight.
type Head struct {
	t      *Table
	free   []Ref
	size   int
	closed bool
}

// AllocRefs reserves n references into a new head.
func (t *Table) AllocRefs(n int) (*Head, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	refs, err := t.getFree(n)
	if err != nil {
		return nil, err
	}

	h := &Head{t: t, free: refs, size: n}

	for _, r := range refs {
		t.entries[r].state = refHeld
		t.entries[r].owner = h
	}

	return h, nil
}

// Size returns the number of references reserved by the head.
func (h *Head) Size() int {
	return h.size
}

// Available counts unclaimed references.
func (h *Head) Available() int {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	return len(h.free)
}

// Outstanding counts claimed references.
func (h *Head) Outstanding() int {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	n := 0

	for i := range h.t.entries {
		if e := &h.t.entries[i]; e.owner == h && e.state == refClaimed {
			n++
		}
	}

	return n
}

// Claim takes a reference from the head.
func (h *Head) Claim() (Ref, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	if h.closed {
		return InvalidRef, ErrHeadClosed
	}

	if len(h.free) == 0 {
		return InvalidRef, ErrNoRefs
	}

	ref := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	h.t.entries[ref].state = refClaimed

	return ref, nil
}

// Release gives an ended reference back to the head. Releasing twice, or a
// reference of another head, is reported and leaves the pool untouched.
func (h *Head) Release(ref Ref) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	e, err := h.t.entry(ref)
	if err != nil {
		return err
	}

	switch {
	case e.owner != h:
		return fmt.Errorf("%w: %d", ErrForeignRef, ref)
	case e.state != refClaimed:
		return fmt.Errorf("%w: %d", ErrDoubleRelease, ref)
	case e.flags.Load()&gtfTypeMask != 0:
		return fmt.Errorf("%w: %d", ErrGrantActive, ref)
	}

	if h.closed {
		h.t.putFree(ref)

		return nil
	}

	e.state = refHeld
	h.free = append(h.free, ref)

	return nil
}

// Close returns unclaimed references to the table. References still claimed
// go back to the table as they are released.
func (h *Head) Close() error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	for _, r := range h.free {
		h.t.putFree(r)
	}

	returned := len(h.free)
	h.free = nil

	if returned != h.size {
		return fmt.Errorf("%w: %d of %d", ErrRefsOutstanding, h.size-returned, h.size)
	}

	return nil
}
