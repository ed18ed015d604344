// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package shadow tracks requests a frontend has outstanding on a ring. Each
// ring slot has a shadow entry holding the grants and the buffer of the
// request occupying it, so that a response can be matched by id and every
// grant it used can be reclaimed.
//
// An entry moves Free -> Granted -> InFlight -> Completed -> Free.
package shadow

import (
	"errors"
	"fmt"

	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
)

// State of a shadow entry.
type State uint8

// Entry states.
const (
	Free State = iota
	Granted
	InFlight
	Completed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Granted:
		return "granted"
	case InFlight:
		return "in-flight"
	case Completed:
		return "completed"
	}

	return "invalid"
}

var (
	// ErrNoFreeSlots is returned when every entry is in use.
	ErrNoFreeSlots = errors.New("no free shadow entries")

	// ErrUnknownID is returned for ids that do not name an in-flight entry.
	ErrUnknownID = errors.New("unknown request id")

	// ErrInvariant is returned when an entry is moved out of order.
	ErrInvariant = errors.New("shadow invariant violated")
)

// Segment is one granted piece of a request.
type Segment struct {
	Frame  hypercall.MFN
	PFN    hypercall.PFN
	Offset uint16
	Length uint16
	Mode   gnttab.Mode

	// Ref is set once the segment is granted.
	Ref gnttab.Ref
	// Received is the frame a transfer segment got back.
	Received hypercall.MFN
}

// IndirectPage holds segment descriptors of an indirect request.
type IndirectPage struct {
	Ref  gnttab.Ref
	Page mm.Page
}

// Entry is the shadow of one ring slot.
type Entry struct {
	ID       uint16
	State    State
	Op       uint8
	Segments []Segment
	Indirect []IndirectPage
	Buffer   any

	// response fields
	Status int16
	Offset uint16
	Flags  uint8
}

// IndirectFramed reports whether the segments travel in indirect pages.
func (e *Entry) IndirectFramed() bool {
	return len(e.Indirect) > 0
}

// Refs returns the refs the entry carries in the slot itself.
func (e *Entry) Refs() []gnttab.Ref {
	if e.IndirectFramed() {
		out := make([]gnttab.Ref, len(e.Indirect))
		for i, p := range e.Indirect {
			out[i] = p.Ref
		}

		return out
	}

	out := make([]gnttab.Ref, len(e.Segments))
	for i, s := range e.Segments {
		out[i] = s.Ref
	}

	return out
}

// Table is the shadow array of a ring, one entry per slot. It is not safe for
// concurrent use; the owning session serializes access.
type Table struct {
	entries  []Entry
	free     []uint16
	inflight int
}

// NewTable creates n free entries.
func NewTable(n int) *Table {
	t := &Table{
		entries: make([]Entry, n),
		free:    make([]uint16, 0, n),
	}

	for i := n - 1; i >= 0; i-- {
		t.entries[i].ID = uint16(i)
		t.free = append(t.free, uint16(i))
	}

	return t
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// InFlight counts entries that are not free.
func (t *Table) InFlight() int {
	return t.inflight
}

// Get takes a free entry and marks it Granted.
func (t *Table) Get() (*Entry, error) {
	if len(t.free) == 0 {
		return nil, ErrNoFreeSlots
	}

	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	e := &t.entries[id]
	*e = Entry{ID: id, State: Granted}
	t.inflight++

	return e, nil
}

// Lookup returns the entry with the given id.
func (t *Table) Lookup(id uint16) (*Entry, error) {
	if int(id) >= len(t.entries) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}

	return &t.entries[id], nil
}

// MarkInFlight records that the entry's request was pushed.
func (t *Table) MarkInFlight(id uint16) error {
	e, err := t.Lookup(id)
	if err != nil {
		return err
	}

	if e.State != Granted {
		return fmt.Errorf("%w: entry %d pushed while %s", ErrInvariant, id, e.State)
	}

	e.State = InFlight

	return nil
}

// Complete matches a response to its entry. Ids that are not in flight are a
// peer error, reported as ErrUnknownID.
func (t *Table) Complete(id uint16, status int16) (*Entry, error) {
	e, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}

	if e.State != InFlight {
		return nil, fmt.Errorf("%w: %d is %s", ErrUnknownID, id, e.State)
	}

	e.State = Completed
	e.Status = status

	return e, nil
}

// Put frees an entry. Only Granted (never pushed) and Completed entries can be freed.
func (t *Table) Put(id uint16) error {
	e, err := t.Lookup(id)
	if err != nil {
		return err
	}

	if e.State != Completed && e.State != Granted {
		return fmt.Errorf("%w: freeing %d while %s", ErrInvariant, id, e.State)
	}

	*e = Entry{ID: id}
	t.free = append(t.free, id)
	t.inflight--

	return nil
}

// Each calls fn for every entry that is not free.
func (t *Table) Each(fn func(*Entry)) {
	for i := range t.entries {
		if t.entries[i].State != Free {
			fn(&t.entries[i])
		}
	}
}
