// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package shadow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
)

const (
	// MaxSegmentsPerSlot segments fit in a request slot.
	MaxSegmentsPerSlot = 11
	// DescriptorSize is the size of an indirect segment descriptor.
	DescriptorSize = 8
	// SegmentsPerIndirectPage descriptors fit in one indirect page.
	SegmentsPerIndirectPage = hypercall.PageSize / DescriptorSize
	// MaxIndirectPages is the number of indirect refs a slot can carry.
	MaxIndirectPages = 8
)

// ErrTooManySegments is returned for requests that do not fit even indirectly.
var ErrTooManySegments = errors.New("too many segments")

// Descriptor describes one segment inside an indirect page.
type Descriptor struct {
	Ref    gnttab.Ref
	Offset uint16
	Length uint16
}

// PutDescriptor encodes d at slot i of an indirect page.
func PutDescriptor(page []byte, i int, d Descriptor) {
	b := page[i*DescriptorSize:]
	binary.LittleEndian.PutUint32(b[0:], uint32(d.Ref))
	binary.LittleEndian.PutUint16(b[4:], d.Offset)
	binary.LittleEndian.PutUint16(b[6:], d.Length)
}

// GetDescriptor decodes slot i of an indirect page.
func GetDescriptor(page []byte, i int) Descriptor {
	b := page[i*DescriptorSize:]

	return Descriptor{
		Ref:    gnttab.Ref(binary.LittleEndian.Uint32(b[0:])),
		Offset: binary.LittleEndian.Uint16(b[4:]),
		Length: binary.LittleEndian.Uint16(b[6:]),
	}
}

// IndirectPages returns how many indirect pages n segments need, 0 if they fit in the slot.
func IndirectPages(n int) int {
	if n <= MaxSegmentsPerSlot {
		return 0
	}

	return (n + SegmentsPerIndirectPage - 1) / SegmentsPerIndirectPage
}

// PageSource provides pages for indirect descriptors.
type PageSource interface {
	AllocPage() (mm.Page, error)
	FreePage(mm.Page) error
}

// Granter binds entries to grants from a reference pool.
type Granter struct {
	logger *slog.Logger
	grants *gnttab.Table
	head   *gnttab.Head
	peer   hypercall.DomID
	pages  PageSource
	policy util.RetryPolicy
}

// NewGranter creates a granter giving peer access through refs of head.
func NewGranter(logger *slog.Logger, grants *gnttab.Table, head *gnttab.Head, peer hypercall.DomID, pages PageSource, policy util.RetryPolicy) *Granter {
	return &Granter{
		logger: logger,
		grants: grants,
		head:   head,
		peer:   peer,
		pages:  pages,
		policy: policy,
	}
}

func (g *Granter) grant(s *Segment) error {
	ref, err := g.head.Claim()
	if err != nil {
		return err
	}

	switch s.Mode {
	case gnttab.Transfer:
		err = g.grants.GrantTransferRef(ref, g.peer)
	default:
		err = g.grants.GrantAccessRef(ref, g.peer, s.Frame, s.Mode == gnttab.ReadOnly)
	}

	if err != nil {
		g.head.Release(ref) //nolint:errcheck

		return err
	}

	s.Ref = ref

	return nil
}

// Grant grants every segment to the peer and, for more than
// MaxSegmentsPerSlot segments, frames them in indirect pages. On failure
// nothing stays granted.
func (g *Granter) Grant(e *Entry, segs []Segment) error {
	if len(segs) > MaxIndirectPages*SegmentsPerIndirectPage {
		return fmt.Errorf("%w: %d", ErrTooManySegments, len(segs))
	}

	if e.State != Granted {
		return fmt.Errorf("%w: granting entry %d while %s", ErrInvariant, e.ID, e.State)
	}

	e.Segments = make([]Segment, len(segs))
	copy(e.Segments, segs)

	for i := range e.Segments {
		if err := g.grant(&e.Segments[i]); err != nil {
			g.ForceReclaim(e) //nolint:errcheck

			return fmt.Errorf("error granting segment %d: %w", i, err)
		}
	}

	n := IndirectPages(len(segs))

	for p := range n {
		page, err := g.pages.AllocPage()
		if err != nil {
			g.ForceReclaim(e) //nolint:errcheck

			return fmt.Errorf("error allocating indirect page: %w", err)
		}

		clear(page.Data)

		first := p * SegmentsPerIndirectPage
		last := min(first+SegmentsPerIndirectPage, len(e.Segments))

		for i, s := range e.Segments[first:last] {
			PutDescriptor(page.Data, i, Descriptor{Ref: s.Ref, Offset: s.Offset, Length: s.Length})
		}

		ind := Segment{Frame: page.Frame, Mode: gnttab.ReadOnly}
		if err := g.grant(&ind); err != nil {
			g.pages.FreePage(page) //nolint:errcheck
			g.ForceReclaim(e)      //nolint:errcheck

			return fmt.Errorf("error granting indirect page: %w", err)
		}

		e.Indirect = append(e.Indirect, IndirectPage{Ref: ind.Ref, Page: page})
	}

	util.TraceLog(g.logger, "entry granted", "id", e.ID, "segments", len(segs), "indirect", n)

	return nil
}

func (g *Granter) end(ctx context.Context, s *Segment) error {
	if s.Ref == gnttab.InvalidRef {
		return nil
	}

	if s.Mode == gnttab.Transfer {
		frame, err := g.grants.EndTransferRef(s.Ref)
		if err != nil {
			return err
		}

		s.Received = frame
	} else if err := g.grants.EndAccessRefRetry(ctx, s.Ref, g.policy); err != nil {
		return err
	}

	if err := g.head.Release(s.Ref); err != nil {
		return err
	}

	s.Ref = gnttab.InvalidRef

	return nil
}

// Reclaim ends every grant of a completed entry, waiting within the retry
// policy for the peer to unmap. A grant the peer never lets go is reported
// with gnttab.ErrGrantStuck and stays claimed.
func (g *Granter) Reclaim(ctx context.Context, e *Entry) error {
	var errs error

	for i := range e.Indirect {
		ind := Segment{Ref: e.Indirect[i].Ref, Mode: gnttab.ReadOnly}
		if err := g.end(ctx, &ind); err != nil {
			errs = multierror.Append(errs, err)

			continue
		}

		if err := g.pages.FreePage(e.Indirect[i].Page); err != nil {
			errs = multierror.Append(errs, err)
		}

		e.Indirect[i].Ref = gnttab.InvalidRef
	}

	for i := range e.Segments {
		if err := g.end(ctx, &e.Segments[i]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if errs != nil {
		g.logger.Error("failed to reclaim grants", "id", e.ID, "err", errs)
	}

	return errs
}

// ForceReclaim revokes every grant of an entry whether or not the peer has
// unmapped it. Used on teardown and to roll back a failed Grant.
func (g *Granter) ForceReclaim(e *Entry) error {
	var errs error

	for i := range e.Indirect {
		if e.Indirect[i].Ref == gnttab.InvalidRef {
			continue
		}

		g.grants.ForceEnd(e.Indirect[i].Ref)

		if err := g.head.Release(e.Indirect[i].Ref); err != nil {
			errs = multierror.Append(errs, err)
		}

		if err := g.pages.FreePage(e.Indirect[i].Page); err != nil {
			errs = multierror.Append(errs, err)
		}

		e.Indirect[i].Ref = gnttab.InvalidRef
	}

	e.Indirect = nil

	for i := range e.Segments {
		s := &e.Segments[i]
		if s.Ref == gnttab.InvalidRef {
			continue
		}

		if s.Mode == gnttab.Transfer {
			frame, err := g.grants.EndTransferRef(s.Ref)
			if err != nil {
				errs = multierror.Append(errs, err)
			}

			s.Received = frame
		} else {
			g.grants.ForceEnd(s.Ref)
		}

		if err := g.head.Release(s.Ref); err != nil {
			errs = multierror.Append(errs, err)
		}

		s.Ref = gnttab.InvalidRef
	}

	return errs
}
