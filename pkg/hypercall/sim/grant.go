// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"fmt"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// SetupGrantTable implements hypercall.GrantOps.
func (m *Machine) SetupGrantTable(id hypercall.DomID, entries hypercall.GrantEntries) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return err
	}

	d.grants = entries

	return nil
}

func (m *Machine) grantTable(id hypercall.DomID) (hypercall.GrantEntries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return nil, err
	}

	if d.grants == nil {
		return nil, fmt.Errorf("%s has no grant table: %w", id, hypercall.ErrBadGrant)
	}

	return d.grants, nil
}

// GrantMap implements hypercall.GrantOps.
func (m *Machine) GrantMap(mapper, granter hypercall.DomID, ref uint32, readonly bool) (hypercall.Mapping, error) {
	entries, err := m.grantTable(granter)
	if err != nil {
		return hypercall.Mapping{}, err
	}

	// the granter's table is consulted without holding the machine lock
	frame, err := entries.Acquire(ref, mapper, readonly)
	if err != nil {
		return hypercall.Mapping{}, fmt.Errorf("mapping ref %d of %s: %w", ref, granter, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(mapper)
	if err != nil {
		entries.Release(ref, readonly)

		return hypercall.Mapping{}, err
	}

	if !m.valid(frame) || !m.frames[frame].used || m.frames[frame].owner != granter {
		entries.Release(ref, readonly)

		return hypercall.Mapping{}, fmt.Errorf("ref %d of %s names frame %d: %w", ref, granter, frame, hypercall.ErrBadFrame)
	}

	m.nextHandle++
	h := m.nextHandle
	d.mapping[h] = &mapping{granter: granter, ref: ref, readonly: readonly, frame: frame}

	util.TraceLog(m.logger, "grant mapped", "mapper", mapper, "granter", granter, "ref", ref, "handle", h)

	return hypercall.Mapping{Handle: h, Frame: frame, Data: m.data(frame)}, nil
}

// GrantUnmap implements hypercall.GrantOps.
func (m *Machine) GrantUnmap(mapper hypercall.DomID, handle uint32) error {
	m.mu.Lock()

	d, err := m.domain(mapper)
	if err != nil {
		m.mu.Unlock()

		return err
	}

	mp, ok := d.mapping[handle]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("handle %d: %w", handle, hypercall.ErrBadHandle)
	}

	delete(d.mapping, handle)

	var entries hypercall.GrantEntries
	if g, ok := m.domains[mp.granter]; ok {
		entries = g.grants
	}

	m.mu.Unlock()

	if entries != nil {
		entries.Release(mp.ref, mp.readonly)
	}

	return nil
}

// GrantTransfer implements hypercall.GrantOps.
func (m *Machine) GrantTransfer(from hypercall.DomID, frame hypercall.MFN, to hypercall.DomID, ref uint32) error {
	entries, err := m.grantTable(to)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.domain(from)
	if err != nil {
		return err
	}

	dst, err := m.domain(to)
	if err != nil {
		return err
	}

	if !m.owned(src, frame) {
		return fmt.Errorf("transfer of frame %d: %w", frame, hypercall.ErrBadFrame)
	}

	if err := entries.AcceptTransfer(ref, from, frame); err != nil {
		return fmt.Errorf("transfer into ref %d of %s: %w", ref, to, err)
	}

	m.frames[frame].owner = to
	src.tot--
	dst.tot++

	delete(src.m2p, frame)

	for pfn, f := range src.va {
		if f == frame {
			delete(src.va, pfn)
		}
	}

	util.TraceLog(m.logger, "frame transferred", "from", from, "to", to, "frame", frame, "ref", ref)

	return nil
}
