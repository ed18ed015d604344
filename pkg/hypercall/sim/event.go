// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"fmt"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

type portState int

const (
	portUnbound portState = iota + 1
	portInterdomain
)

type port struct {
	state      portState
	remote     hypercall.DomID
	remotePort hypercall.Port
}

// AllocUnbound implements hypercall.EventOps.
func (m *Machine) AllocUnbound(id, remote hypercall.DomID) (hypercall.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return 0, err
	}

	p := d.next
	d.next++
	d.ports[p] = &port{state: portUnbound, remote: remote}

	return p, nil
}

// BindInterdomain implements hypercall.EventOps.
func (m *Machine) BindInterdomain(id, remote hypercall.DomID, remotePort hypercall.Port) (hypercall.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return 0, err
	}

	r, err := m.domain(remote)
	if err != nil {
		return 0, err
	}

	rp, ok := r.ports[remotePort]
	if !ok || rp.state != portUnbound || rp.remote != id {
		return 0, fmt.Errorf("binding %s:%d: %w", remote, remotePort, hypercall.ErrBadPort)
	}

	p := d.next
	d.next++
	d.ports[p] = &port{state: portInterdomain, remote: remote, remotePort: remotePort}

	rp.state = portInterdomain
	rp.remotePort = p

	return p, nil
}

// Send implements hypercall.EventOps. The remote upcall runs on the caller's goroutine.
func (m *Machine) Send(id hypercall.DomID, p hypercall.Port) error {
	m.mu.Lock()

	d, err := m.domain(id)
	if err != nil {
		m.mu.Unlock()

		return err
	}

	lp, ok := d.ports[p]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("send on %d: %w", p, hypercall.ErrBadPort)
	}

	if lp.state != portInterdomain {
		// nobody to notify yet
		m.mu.Unlock()

		return nil
	}

	var upcall func(hypercall.Port)
	if r, ok := m.domains[lp.remote]; ok {
		upcall = r.upcall
	}

	remotePort := lp.remotePort
	m.mu.Unlock()

	util.TraceLog(m.logger, "event sent", "domain", id, "port", p, "remote_port", remotePort)

	if upcall != nil {
		upcall(remotePort)
	}

	return nil
}

// Close implements hypercall.EventOps.
func (m *Machine) Close(id hypercall.DomID, p hypercall.Port) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return err
	}

	lp, ok := d.ports[p]
	if !ok {
		return fmt.Errorf("close of %d: %w", p, hypercall.ErrBadPort)
	}

	delete(d.ports, p)

	if lp.state == portInterdomain {
		if r, ok := m.domains[lp.remote]; ok {
			if rp, ok := r.ports[lp.remotePort]; ok {
				rp.state = portUnbound
				rp.remote = id
				rp.remotePort = 0
			}
		}
	}

	return nil
}

// SetUpcall implements hypercall.EventOps.
func (m *Machine) SetUpcall(id hypercall.DomID, fn func(hypercall.Port)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.domains[id]; ok {
		d.upcall = fn
	}
}
