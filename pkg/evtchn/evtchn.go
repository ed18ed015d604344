// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package evtchn binds event-channel ports to handlers.
//
// Handlers run in the upcall, the closest thing a simulated domain has to
// interrupt context. They must not block; the usual handler signals a worker.
package evtchn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// ErrClosed is returned when using a closed channel.
var ErrClosed = errors.New("event channel closed")

// Handler is invoked when a bound port is signalled.
type Handler func()

// Dispatcher owns the upcall of a domain and routes ports to channels.
type Dispatcher struct {
	logger *slog.Logger
	self   hypercall.DomID
	hv     hypercall.EventOps

	mu       sync.RWMutex
	channels map[hypercall.Port]*Channel
	spurious uint64
}

// NewDispatcher installs the upcall of self.
func NewDispatcher(logger *slog.Logger, self hypercall.DomID, hv hypercall.EventOps) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		self:     self,
		hv:       hv,
		channels: make(map[hypercall.Port]*Channel),
	}

	hv.SetUpcall(self, d.upcall)

	return d
}

func (d *Dispatcher) upcall(port hypercall.Port) {
	d.mu.RLock()
	ch, ok := d.channels[port]
	d.mu.RUnlock()

	if !ok {
		d.mu.Lock()
		d.spurious++
		d.mu.Unlock()

		util.TraceLog(d.logger, "event on unbound port", "port", port)

		return
	}

	ch.handler()
}

// Spurious counts events that arrived on ports without a channel.
func (d *Dispatcher) Spurious() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.spurious
}

// Channel is a bound port.
type Channel struct {
	logger  *slog.Logger
	d       *Dispatcher
	port    hypercall.Port
	remote  hypercall.DomID
	handler Handler

	mu     sync.Mutex
	closed bool
}

func (d *Dispatcher) bind(port hypercall.Port, remote hypercall.DomID, h Handler) *Channel {
	ch := &Channel{
		logger:  d.logger.With("port", port, "remote", remote),
		d:       d,
		port:    port,
		remote:  remote,
		handler: h,
	}

	d.mu.Lock()
	d.channels[port] = ch
	d.mu.Unlock()

	ch.logger.Debug("channel bound")

	return ch
}

// AllocUnbound allocates a port for remote to bind to and attaches h to it.
func (d *Dispatcher) AllocUnbound(remote hypercall.DomID, h Handler) (*Channel, error) {
	port, err := d.hv.AllocUnbound(d.self, remote)
	if err != nil {
		return nil, fmt.Errorf("error allocating unbound port: %w", err)
	}

	return d.bind(port, remote, h), nil
}

// BindInterdomain connects to a port remote allocated and attaches h to it.
func (d *Dispatcher) BindInterdomain(remote hypercall.DomID, remotePort hypercall.Port, h Handler) (*Channel, error) {
	port, err := d.hv.BindInterdomain(d.self, remote, remotePort)
	if err != nil {
		return nil, fmt.Errorf("error binding to %s port %d: %w", remote, remotePort, err)
	}

	return d.bind(port, remote, h), nil
}

// Port returns the local port number.
func (c *Channel) Port() hypercall.Port {
	return c.port
}

// Notify signals the remote end.
func (c *Channel) Notify() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	util.TraceLog(c.logger, "notify")

	return c.d.hv.Send(c.d.self, c.port)
}

// Close unbinds the handler and closes the port.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	c.mu.Unlock()

	c.d.mu.Lock()
	delete(c.d.channels, c.port)
	c.d.mu.Unlock()

	c.logger.Debug("closing channel")

	return c.d.hv.Close(c.d.self, c.port)
}

// Kick returns a handler that wakes a worker through a one-slot channel.
// Wakeups coalesce: a pending one absorbs the next.
func Kick(ch chan<- struct{}) Handler {
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
