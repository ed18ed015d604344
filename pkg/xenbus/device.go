// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package xenbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// State is the connection state a device end publishes in its "state" node.
type State int

// xen/include/public/io/xenbus.h.
const (
	StateUnknown State = iota
	StateInitialising
	StateInitWait
	StateInitialised
	StateConnected
	StateClosing
	StateClosed
	StateReconfiguring
	StateReconfigured
)

var stateNames = map[State]string{
	StateUnknown:       "Unknown",
	StateInitialising:  "Initialising",
	StateInitWait:      "InitWait",
	StateInitialised:   "Initialised",
	StateConnected:     "Connected",
	StateClosing:       "Closing",
	StateClosed:        "Closed",
	StateReconfiguring: "Reconfiguring",
	StateReconfigured:  "Reconfigured",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}

	return "INVALID"
}

// ParseState parses the decimal form stored in the "state" node.
func ParseState(s string) (State, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < int(StateUnknown) || v > int(StateReconfigured) {
		return StateUnknown, fmt.Errorf("invalid device state %q", s)
	}

	return State(v), nil
}

// Device is one end of a split device: its own node, the node of the other
// end, and the state it last published.
type Device struct {
	logger *slog.Logger
	store  Store

	NodeName   string
	OtherEnd   string
	OtherEndID hypercall.DomID

	mu    sync.Mutex
	state State
}

// NewDevice describes a device end. Nothing is written until SwitchState.
func NewDevice(logger *slog.Logger, store Store, nodeName, otherEnd string, otherEndID hypercall.DomID) *Device {
	return &Device{
		logger:     logger.With("node", nodeName),
		store:      store,
		NodeName:   nodeName,
		OtherEnd:   otherEnd,
		OtherEndID: otherEndID,
	}
}

// State returns the state last published.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// SwitchState publishes a new state. Switching to the current state writes
// nothing. A failed write is reported through Error, not Fatal, since Fatal
// switches state itself.
func (d *Device) SwitchState(ctx context.Context, s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s == d.state {
		return nil
	}

	if err := d.store.Write(ctx, Join(d.NodeName, "state"), strconv.Itoa(int(s))); err != nil {
		d.error(ctx, err, "writing new state")

		return fmt.Errorf("error switching to %s: %w", s, err)
	}

	d.logger.Debug("state switched", "from", d.state, "to", s)
	d.state = s

	return nil
}

// OtherEndState reads the state of the other end; a missing node reads as Unknown.
func (d *Device) OtherEndState(ctx context.Context) (State, error) {
	v, err := d.store.Read(ctx, Join(d.OtherEnd, "state"))

	switch {
	case errors.Is(err, ErrNotFound):
		return StateUnknown, nil
	case err != nil:
		return StateUnknown, err
	}

	return ParseState(v)
}

// Errno extracts the errno reported with an error, EIO when there is none.
func Errno(err error) int {
	var errno unix.Errno

	switch {
	case errors.As(err, &errno):
		return int(errno)
	case errors.Is(err, ErrTxConflict):
		return int(unix.EAGAIN)
	case errors.Is(err, ErrNotFound):
		return int(unix.ENOENT)
	}

	return int(unix.EIO)
}

// ErrorPath is where the error of a device is reported.
func (d *Device) ErrorPath() string {
	return Join("error", d.NodeName, "error")
}

func (d *Device) error(ctx context.Context, err error, msg string) {
	value := fmt.Sprintf("%d %s", Errno(err), msg)

	d.logger.Error("device error", "err", err, "msg", msg)

	if werr := d.store.Write(ctx, d.ErrorPath(), value); werr != nil {
		d.logger.Error("failed to write error node", "err", werr, "path", d.ErrorPath())
	}
}

// Error reports err at the error node of the device.
func (d *Device) Error(ctx context.Context, err error, format string, args ...any) {
	d.error(ctx, err, fmt.Sprintf(format, args...))
}

// Fatal reports err and switches the device to Closing.
func (d *Device) Fatal(ctx context.Context, err error, format string, args ...any) {
	d.error(ctx, err, fmt.Sprintf(format, args...))

	if serr := d.SwitchState(ctx, StateClosing); serr != nil {
		d.logger.Error("failed to switch to closing", "err", serr)
	}
}

// WatchOtherEnd calls fn with each state the other end publishes.
func (d *Device) WatchOtherEnd(ctx context.Context, w *Watcher, fn func(State)) error {
	path := Join(d.OtherEnd, "state")

	return w.RegisterWatch(ctx, path, func(_ WatchEvent) {
		s, err := d.OtherEndState(ctx)
		if err != nil {
			d.logger.Warn("error reading other end state", "err", err)

			return
		}

		fn(s)
	})
}
