// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// Watchable is a device end that follows the state of its peer.
type Watchable interface {
	Watch(ctx context.Context, w *xenbus.Watcher) error
}

// Device connects a device end to its peer's state node.
type Device struct {
	logger *slog.Logger
	name   string
	dev    Watchable
}

// NewDevice creates a new device integration.
func NewDevice(logger *slog.Logger, name string, dev Watchable) *Device {
	logger.Debug("initializing", "device", name)

	return &Device{
		logger: logger,
		name:   name,
		dev:    dev,
	}
}

// Register watches the peer's state.
func (d *Device) Register(ctx context.Context, w *xenbus.Watcher) error {
	d.logger.Debug("registering", "device", d.name)

	if err := d.dev.Watch(ctx, w); err != nil {
		return fmt.Errorf("error watching %s: %w", d.name, err)
	}

	return nil
}
