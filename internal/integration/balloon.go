// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"errors"
	"log/slog"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/balloon"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// Balloon feeds the toolstack's memory target to the balloon.
type Balloon struct {
	logger  *slog.Logger
	store   xenbus.Reader
	balloon *balloon.Balloon
}

// NewBalloon creates a new balloon integration.
func NewBalloon(logger *slog.Logger, store xenbus.Reader, b *balloon.Balloon) *Balloon {
	logger.Debug("initializing")

	return &Balloon{
		logger:  logger,
		store:   store,
		balloon: b,
	}
}

// Register watches the memory target.
func (b *Balloon) Register(ctx context.Context, w *xenbus.Watcher) error {
	b.logger.Debug("registering", "path", balloon.TargetPath)

	return w.RegisterWatch(ctx, balloon.TargetPath, func(xenbus.WatchEvent) {
		b.targetChanged(ctx)
	})
}

func (b *Balloon) targetChanged(ctx context.Context) {
	v, err := b.store.Read(ctx, balloon.TargetPath)

	switch {
	case errors.Is(err, xenbus.ErrNotFound):
		util.TraceLog(b.logger, "no memory target set")

		return
	case err != nil:
		b.logger.Warn("failed to read memory target", "err", err)

		return
	}

	if err := b.balloon.TargetChanged(v); err != nil {
		b.logger.Warn("ignoring memory target", "value", v, "err", err)
	}
}
