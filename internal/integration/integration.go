// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package integration connects the drivers to the control-plane store.
package integration

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// Integration is the interface every integration should implement.
type Integration interface {
	Register(ctx context.Context, w *xenbus.Watcher) error
}

// RegisterAll registers every integration with w, continuing past failures.
func RegisterAll(ctx context.Context, w *xenbus.Watcher, integrations ...Integration) error {
	var errs *multierror.Error

	for _, i := range integrations {
		if err := i.Register(ctx, w); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}
