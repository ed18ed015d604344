// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xenpvd/internal/integration"
	"github.com/siderolabs/talos-xenpvd/pkg/balloon"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

const (
	guestDom   hypercall.DomID = 1
	backendDom hypercall.DomID = 0
)

// guest is a simulated domain with its store, memory and balloon.
type guest struct {
	m       *sim.Machine
	store   *xenbus.MemStore
	arena   *mm.Arena
	alloc   *mm.Allocator
	balloon *balloon.Balloon
	watcher *xenbus.Watcher

	stopOnce sync.Once
}

func newGuest() (*guest, error) {
	frames, pages := viper.GetInt(flagSimFrames), viper.GetInt(flagSimPages)
	if pages <= 0 || pages > frames {
		return nil, fmt.Errorf("cannot fit a %d page guest into %d frames", pages, frames)
	}

	m, err := sim.NewMachine(logger.With("module", "sim"), frames)
	if err != nil {
		return nil, err
	}

	owned, err := m.CreateDomain(guestDom, pages)
	if err != nil {
		m.Shutdown() //nolint:errcheck

		return nil, err
	}

	g := &guest{
		m:     m,
		store: xenbus.NewMemStore(logger.With("module", "xenstore")),
	}

	g.arena = mm.NewArena(mm.ArenaConfig{Domain: guestDom, Frames: owned, LowPages: len(owned)}, m)
	g.alloc = mm.NewAllocator(logger.With("module", "mm"), g.arena)

	g.balloon, err = balloon.New(logger, balloon.Config{Store: g.store}, m, g.arena, g.alloc)
	if err != nil {
		m.Shutdown() //nolint:errcheck

		return nil, err
	}

	g.watcher = xenbus.NewWatcher(logger.With("module", "watcher"), g.store)

	return g, nil
}

// start registers the integrations and starts the balloon and watch workers.
func (g *guest) start(ctx context.Context, extra ...integration.Integration) error {
	integrations := append([]integration.Integration{
		integration.NewBalloon(logger.With("integration", "balloon"), g.store, g.balloon),
	}, extra...)

	if err := integration.RegisterAll(ctx, g.watcher, integrations...); err != nil {
		return err
	}

	g.balloon.Start()
	g.watcher.Start()

	return nil
}

func (g *guest) stop() {
	g.stopOnce.Do(func() {
		g.watcher.Stop()
		g.watcher.Wait()

		g.balloon.Stop()
		g.balloon.Wait()
	})
}

func (g *guest) close() {
	if err := g.m.Shutdown(); err != nil {
		logger.Warn("failed to release simulated machine", "err", err)
	}
}

// setTarget writes a memory target the way the toolstack does and waits for
// the balloon to get as close as it can.
func (g *guest) setTarget(ctx context.Context, kib uint64, timeout time.Duration) error {
	if err := xenbus.WriteUint(ctx, g.store, balloon.TargetPath, kib); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	want := balloon.KiBToPages(kib)

	for {
		st := g.balloon.Status()

		// until the watch fires the old target is still in place
		seen := st.Target == want || st.Target == st.Minimum
		if seen && st.Current == min(st.Target, st.Maximum) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("balloon did not settle at %d pages, current %d: %w", st.Target, st.Current, ctx.Err())
		case <-ticker.C:
		}
	}
}
