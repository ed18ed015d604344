// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package balloon grows and shrinks the memory reservation of a domain
// towards a target set by the toolstack.
//
// Pages handed back to the hypervisor stay in the PFN space as reserved,
// unbacked pages on the balloon list. Counters always satisfy
// Current + Low + High == the number of PFNs the balloon knows about, with
// driver pages accounted separately.
package balloon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

// FramesPerBatch bounds a single reservation change to one page of frame numbers.
const FramesPerBatch = hypercall.PageSize / 8

// DefaultRetryInterval is how long the worker sleeps before retrying a partial adjustment.
const DefaultRetryInterval = time.Second

// Store paths the balloon reports through.
const (
	TargetPath = "memory/target"
	FlagPath   = "control/uvp/Balloon_flag"
)

var (
	// ErrReservationMismatch is returned when the hypervisor released a
	// different number of frames than asked for. The balloon stops adjusting.
	ErrReservationMismatch = errors.New("reservation decrease mismatch")

	// ErrStopped is returned by Process after an unrecoverable error.
	ErrStopped = errors.New("balloon stopped")
)

// Config configures a Balloon.
type Config struct {
	// PhysPages is the size of the PFN space used for the minimum target; 0 uses the arena size.
	PhysPages int
	// RetryInterval defaults to DefaultRetryInterval.
	RetryInterval time.Duration
	// Store receives progress reports, nil disables them.
	Store xenbus.Writer
}

// Balloon is the balloon driver of one domain.
type Balloon struct { //nolint:govet
	logger *slog.Logger
	cfg    Config
	dom    hypercall.DomID
	mem    hypercall.MemoryOps
	arena  *mm.Arena
	alloc  *mm.Allocator

	// work serializes Process
	work   sync.Mutex
	failed error
	batch  hypercall.Batch
	frames []hypercall.MFN

	// lock guards the counters and the list
	lock     sync.Mutex
	list     *pageList
	current  int
	target   int
	driver   int
	clamped  bool
	reported uint64

	stop chan struct{}
	wake chan struct{}
	wg   *sync.WaitGroup
}

// New initializes the balloon from the hypervisor's view of the domain. PFNs
// of the arena without a machine frame start out ballooned.
func New(logger *slog.Logger, cfg Config, mem hypercall.MemoryOps, arena *mm.Arena, alloc *mm.Allocator) (*Balloon, error) {
	if cfg.PhysPages == 0 {
		cfg.PhysPages = int(arena.MaxPFN())
	}

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	b := &Balloon{
		logger: logger.With("module", "balloon"),
		cfg:    cfg,
		dom:    arena.Domain(),
		mem:    mem,
		arena:  arena,
		alloc:  alloc,
		list:   newPageList(),
		frames: make([]hypercall.MFN, 0, FramesPerBatch),
		stop:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		wg:     new(sync.WaitGroup),
	}

	pod, err := mem.PoDTarget(b.dom)
	if err != nil {
		return nil, fmt.Errorf("reading populate-on-demand target: %w", err)
	}

	current := int(pod.TotPages + pod.PoDEntries - pod.PoDCache)
	b.current = min(current, cfg.PhysPages)
	b.target = b.current

	for pfn := range arena.MaxPFN() {
		if arena.P2M(pfn) != hypercall.InvalidMFN {
			continue
		}

		b.list.push(pfn, arena.IsHighMem(pfn))
	}

	b.logger.Info("balloon initialized", "current_kib", PagesToKiB(b.current), "ballooned", b.list.len())

	return b, nil
}

// Start launches the worker.
func (b *Balloon) Start() {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		b.run()
	}()
}

// Stop asks the worker to exit.
func (b *Balloon) Stop() {
	close(b.stop)
}

// Wait waits for the worker to exit.
func (b *Balloon) Wait() {
	b.wg.Wait()
}

func (b *Balloon) schedule() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Balloon) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-b.stop
		cancel()
	}()

	var (
		timer *time.Timer
		retry <-chan time.Time
	)

	for {
		select {
		case <-b.stop:
			if timer != nil {
				timer.Stop()
			}

			return
		case <-b.wake:
		case <-retry:
			retry = nil
		}

		again, err := b.Process(ctx)

		switch {
		case errors.Is(err, ErrStopped), errors.Is(err, ErrReservationMismatch):
			b.logger.Error("balloon worker giving up", "err", err)

			return
		case err != nil:
			b.logger.Warn("balloon adjustment failed, will retry", "err", err)

			again = true
		}

		if again && retry == nil {
			if timer == nil {
				timer = time.NewTimer(b.cfg.RetryInterval)
			} else {
				timer.Reset(b.cfg.RetryInterval)
			}

			retry = timer.C
		}
	}
}

// currentTarget is the target capped at what the balloon can reach. Caller holds lock.
func (b *Balloon) currentTarget() int {
	return min(b.target, b.current+b.list.low+b.list.high)
}

func (b *Balloon) minimumTarget() int {
	return min(MinimumTarget(b.cfg.PhysPages), b.currentTarget())
}

// SetTarget requests a new reservation in pages. Targets below the minimum
// are raised to it. The adjustment happens on the worker.
func (b *Balloon) SetTarget(pages int) {
	b.lock.Lock()

	floor := b.minimumTarget()
	b.clamped = pages < floor
	b.target = max(pages, floor)

	b.logger.Info("balloon target set", "requested_kib", PagesToKiB(pages), "target_kib", PagesToKiB(b.target), "clamped", b.clamped)

	b.lock.Unlock()

	b.schedule()
}

// TargetChanged handles a memory/target store value in KiB. Values the
// balloon wrote back itself are ignored.
func (b *Balloon) TargetChanged(value string) error {
	kib, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", TargetPath, value, err)
	}

	b.lock.Lock()
	echo := b.reported != 0 && kib == b.reported
	b.reported = 0
	b.lock.Unlock()

	if echo {
		return nil
	}

	b.SetTarget(KiBToPages(kib))

	return nil
}

// Process moves the reservation towards the target. It reports whether work
// is left and a retry is due.
func (b *Balloon) Process(ctx context.Context) (bool, error) {
	b.work.Lock()
	defer b.work.Unlock()

	if b.failed != nil {
		return false, fmt.Errorf("%w: %w", ErrStopped, b.failed)
	}

	b.lock.Lock()
	done := b.currentTarget() == b.current
	b.lock.Unlock()

	if done {
		return false, nil
	}

	b.report(ctx, FlagPath, 1)

	var (
		needSleep bool
		err       error
	)

	for {
		b.lock.Lock()
		credit := b.currentTarget() - b.current
		b.lock.Unlock()

		switch {
		case credit > 0:
			needSleep, err = b.increase(credit)
		case credit < 0:
			needSleep, err = b.decrease(-credit)
		}

		if err != nil || credit == 0 || needSleep {
			break
		}
	}

	if errors.Is(err, ErrReservationMismatch) {
		b.failed = err
	}

	b.lock.Lock()
	again := b.currentTarget() != b.current
	clamped := b.clamped
	current := b.current
	b.lock.Unlock()

	if again || clamped {
		b.lock.Lock()
		b.reported = PagesToKiB(current)
		b.lock.Unlock()

		b.report(ctx, TargetPath, PagesToKiB(current))
	}

	b.report(ctx, FlagPath, 0)

	util.TraceLog(b.logger, "balloon processed", "current", current, "again", again, "err", err)

	return again, err
}

func (b *Balloon) report(ctx context.Context, path string, v uint64) {
	if b.cfg.Store == nil {
		return
	}

	if err := xenbus.WriteUint(ctx, b.cfg.Store, path, v); err != nil {
		b.logger.Warn("failed to report balloon progress", "path", path, "err", err)
	}
}

// Increase repopulates up to n ballooned pages in one batch.
func (b *Balloon) Increase(n int) (needSleep bool, err error) {
	b.work.Lock()
	defer b.work.Unlock()

	return b.increase(n)
}

// Decrease balloons out up to n pages in one batch.
func (b *Balloon) Decrease(n int) (needSleep bool, err error) {
	b.work.Lock()
	defer b.work.Unlock()

	return b.decrease(n)
}

func (b *Balloon) increase(n int) (bool, error) {
	n = min(n, FramesPerBatch)

	b.lock.Lock()
	defer b.lock.Unlock()

	pfns := b.list.head(n)
	if len(pfns) == 0 {
		return true, nil
	}

	frames, err := b.mem.PopulatePhysmap(b.dom, pfns)
	if err != nil {
		return true, fmt.Errorf("populating %d pages: %w", len(pfns), err)
	}

	b.batch.Reset()

	popped := make([]listItem, 0, len(frames))

	for i, frame := range frames {
		it, ok := b.list.popFront()
		if !ok || it.pfn != pfns[i] {
			if ok {
				b.list.restore(it)
			}

			return true, b.undoIncrease(popped, frames, fmt.Errorf("balloon list changed under populate at pfn %d", pfns[i]))
		}

		popped = append(popped, it)

		if err = b.arena.SetP2M(it.pfn, frame); err != nil {
			return true, b.undoIncrease(popped, frames, err)
		}

		if !it.high {
			b.batch.UpdateVAMapping(it.pfn, frame)
		}
	}

	if b.batch.Len() > 0 {
		if err = b.mem.Multicall(b.dom, &b.batch); err == nil {
			err = b.batch.Check()
		}

		if err != nil {
			return true, b.undoIncrease(popped, frames, fmt.Errorf("mapping repopulated pages: %w", err))
		}
	}

	for _, pfn := range pfns[:len(frames)] {
		b.arena.SetReserved(pfn, false) //nolint:errcheck

		if err = b.alloc.Release(pfn); err != nil {
			return true, err
		}
	}

	b.current += len(frames)

	util.TraceLog(b.logger, "balloon increased", "requested", n, "populated", len(frames))

	return len(frames) != len(pfns), nil
}

// undoIncrease puts popped pages back on the list and hands the populated
// frames back, so a failed batch leaves the reservation as it found it.
// Called with b.lock held.
func (b *Balloon) undoIncrease(popped []listItem, frames []hypercall.MFN, cause error) error {
	b.batch.Reset()

	for _, it := range popped {
		b.list.restore(it)
		b.arena.SetP2M(it.pfn, hypercall.InvalidMFN) //nolint:errcheck

		if !it.high {
			b.batch.UpdateVAMapping(it.pfn, hypercall.InvalidMFN)
		}
	}

	if b.batch.Len() > 0 {
		if err := b.mem.Multicall(b.dom, &b.batch); err != nil {
			b.logger.Warn("failed to unmap pages of an aborted increase", "err", err)
		}
	}

	released, err := b.mem.DecreaseReservation(b.dom, frames)
	if released != len(frames) {
		return fmt.Errorf("%w: returned %d of %d populated frames: %w", ErrReservationMismatch, released, len(frames), multierror.Append(cause, err))
	}

	return cause
}

func (b *Balloon) decrease(n int) (bool, error) {
	n = min(n, FramesPerBatch)

	var (
		needSleep bool
		pfns      []hypercall.PFN
	)

	for range n {
		pfn, err := b.alloc.Alloc(mm.AllocBalloon)
		if err != nil {
			needSleep = true

			break
		}

		pfns = append(pfns, pfn)
	}

	if len(pfns) == 0 {
		return needSleep, nil
	}

	b.frames = b.frames[:0]
	b.batch.Reset()

	for _, pfn := range pfns {
		if err := b.arena.Scrub(pfn); err != nil {
			b.releaseAll(pfns)

			return true, err
		}

		b.frames = append(b.frames, b.arena.P2M(pfn))

		if !b.arena.IsHighMem(pfn) {
			b.batch.UpdateVAMapping(pfn, hypercall.InvalidMFN)
		}
	}

	if b.batch.Len() > 0 {
		err := b.mem.Multicall(b.dom, &b.batch)
		if err == nil {
			err = b.batch.Check()
		}

		if err != nil {
			b.releaseAll(pfns)

			return true, fmt.Errorf("unmapping pages: %w", err)
		}
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	for _, pfn := range pfns {
		b.list.push(pfn, b.arena.IsHighMem(pfn))
		b.arena.SetReserved(pfn, true)            //nolint:errcheck
		b.arena.SetP2M(pfn, hypercall.InvalidMFN) //nolint:errcheck
	}

	released, err := b.mem.DecreaseReservation(b.dom, b.frames)
	if released != len(b.frames) {
		return true, fmt.Errorf("%w: released %d of %d: %w", ErrReservationMismatch, released, len(b.frames), err)
	}

	b.current -= len(pfns)

	util.TraceLog(b.logger, "balloon decreased", "requested", n, "released", released)

	return needSleep, nil
}

func (b *Balloon) releaseAll(pfns []hypercall.PFN) {
	for _, pfn := range pfns {
		b.alloc.Release(pfn) //nolint:errcheck
	}
}

// Current returns the number of pages the domain holds.
func (b *Balloon) Current() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.current
}

// Target returns the requested target in pages.
func (b *Balloon) Target() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.target
}

// MinimumTarget returns the floor SetTarget clamps to.
func (b *Balloon) MinimumTarget() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.minimumTarget()
}

// Stats returns a snapshot of the counters.
func (b *Balloon) Stats() Stats {
	b.lock.Lock()
	defer b.lock.Unlock()

	return Stats{
		Current: b.current,
		Target:  b.target,
		Low:     b.list.low,
		High:    b.list.high,
		Driver:  b.driver,
	}
}

// Status returns the counters with the limits they are kept within.
func (b *Balloon) Status() Report {
	b.lock.Lock()
	defer b.lock.Unlock()

	return Report{
		Stats: Stats{
			Current: b.current,
			Target:  b.target,
			Low:     b.list.low,
			High:    b.list.high,
			Driver:  b.driver,
		},
		Minimum: b.minimumTarget(),
		Maximum: b.current + b.list.low + b.list.high,
	}
}

// Ballooned lists ballooned PFNs in repopulation order.
func (b *Balloon) Ballooned() []hypercall.PFN {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.list.head(b.list.len())
}
