// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package sim is an in-process machine implementing hypercall.Hypervisor.
//
// Machine memory is a single mapping split into frames. Every frame is either
// free or owned by exactly one domain. Frame numbers start at 1 so that 0 can
// stand for "no frame", the way transfer grants report an unfulfilled offer.
package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

const (
	errnoInval = 22 // EINVAL
	errnoPerm  = 1  // EPERM
)

type frameInfo struct {
	owner hypercall.DomID
	used  bool
}

type domain struct {
	id      hypercall.DomID
	tot     uint64
	pod     hypercall.PoDTarget
	grants  hypercall.GrantEntries
	upcall  func(hypercall.Port)
	ports   map[hypercall.Port]*port
	next    hypercall.Port
	va      map[hypercall.PFN]hypercall.MFN
	m2p     map[hypercall.MFN]hypercall.PFN
	mapping map[uint32]*mapping
}

type mapping struct {
	granter  hypercall.DomID
	ref      uint32
	readonly bool
	frame    hypercall.MFN
}

// Machine is a simulated host. It is safe for concurrent use.
type Machine struct {
	logger *slog.Logger

	mu         sync.Mutex
	mem        []byte
	frames     []frameInfo
	free       []hypercall.MFN
	domains    map[hypercall.DomID]*domain
	nextHandle uint32

	// populateBudget caps how many more frames PopulatePhysmap hands out, -1 is unlimited.
	populateBudget int
	// failMulticalls is the number of upcoming multicalls whose calls all fail.
	failMulticalls int
}

var _ hypercall.Hypervisor = (*Machine)(nil)

// NewMachine creates a machine with the given number of frames.
func NewMachine(logger *slog.Logger, frames int) (*Machine, error) {
	if frames <= 0 {
		return nil, errors.New("machine needs at least one frame")
	}

	mem, err := mapMemory(frames * hypercall.PageSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		logger:         logger,
		mem:            mem,
		frames:         make([]frameInfo, frames+1),
		free:           make([]hypercall.MFN, 0, frames),
		domains:        make(map[hypercall.DomID]*domain),
		populateBudget: -1,
	}

	// lowest frames are handed out first
	for f := frames; f >= 1; f-- {
		m.free = append(m.free, hypercall.MFN(f))
	}

	return m, nil
}

// Shutdown releases machine memory. Frame data slices are invalid afterwards.
func (m *Machine) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := unmapMemory(m.mem)
	m.mem = nil

	return err
}

// CreateDomain creates a domain owning pages fresh frames.
func (m *Machine) CreateDomain(id hypercall.DomID, pages int) ([]hypercall.MFN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.domains[id]; ok {
		return nil, fmt.Errorf("domain %s already exists", id)
	}

	if pages > len(m.free) {
		return nil, fmt.Errorf("creating %s: %w", id, hypercall.ErrNoMemory)
	}

	d := &domain{
		id:      id,
		ports:   make(map[hypercall.Port]*port),
		next:    1,
		va:      make(map[hypercall.PFN]hypercall.MFN),
		m2p:     make(map[hypercall.MFN]hypercall.PFN),
		mapping: make(map[uint32]*mapping),
	}
	m.domains[id] = d

	frames := make([]hypercall.MFN, 0, pages)
	for range pages {
		frames = append(frames, m.takeFrame(d))
	}

	m.logger.Debug("domain created", "domain", id, "pages", pages)

	return frames, nil
}

// SetPoD sets the populate-on-demand entries and cache of a domain.
func (m *Machine) SetPoD(id hypercall.DomID, entries, cache uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.domains[id]
	if !ok {
		return hypercall.ErrNoDomain
	}

	d.pod.PoDEntries = entries
	d.pod.PoDCache = cache

	return nil
}

// LimitPopulate lets PopulatePhysmap hand out at most n more frames; n < 0 lifts the limit.
func (m *Machine) LimitPopulate(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.populateBudget = n
}

// FailMulticalls makes every call of the next n multicalls fail with EINVAL
// without applying it.
func (m *Machine) FailMulticalls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failMulticalls = n
}

// FreeFrames returns the number of unowned frames.
func (m *Machine) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.free)
}

// Owner returns the owner of frame.
func (m *Machine) Owner(frame hypercall.MFN) (hypercall.DomID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.valid(frame) || !m.frames[frame].used {
		return 0, false
	}

	return m.frames[frame].owner, true
}

// TotPages returns the number of frames dom owns.
func (m *Machine) TotPages(id hypercall.DomID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.domains[id]; ok {
		return d.tot
	}

	return 0
}

// VAMapping returns the kernel mapping of pfn in dom, as set through multicalls.
func (m *Machine) VAMapping(id hypercall.DomID, pfn hypercall.PFN) (hypercall.MFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.domains[id]
	if !ok {
		return 0, false
	}

	f, ok := d.va[pfn]

	return f, ok
}

// Mappings returns how many grant mappings dom holds.
func (m *Machine) Mappings(id hypercall.DomID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.domains[id]; ok {
		return len(d.mapping)
	}

	return 0
}

func (m *Machine) valid(frame hypercall.MFN) bool {
	return frame >= 1 && int(frame) < len(m.frames)
}

func (m *Machine) data(frame hypercall.MFN) []byte {
	off := int(frame-1) * hypercall.PageSize

	return m.mem[off : off+hypercall.PageSize : off+hypercall.PageSize]
}

// takeFrame pops a free frame, zeroes it and gives it to d. Caller checks availability.
func (m *Machine) takeFrame(d *domain) hypercall.MFN {
	f := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	clear(m.data(f))
	m.frames[f] = frameInfo{owner: d.id, used: true}
	d.tot++

	return f
}

func (m *Machine) owned(d *domain, frame hypercall.MFN) bool {
	return m.valid(frame) && m.frames[frame].used && m.frames[frame].owner == d.id
}

func (m *Machine) domain(id hypercall.DomID) (*domain, error) {
	d, ok := m.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hypercall.ErrNoDomain, id)
	}

	return d, nil
}

// PopulatePhysmap implements hypercall.MemoryOps.
func (m *Machine) PopulatePhysmap(id hypercall.DomID, pfns []hypercall.PFN) ([]hypercall.MFN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return nil, err
	}

	n := min(len(pfns), len(m.free))
	if m.populateBudget >= 0 {
		n = min(n, m.populateBudget)
		m.populateBudget -= n
	}

	frames := make([]hypercall.MFN, 0, n)
	for _, pfn := range pfns[:n] {
		f := m.takeFrame(d)
		d.m2p[f] = pfn
		frames = append(frames, f)
	}

	util.TraceLog(m.logger, "populate physmap", "domain", id, "requested", len(pfns), "populated", n)

	return frames, nil
}

// DecreaseReservation implements hypercall.MemoryOps.
func (m *Machine) DecreaseReservation(id hypercall.DomID, frames []hypercall.MFN) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return 0, err
	}

	return m.decrease(d, frames)
}

func (m *Machine) decrease(d *domain, frames []hypercall.MFN) (int, error) {
	for i, f := range frames {
		if !m.owned(d, f) {
			return i, fmt.Errorf("decrease reservation of frame %d: %w", f, hypercall.ErrBadFrame)
		}

		m.frames[f] = frameInfo{}
		delete(d.m2p, f)
		m.free = append(m.free, f)
		d.tot--
	}

	util.TraceLog(m.logger, "decrease reservation", "domain", d.id, "frames", len(frames))

	return len(frames), nil
}

// PoDTarget implements hypercall.MemoryOps.
func (m *Machine) PoDTarget(id hypercall.DomID) (hypercall.PoDTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return hypercall.PoDTarget{}, err
	}

	t := d.pod
	t.TotPages = d.tot

	return t, nil
}

// Multicall implements hypercall.MemoryOps.
func (m *Machine) Multicall(id hypercall.DomID, b *hypercall.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return err
	}

	calls := b.Calls()

	if m.failMulticalls > 0 {
		m.failMulticalls--

		for i := range calls {
			calls[i].Result = -errnoInval
		}

		return nil
	}

	for i := range calls {
		c := &calls[i]

		switch c.Op {
		case hypercall.OpUpdateVAMapping:
			if c.Frame == hypercall.InvalidMFN {
				delete(d.va, c.PFN)

				continue
			}

			if !m.owned(d, c.Frame) {
				c.Result = -errnoPerm

				continue
			}

			d.va[c.PFN] = c.Frame
		case hypercall.OpMMUUpdate:
			if !m.owned(d, c.Frame) {
				c.Result = -errnoPerm

				continue
			}

			d.m2p[c.Frame] = c.PFN
		case hypercall.OpDecreaseReservation:
			n, _ := m.decrease(d, c.Frames) //nolint:errcheck

			c.Result = int64(n)
		default:
			c.Result = -errnoInval
		}
	}

	return nil
}

// FrameData implements hypercall.MemoryOps.
func (m *Machine) FrameData(id hypercall.DomID, frame hypercall.MFN) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.domain(id)
	if err != nil {
		return nil, err
	}

	if !m.owned(d, frame) {
		return nil, fmt.Errorf("frame %d: %w", frame, hypercall.ErrBadFrame)
	}

	return m.data(frame), nil
}
