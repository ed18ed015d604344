// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package ring

import "fmt"

// Producer is the producing side of a ring. It is not safe for concurrent use.
type Producer struct {
	r   *Ring
	pvt Index
}

// Producer attaches a producer, resuming from the shared prod index.
func (r *Ring) Producer() *Producer {
	return &Producer{r: r, pvt: r.load(offProd)}
}

// Ring returns the underlying ring.
func (p *Producer) Ring() *Ring {
	return p.r
}

// Produced returns the private producer index, including unpublished slots.
func (p *Producer) Produced() Index {
	return p.pvt
}

// Free counts slots that can be pushed without overwriting unconsumed ones.
func (p *Producer) Free() int {
	return int(p.r.capacity - uint32(p.pvt-p.r.load(offCons)))
}

// Full reports whether Push would fail.
func (p *Producer) Full() bool {
	return p.Free() == 0
}

// Push copies data into the next slot and returns its index. The slot becomes
// visible to the consumer on Publish.
func (p *Producer) Push(data []byte) (Index, error) {
	if len(data) > p.r.slotSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrSlotOverflow, len(data), p.r.slotSize)
	}

	if p.Full() {
		return 0, ErrRingFull
	}

	idx := p.pvt
	slot := p.r.Slot(idx)
	n := copy(slot, data)
	clear(slot[n:])

	p.pvt++

	return idx, nil
}

// Publish makes pushed slots visible and reports whether the consumer asked to
// be notified for them.
func (p *Producer) Publish() bool {
	old := p.r.load(offProd)
	if old == p.pvt {
		return false
	}

	p.r.store(offProd, p.pvt)

	return NeedsNotify(old, p.pvt, p.r.load(offEvent))
}
