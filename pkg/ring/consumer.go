// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package ring

// Consumer is the consuming side of a ring. It is not safe for concurrent use.
type Consumer struct {
	r    *Ring
	cons Index

	// limit is the producer index snapshot of the current batch.
	limit Index
	open  bool
}

// Consumer attaches a consumer, resuming from the shared cons index.
func (r *Ring) Consumer() *Consumer {
	return &Consumer{r: r, cons: r.load(offCons)}
}

// Ring returns the underlying ring.
func (c *Consumer) Ring() *Ring {
	return c.r
}

// Consumed returns the private consumer index.
func (c *Consumer) Consumed() Index {
	return c.cons
}

// Unconsumed counts published slots not yet popped. A producer that claims
// more than a ring's worth is reported as such; callers treat it as a peer error.
func (c *Consumer) Unconsumed() uint32 {
	return uint32(c.r.load(offProd) - c.cons)
}

// Overflowed reports whether the producer published more than the ring holds.
func (c *Consumer) Overflowed() bool {
	return c.Unconsumed() > c.r.capacity
}

// Pop returns the next published slot. The returned memory stays valid until
// Commit lets the producer reuse it.
//
// The first Pop of a batch snapshots prod; the batch yields at most that many
// slots and never more than the capacity. Pop returns false once the snapshot
// is exhausted, or right away when the producer claims more than the ring
// holds. The next batch starts after that false return or a Commit.
func (c *Consumer) Pop() ([]byte, Index, bool) {
	if !c.open {
		prod := c.r.load(offProd)
		if uint32(prod-c.cons) > c.r.capacity {
			return nil, 0, false
		}

		c.limit = prod
		c.open = true
	}

	if c.cons == c.limit {
		c.open = false

		return nil, 0, false
	}

	idx := c.cons
	c.cons++

	return c.r.Slot(idx), idx, true
}

// Commit publishes the consumer index, freeing popped slots, and ends the batch.
func (c *Consumer) Commit() {
	c.r.store(offCons, c.cons)
	c.open = false
}

// SetEvent asks to be notified once the producer index passes idx-1.
func (c *Consumer) SetEvent(idx Index) {
	c.r.store(offEvent, idx)
}

// FinalCheck re-arms notification for the next slot and then checks again, so a
// slot published between the last Pop and this call is never missed. It
// reports whether more slots are pending.
func (c *Consumer) FinalCheck() bool {
	if c.Unconsumed() > 0 {
		return true
	}

	c.SetEvent(c.cons + 1)

	return c.Unconsumed() > 0
}
