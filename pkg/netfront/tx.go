// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package netfront

import (
	"errors"
	"fmt"

	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/mm"
	"github.com/siderolabs/talos-xenpvd/pkg/session"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
)

// ErrEmptyPacket is returned when transmitting no data.
var ErrEmptyPacket = errors.New("empty packet")

// Transmit copies data into pages, one fragment per page, and queues it as a
// single request with read-only grants. A full queue is ring.ErrRingFull;
// CollectTx frees space.
func (n *Netfront) Transmit(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPacket
	}

	frags := (len(data) + hypercall.PageSize - 1) / hypercall.PageSize
	if frags > MaxFrags+1 {
		n.count(func(st *Stats) { st.TxErrors++ })

		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}

	pages := make([]mm.Page, 0, frags)
	segs := make([]shadow.Segment, 0, frags)

	free := func() {
		for _, p := range pages {
			n.deps.Pages.FreePage(p) //nolint:errcheck
		}
	}

	for off := 0; off < len(data); off += hypercall.PageSize {
		p, err := n.deps.Pages.AllocPage()
		if err != nil {
			free()

			return fmt.Errorf("error allocating transmit page: %w", err)
		}

		pages = append(pages, p)

		l := copy(p.Data, data[off:])
		segs = append(segs, shadow.Segment{Frame: p.Frame, PFN: p.PFN, Length: uint16(l), Mode: gnttab.ReadOnly})
	}

	if _, err := n.tx.PushRequest(session.Request{Op: OpTx, Segments: segs, Buffer: pages}); err != nil {
		free()

		return err
	}

	return nil
}

// CollectTx frees the pages of finished transmissions and returns how many finished.
func (n *Netfront) CollectTx() int {
	done := 0

	for r := range n.tx.PollResponses() {
		if pages, ok := r.Buffer.([]mm.Page); ok {
			for _, p := range pages {
				n.deps.Pages.FreePage(p) //nolint:errcheck
			}
		}

		if r.Status == session.StatusOK {
			n.count(func(st *Stats) { st.TxPackets++ })
		} else {
			n.count(func(st *Stats) { st.TxErrors++ })
		}

		done++
	}

	return done
}

func (n *Netfront) count(fn func(*Stats)) {
	n.mu.Lock()
	fn(&n.stats)
	n.mu.Unlock()
}
