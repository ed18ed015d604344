// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package netfront

import (
	"errors"
	"fmt"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/session"
	"github.com/siderolabs/talos-xenpvd/pkg/shadow"
)

var (
	// ErrBadResponse is returned for responses with a bad length or offset.
	ErrBadResponse = errors.New("bad rx response")

	// ErrMissingFragment is returned when a packet's last response announces more data.
	ErrMissingFragment = errors.New("packet continues past the last response")

	// ErrTooManyFrags is returned for packets with more fragments than allowed.
	ErrTooManyFrags = errors.New("too many fragments")

	// ErrUnfulfilled is returned when the backend answered a flip request without a page.
	ErrUnfulfilled = errors.New("unfulfilled rx request")
)

// Refill tops the receive queue up to the fill target. Small batches are
// held back until they are worth a notification.
func (n *Netfront) Refill() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.refill()
}

func (n *Netfront) refill() error {
	want := n.rxTarget - n.rxPosted
	stalled := false

	for len(n.rxBatch) < want {
		p, err := n.deps.Pages.AllocPage()
		if err != nil {
			n.logger.Debug("receive buffer allocation failed", "err", err)

			stalled = true

			break
		}

		n.rxBatch = append(n.rxBatch, &rxPage{page: p})
	}

	if !stalled {
		if len(n.rxBatch) < n.rxTarget/2 {
			return nil
		}

		// running low, fill deeper next time
		if n.rxPosted < n.rxTarget/4 {
			n.rxTarget = min(n.rxTarget*2, n.rxMax)
		}
	}

	count := min(len(n.rxBatch), max(want, 0), n.rx.Free())
	if count == 0 {
		return nil
	}

	n.batch.Reset()

	var (
		frames  []hypercall.MFN
		pushed  int
		pushErr error
	)

	for _, rp := range n.rxBatch[:count] {
		seg := shadow.Segment{Frame: rp.page.Frame, PFN: rp.page.PFN, Length: hypercall.PageSize, Mode: gnttab.ReadWrite}
		if n.mode == RxFlip {
			seg = shadow.Segment{PFN: rp.page.PFN, Length: hypercall.PageSize, Mode: gnttab.Transfer}
		}

		if _, pushErr = n.rx.Push(session.Request{Op: OpRx, Segments: []shadow.Segment{seg}, Buffer: rp}); pushErr != nil {
			break
		}

		pushed++

		if n.mode == RxFlip && !rp.empty {
			n.deps.Arena.Scrub(rp.page.PFN) //nolint:errcheck

			n.batch.UpdateVAMapping(rp.page.PFN, hypercall.InvalidMFN)
			frames = append(frames, rp.page.Frame)

			n.deps.Arena.SetP2M(rp.page.PFN, hypercall.InvalidMFN) //nolint:errcheck

			rp.empty = true
			rp.page.Frame = hypercall.InvalidMFN
			rp.page.Data = nil
		}
	}

	n.rxBatch = append(n.rxBatch[:0], n.rxBatch[pushed:]...)
	n.rxPosted += pushed

	if len(frames) > 0 {
		n.allowance(len(frames))

		n.batch.DecreaseReservation(frames)

		err := n.deps.Memory.Multicall(n.deps.Arena.Domain(), &n.batch)
		if err == nil {
			err = n.batch.Check()
		}

		if err != nil {
			return fmt.Errorf("error giving away %d receive pages: %w", len(frames), err)
		}
	}

	util.TraceLog(n.logger, "receive queue refilled", "posted", pushed, "flipped", len(frames), "target", n.rxTarget)

	if pushErr != nil {
		n.logger.Debug("receive queue full", "err", pushErr)
	}

	if pushed == 0 {
		return nil
	}

	return n.rx.Kick()
}

// remap installs the frame the backend transferred into rp. It reports false
// when there was none. Caller holds mu.
func (n *Netfront) remap(batch *hypercall.Batch, rp *rxPage, frame hypercall.MFN) bool {
	if frame == 0 || frame == hypercall.InvalidMFN {
		return false
	}

	pfn := rp.page.PFN

	batch.UpdateVAMapping(pfn, frame)
	batch.MMUUpdate(frame, pfn)

	n.deps.Arena.SetP2M(pfn, frame) //nolint:errcheck

	data, err := n.deps.Arena.Data(pfn)
	if err != nil {
		n.logger.Error("transferred frame not accessible", "pfn", pfn, "frame", frame, "err", err)
	}

	rp.page.Frame = frame
	rp.page.Data = data
	rp.empty = false

	return true
}

// commitRemap applies queued remaps of flipped pages. Caller holds mu.
func (n *Netfront) commitRemap(batch *hypercall.Batch, flipped int) error {
	err := n.deps.Memory.Multicall(n.deps.Arena.Domain(), batch)
	if err == nil {
		err = batch.Check()
	}

	if err != nil {
		return fmt.Errorf("error remapping %d received pages: %w", flipped, err)
	}

	n.allowance(-flipped)
	n.stats.PagesFlipped += uint64(flipped)

	return nil
}

// Receive assembles packets from the responses on the receive queue.
// Malformed packets are dropped and counted.
func (n *Netfront) Receive() ([]Packet, error) {
	var resps []session.Response

	for r := range n.rx.PollResponses() {
		resps = append(resps, r)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.batch.Reset()

	var (
		pkts    []Packet
		flipped int
	)

	for i := 0; i < len(resps); {
		pkt, used, err := n.assemble(resps[i:], &flipped)
		i += used

		if err != nil {
			n.stats.RxErrors++
			n.violations.Warn("dropping received packet", "frags", used, "err", err)

			continue
		}

		n.stats.RxPackets++
		pkts = append(pkts, pkt)
	}

	var err error

	if flipped > 0 {
		err = n.commitRemap(&n.batch, flipped)
	}

	// few responses per notification, fill less deeply
	if n.rxPosted > 3*n.rxTarget/4 {
		n.rxTarget = max(n.rxTarget-1, n.rxMin)
	}

	return pkts, err
}

// assemble consumes the responses of one packet. Caller holds mu.
func (n *Netfront) assemble(resps []session.Response, flipped *int) (Packet, int, error) {
	var (
		pkt  Packet
		errs error
	)

	limit := MaxFrags
	if resps[0].Status <= RxCopyThreshold {
		limit++
	}

	for {
		r := resps[pkt.Frags]
		pkt.Frags++

		if err := n.take(r, &pkt, flipped); err != nil && errs == nil {
			errs = err
		}

		if r.Flags&session.FlagMoreData == 0 {
			break
		}

		if pkt.Frags == len(resps) {
			if errs == nil {
				errs = ErrMissingFragment
			}

			break
		}
	}

	if pkt.Frags > limit && errs == nil {
		errs = fmt.Errorf("%w: %d", ErrTooManyFrags, pkt.Frags)
	}

	return pkt, pkt.Frags, errs
}

// take copies one fragment out and recycles its page. Caller holds mu.
func (n *Netfront) take(r session.Response, pkt *Packet, flipped *int) error {
	rp, ok := r.Buffer.(*rxPage)
	if !ok {
		return fmt.Errorf("%w: id %d carries no receive page", ErrBadResponse, r.ID)
	}

	n.rxPosted--
	n.rxBatch = append(n.rxBatch, rp)

	if n.mode == RxFlip {
		if !n.remap(&n.batch, rp, r.Segments[0].Received) {
			return fmt.Errorf("%w: id %d status %d", ErrUnfulfilled, r.ID, r.Status)
		}

		*flipped++
	}

	if r.Status < 0 || int(r.Offset)+int(r.Status) > hypercall.PageSize {
		return fmt.Errorf("%w: id %d offset %d size %d", ErrBadResponse, r.ID, r.Offset, r.Status)
	}

	pkt.Data = append(pkt.Data, rp.page.Data[r.Offset:int(r.Offset)+int(r.Status)]...)

	return nil
}
