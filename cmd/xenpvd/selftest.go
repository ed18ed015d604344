// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/talos-xenpvd/internal/integration"
	"github.com/siderolabs/talos-xenpvd/pkg/balloon"
	"github.com/siderolabs/talos-xenpvd/pkg/evtchn"
	"github.com/siderolabs/talos-xenpvd/pkg/gnttab"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
	"github.com/siderolabs/talos-xenpvd/pkg/hypercall/sim"
	"github.com/siderolabs/talos-xenpvd/pkg/netfront"
	"github.com/siderolabs/talos-xenpvd/pkg/ring"
	"github.com/siderolabs/talos-xenpvd/pkg/session"
	"github.com/siderolabs/talos-xenpvd/pkg/xenbus"
)

const (
	flagPackets = "packets"
	flagRxCopy  = "rx-copy"
	flagTimeout = "timeout"
)

const (
	vifFront = "device/vif/0"
	vifBack  = "backend/vif/1/0"

	backendPages = 2048
	grantEntries = 16384
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "loop packets through a network session and exercise the balloon",
	Long:  "connects a network frontend to a loopback backend on the simulated hypervisor, then deflates and refills the balloon",
	Args:  cobra.NoArgs,
	RunE:  selftest,
}

var (
	errSelftestFailed = errors.New("selftest failed")
	errOutOfFrames    = errors.New("loopback ran out of frames to transfer")
)

func init() {
	pf := selftestCmd.Flags()
	pf.Int(flagPackets, 256, "packets to loop back")
	pf.Bool(flagRxCopy, true, "receive by copy instead of page flipping")
	pf.Duration(flagTimeout, 30*time.Second, "time limit for each phase")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(selftestCmd)
}

// payload builds packet i: its index followed by a pattern. Sizes vary up to
// three pages.
func payload(i int) []byte {
	p := make([]byte, 64+(i*1237)%(3*hypercall.PageSize))
	binary.LittleEndian.PutUint32(p, uint32(i))

	for j := 4; j < len(p); j++ {
		p[j] = byte(i + j)
	}

	return p
}

// loopback is a network backend that answers every transmitted packet by
// receiving it back.
type loopback struct {
	back   *session.Backend
	mem    *sim.Machine
	frames []hypercall.MFN

	queue [][]byte
	rx    []*session.Incoming
}

func (l *loopback) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.back.Kicks():
		}

		if err := l.poll(); err != nil {
			return err
		}
	}
}

func (l *loopback) poll() error {
	pending, err := l.back.Pending()
	if err != nil {
		return err
	}

	for _, in := range pending {
		if in.Queue == 1 {
			l.rx = append(l.rx, in)

			continue
		}

		var pkt []byte

		for _, seg := range in.Segments {
			pkt = append(pkt, seg.Data[seg.Offset:seg.Offset+seg.Length]...)
		}

		l.queue = append(l.queue, pkt)

		if err = l.back.Complete(in, session.StatusOK); err != nil {
			return err
		}
	}

	for len(l.queue) > 0 {
		frags := (len(l.queue[0]) + hypercall.PageSize - 1) / hypercall.PageSize
		if len(l.rx) < frags {
			break
		}

		if err = l.deliver(l.queue[0], l.rx[:frags]); err != nil {
			return err
		}

		l.queue = l.queue[1:]
		l.rx = l.rx[frags:]
	}

	return nil
}

func (l *loopback) deliver(pkt []byte, bufs []*session.Incoming) error {
	for i, in := range bufs {
		chunk := pkt[i*hypercall.PageSize : min((i+1)*hypercall.PageSize, len(pkt))]

		res := session.Result{Status: int16(len(chunk))}
		if i < len(bufs)-1 {
			res.Flags = session.FlagMoreData
		}

		if in.Flags&session.FlagTransfer != 0 {
			if err := l.flip(in.Segments[0], chunk); err != nil {
				return err
			}
		} else {
			copy(in.Segments[0].Data, chunk)
		}

		if err := l.back.CompleteWith(in, res); err != nil {
			return err
		}
	}

	return nil
}

func (l *loopback) flip(seg session.Segment, chunk []byte) error {
	if len(l.frames) == 0 {
		return errOutOfFrames
	}

	frame := l.frames[0]
	l.frames = l.frames[1:]

	data, err := l.mem.FrameData(backendDom, frame)
	if err != nil {
		return err
	}

	copy(data, chunk)

	return l.back.Transfer(seg, frame)
}

func selftest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := viper.GetDuration(flagTimeout)

	g, err := newGuest()
	if err != nil {
		return err
	}

	defer g.close()

	backFrames, err := g.m.CreateDomain(backendDom, backendPages)
	if err != nil {
		return err
	}

	grants, err := gnttab.NewTable(logger.With("module", "gnttab"), guestDom, grantEntries, g.m)
	if err != nil {
		return err
	}

	refs := grants.Available()

	if err = g.store.Write(ctx, xenbus.Join(vifFront, "mac"), "00:16:3e:5e:1f:01"); err != nil {
		return err
	}

	back, err := session.NewBackend(ctx, logger.With("module", "netback"), session.BackendConfig{
		NodeName:     vifBack,
		FrontendPath: vifFront,
		Frontend:     guestDom,
		Queues:       []string{"tx", "rx"},
		Features: map[string]string{
			"feature-rx-copy": "1",
			"feature-rx-flip": "1",
		},
		MaxRingPageOrder: ring.MaxPageOrder,
	}, session.BackendDeps{
		Self:   backendDom,
		Store:  g.store,
		Grants: g.m,
		Events: evtchn.NewDispatcher(logger.With("module", "evtchn", "domain", backendDom), backendDom, g.m),
	})
	if err != nil {
		return err
	}

	rxCopy := viper.GetBool(flagRxCopy)

	nf, err := netfront.Open(ctx, logger, netfront.Config{
		NodeName:    vifFront,
		BackendPath: vifBack,
		Backend:     backendDom,
		RxCopy:      rxCopy,
		RxFlip:      !rxCopy,
	}, netfront.Deps{
		Deps: session.Deps{
			Self:   guestDom,
			Store:  g.store,
			Grants: grants,
			Events: evtchn.NewDispatcher(logger.With("module", "evtchn", "domain", guestDom), guestDom, g.m),
			Pages:  g.alloc,
		},
		Memory:  g.m,
		Arena:   g.arena,
		Balloon: g.balloon,
	})
	if err != nil {
		return err
	}

	if err = g.start(ctx,
		integration.NewDevice(logger.With("integration", "device"), vifBack, back),
		integration.NewDevice(logger.With("integration", "device"), vifFront, nf),
	); err != nil {
		return err
	}

	defer g.stop()

	loopErr := loop(ctx, nf, &loopback{back: back, mem: g.m, frames: backFrames}, viper.GetInt(flagPackets), timeout)
	if loopErr != nil {
		logger.Error("packet loop failed", "err", loopErr)
	}

	balloonErr := exerciseBalloon(ctx, g, timeout)
	if balloonErr != nil {
		logger.Error("balloon exercise failed", "err", balloonErr)
	}

	nst, sst := nf.Stats(), nf.Session().Stats()

	g.stop()

	errs := multierror.Append(loopErr, balloonErr, back.Close(ctx), nf.Release(ctx))

	if left := grants.Available(); left != refs {
		errs = multierror.Append(errs, fmt.Errorf("%d grant references leaked", refs-left))
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "rx mode %s, mac %s\n", nf.RxMode(), nf.MAC())
	fmt.Fprintf(out, "tx: %d packets, %d errors\n", nst.TxPackets, nst.TxErrors)
	fmt.Fprintf(out, "rx: %d packets, %d errors, %d pages flipped, fill target %d\n", nst.RxPackets, nst.RxErrors, nst.PagesFlipped, nst.RxTarget)
	fmt.Fprintf(out, "session: %d pushed, %d completed, %d notifications, %d violations, %d abandoned\n",
		sst.Pushed, sst.Completed, sst.Notifications, sst.Violations, sst.Abandoned)
	fmt.Fprint(out, g.balloon.Status().String())

	if err = errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", errSelftestFailed, err)
	}

	return nil
}

// loop sends count packets through the session and checks that each one
// comes back intact and in order.
func loop(ctx context.Context, nf *netfront.Netfront, lb *loopback, count int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	runCtx, done := context.WithCancel(ctx)

	defer done()

	var (
		received int
		bad      error
		total    uint64
	)

	eg.Go(func() error {
		return lb.run(runCtx)
	})

	eg.Go(func() error {
		err := nf.Run(runCtx, func(p netfront.Packet) {
			if !bytes.Equal(p.Data, payload(received)) && bad == nil {
				bad = fmt.Errorf("packet %d came back corrupted (%d bytes, %d frags)", received, len(p.Data), p.Frags)
			}

			received++
			total += uint64(len(p.Data))

			if received == count {
				done()
			}
		})

		if received == count && errors.Is(err, context.Canceled) {
			return bad
		}

		return err
	})

	eg.Go(func() error {
		if err := nf.Session().WaitConnected(runCtx); err != nil {
			return err
		}

		for i := range count {
			for {
				err := nf.Transmit(payload(i))
				if err == nil {
					break
				}

				if !errors.Is(err, ring.ErrRingFull) {
					return fmt.Errorf("error sending packet %d: %w", i, err)
				}

				select {
				case <-runCtx.Done():
					return nil
				case <-time.After(time.Millisecond):
				}
			}
		}

		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	logger.Info("packets looped back", "packets", received, "bytes", humanize.IBytes(total))

	return nil
}

// exerciseBalloon asks for half the memory, which the floor clamps, then
// gives it all back.
func exerciseBalloon(ctx context.Context, g *guest, timeout time.Duration) error {
	before := g.balloon.Status()

	if err := g.setTarget(ctx, balloon.PagesToKiB(before.Current/2), timeout); err != nil {
		return err
	}

	low := g.balloon.Status()
	logger.Info("balloon inflated", "current_kib", balloon.PagesToKiB(low.Current), "minimum_kib", balloon.PagesToKiB(low.Minimum))

	if err := g.setTarget(ctx, balloon.PagesToKiB(before.Current), timeout); err != nil {
		return err
	}

	if after := g.balloon.Status(); after.Current != before.Current {
		return fmt.Errorf("balloon came back to %d pages instead of %d", after.Current, before.Current)
	}

	return nil
}
