// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xenpvd/internal/capcheck"
	"github.com/siderolabs/talos-xenpvd/pkg/balloon"
)

const (
	flagSkipCapabilityCheck = "skip-capability-check"
	flagSettleTimeout       = "settle-timeout"
)

var balloonCmd = &cobra.Command{
	Use:   "balloon",
	Short: "inspect and drive the memory balloon",
	Long:  "runs the balloon of a simulated guest and reports its counters",
}

var balloonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the balloon counters",
	Args:  cobra.NoArgs,
	RunE:  balloonStatus,
}

var balloonSetTargetCmd = &cobra.Command{
	Use:   "set-target SIZE",
	Short: "set the memory target, e.g. 96MiB",
	Args:  cobra.ExactArgs(1),
	RunE:  balloonSetTarget,
}

var errLackingCapabilities = errors.New("lacking capabilities")

func init() {
	pf := balloonSetTargetCmd.Flags()
	pf.Bool(flagSkipCapabilityCheck, false, "skip the CAP_SYS_ADMIN check")
	pf.Duration(flagSettleTimeout, 10*time.Second, "how long to wait for the balloon to reach the target")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	balloonCmd.AddCommand(balloonStatusCmd, balloonSetTargetCmd)
	rootCmd.AddCommand(balloonCmd)
}

func balloonStatus(cmd *cobra.Command, _ []string) error {
	g, err := newGuest()
	if err != nil {
		return err
	}

	defer g.close()

	fmt.Fprint(cmd.OutOrStdout(), g.balloon.Status().String())

	return nil
}

func balloonSetTarget(cmd *cobra.Command, args []string) error {
	// writing the target used to need root, keep it that way
	if !viper.GetBool(flagSkipCapabilityCheck) {
		hascap, err := capcheck.HasCapability(capcheck.CapSysAdmin)
		if err != nil {
			logger.Error("error checking capabilities", "err", err)

			return err
		}

		if !hascap {
			logger.Error("we lack CAP_SYS_ADMIN and may not change the memory target")

			return errLackingCapabilities
		}
	}

	size, err := humanize.ParseBytes(args[0])
	if err != nil {
		return fmt.Errorf("error parsing target %q: %w", args[0], err)
	}

	g, err := newGuest()
	if err != nil {
		return err
	}

	defer g.close()

	ctx := context.Background()

	if err = g.start(ctx); err != nil {
		return err
	}

	defer g.stop()

	if err = g.setTarget(ctx, size>>10, viper.GetDuration(flagSettleTimeout)); err != nil {
		return err
	}

	st := g.balloon.Status()
	if st.Target != balloon.KiBToPages(size>>10) {
		logger.Warn("target clamped to the minimum", "requested", humanize.IBytes(size), "target_kib", balloon.PagesToKiB(st.Target))
	}

	fmt.Fprint(cmd.OutOrStdout(), st.String())

	return nil
}
