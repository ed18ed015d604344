// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xenpvd/internal/util"
	"github.com/siderolabs/talos-xenpvd/internal/version"
)

const (
	flagLogLevel  = "log-level"
	flagConfig    = "config"
	flagSimFrames = "sim-frames"
	flagSimPages  = "sim-pages"
)

var rootCmd = &cobra.Command{
	Use:               "xenpvd",
	Short:             "Xen paravirtual transport and balloon driver core",
	Long:              "drives split-device sessions and the memory balloon of a guest against a simulated hypervisor",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

var logger *slog.Logger

func parseLevel(s string) (slog.Level, error) {
	// slog does not support trace level logging by default, but is flexible
	if strings.ToUpper(s) == "TRACE" {
		return util.LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

func setup(cmd *cobra.Command, _ []string) error {
	if path := viper.GetString(flagConfig); path != "" {
		viper.SetConfigFile(path)

		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config %s: %w", path, err)
		}
	}

	level, err := parseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, logOpts)).With("command", cmd.Name())

	hello := fmt.Sprintf("%s © 2020-2025 Oliver Kuckertz, Equinix and Siderolabs", version.Name)
	logger.Debug(hello, "version", strings.TrimSpace(version.Tag))

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("xenpvd")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")
	pf.String(flagConfig, "", "path to a config file (yaml, toml or json)")
	pf.Int(flagSimFrames, 65536, "machine frames of the simulated hypervisor")
	pf.Int(flagSimPages, 32768, "pages of the simulated guest domain")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
