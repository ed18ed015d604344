// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package capcheck implements HasCapability.
package capcheck

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNoCapEff is returned when the status file has no usable CapEff line.
var ErrNoCapEff = errors.New("no effective capability set")

// HasCapability checks natively if a given Linux capability is in the
// effective set of this process.
// https://pkg.go.dev/github.com/syndtr/gocapability/capability#pkg-constants
func HasCapability(capabilityBit int8) (bool, error) {
	procStatus, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false, fmt.Errorf("error reading /proc/self/status: %w", err)
	}

	return hasCapability(procStatus, capabilityBit)
}

func hasCapability(status []byte, capabilityBit int8) (bool, error) {
	sc := bufio.NewScanner(bytes.NewReader(status))

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return false, fmt.Errorf("%w: %q", ErrNoCapEff, line)
		}

		// hexadecimal bitmask
		val, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrNoCapEff, err)
		}

		return val&(1<<capabilityBit) != 0, nil
	}

	return false, ErrNoCapEff
}
