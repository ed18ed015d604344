// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapMemory reserves the machine memory as one anonymous shared mapping.
func mapMemory(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return mem, nil
}

func unmapMemory(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
