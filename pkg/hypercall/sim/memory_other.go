// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package sim

func mapMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapMemory([]byte) error {
	return nil
}
