// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package hypercall describes the hypervisor services a paravirtualized guest
// relies on: memory reservation, grant mapping and transfer, event channels and
// batched page-table updates.
//
// The ABI itself is opaque here. Callers program against the interfaces in this
// package, and package sim provides an in-process machine implementing them.
// Sources worth reading for the real thing:
//
// - xen/include/public/memory.h (XENMEM_populate_physmap, XENMEM_decrease_reservation)
// - xen/include/public/grant_table.h
// - xen/include/public/event_channel.h
// - xen/include/public/xen.h (multicall, update_va_mapping, mmu_update)
package hypercall
