// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package balloon

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

// Stats are the page counters of a balloon.
type Stats struct {
	// Current counts pages owned and mapped by the domain.
	Current int
	// Target is the requested page count, after clamping to the minimum.
	Target int
	// Low and High count ballooned pages by memory class.
	Low  int
	High int
	// Driver counts pages lent to drivers, outside the balloon's reach.
	Driver int
}

// Report is a Stats snapshot with the limits the balloon works within.
type Report struct {
	Stats

	Minimum int
	Maximum int
}

// PagesToKiB converts a page count to KiB.
func PagesToKiB(pages int) uint64 {
	return uint64(pages) << (hypercall.PageShift - 10)
}

// KiBToPages converts KiB to a page count, rounding down.
func KiBToPages(kib uint64) int {
	return int(kib >> (hypercall.PageShift - 10))
}

func pagesToBytes(pages int) uint64 {
	return uint64(pages) << hypercall.PageShift
}

func mibToPages(mib int) int {
	return mib << (20 - hypercall.PageShift)
}

// MinimumTarget is the smallest reservation a domain with physPages pages is
// ballooned down to. It is continuous and piecewise linear:
//
//	max MiB -> min MiB
//	     128 ->   72  (1/2)
//	     512 ->  168  (1/4)
//	    2048 ->  360  (1/8)
//	    8192 ->  552  (1/32)
func MinimumTarget(physPages int) int {
	switch {
	case physPages < mibToPages(128):
		return mibToPages(8) + physPages>>1
	case physPages < mibToPages(512):
		return mibToPages(40) + physPages>>2
	case physPages < mibToPages(2048):
		return mibToPages(104) + physPages>>3
	default:
		return mibToPages(296) + physPages>>5
	}
}

// String renders the report the way /proc/xen/balloon did.
func (r Report) String() string {
	var sb strings.Builder

	for _, row := range []struct {
		name  string
		pages int
	}{
		{"Current allocation", r.Current},
		{"Requested target", r.Target},
		{"Minimum target", r.Minimum},
		{"Maximum target", r.Maximum},
		{"Low-mem balloon", r.Low},
		{"High-mem balloon", r.High},
		{"Driver pages", r.Driver},
	} {
		fmt.Fprintf(&sb, "%-20s %10s (%d kB)\n", row.name+":", humanize.IBytes(pagesToBytes(max(row.pages, 0))), PagesToKiB(max(row.pages, 0)))
	}

	return sb.String()
}
