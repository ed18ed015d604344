// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package balloon

import (
	"github.com/google/btree"

	"github.com/siderolabs/talos-xenpvd/pkg/hypercall"
)

type listItem struct {
	pfn  hypercall.PFN
	seq  uint64
	high bool
}

// low pages first, newest low page at the head; high pages after them, oldest first
func listLess(a, b listItem) bool {
	if a.high != b.high {
		return !a.high
	}

	if a.high {
		return a.seq < b.seq
	}

	return a.seq > b.seq
}

// pageList is the ordered list of ballooned pages. Pages are repopulated from
// the head, so low memory comes back first.
type pageList struct {
	tree *btree.BTreeG[listItem]
	seq  uint64
	low  int
	high int
}

func newPageList() *pageList {
	return &pageList{tree: btree.NewG(16, listLess)}
}

func (l *pageList) push(pfn hypercall.PFN, high bool) {
	l.seq++
	l.tree.ReplaceOrInsert(listItem{pfn: pfn, seq: l.seq, high: high})

	if high {
		l.high++
	} else {
		l.low++
	}
}

// restore reinserts an item popped earlier at its old position.
func (l *pageList) restore(it listItem) {
	l.tree.ReplaceOrInsert(it)

	if it.high {
		l.high++
	} else {
		l.low++
	}
}

func (l *pageList) front() (listItem, bool) {
	return l.tree.Min()
}

func (l *pageList) popFront() (listItem, bool) {
	it, ok := l.tree.DeleteMin()
	if !ok {
		return it, false
	}

	if it.high {
		l.high--
	} else {
		l.low--
	}

	return it, true
}

// head returns up to n pages from the head without removing them.
func (l *pageList) head(n int) []hypercall.PFN {
	out := make([]hypercall.PFN, 0, min(n, l.tree.Len()))

	l.tree.Ascend(func(it listItem) bool {
		if len(out) == n {
			return false
		}

		out = append(out, it.pfn)

		return true
	})

	return out
}

func (l *pageList) len() int {
	return l.tree.Len()
}
