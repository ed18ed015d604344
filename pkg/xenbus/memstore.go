// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package xenbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/siderolabs/talos-xenpvd/internal/util"
)

type node struct {
	path    string
	value   string
	version uint64
}

func nodeLess(a, b node) bool {
	return a.path < b.path
}

type watch struct {
	path  string
	token string
	fn    func(WatchEvent)
}

// MemStore is an in-memory Store. Nodes are kept ordered by path so that
// directories and subtree removals are range scans.
type MemStore struct {
	logger *slog.Logger

	mu      sync.Mutex
	tree    *btree.BTreeG[node]
	gen     uint64
	watches map[int]*watch
	nextID  int
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore(logger *slog.Logger) *MemStore {
	return &MemStore{
		logger:  logger,
		tree:    btree.NewG(16, nodeLess),
		watches: make(map[int]*watch),
	}
}

func (s *MemStore) lookup(path string) (node, bool) {
	return s.tree.Get(node{path: path})
}

func (s *MemStore) version(path string) uint64 {
	if n, ok := s.lookup(path); ok {
		return n.version
	}

	return 0
}

// write sets path and creates missing parents. Caller holds mu.
func (s *MemStore) write(path, value string) []string {
	changed := []string{path}

	for i := strings.LastIndexByte(path, '/'); i > 0; i = strings.LastIndexByte(path[:i], '/') {
		parent := path[:i]
		if _, ok := s.lookup(parent); ok {
			break
		}

		s.gen++
		s.tree.ReplaceOrInsert(node{path: parent, version: s.gen})
		changed = append(changed, parent)
	}

	s.gen++
	s.tree.ReplaceOrInsert(node{path: path, value: value, version: s.gen})

	return changed
}

// remove deletes path and its subtree. Caller holds mu.
func (s *MemStore) remove(path string) []string {
	var doomed []string

	if _, ok := s.lookup(path); ok {
		doomed = append(doomed, path)
	}

	s.tree.AscendGreaterOrEqual(node{path: path + "/"}, func(n node) bool {
		if !strings.HasPrefix(n.path, path+"/") {
			return false
		}

		doomed = append(doomed, n.path)

		return true
	})

	for _, p := range doomed {
		s.tree.Delete(node{path: p})
	}

	if len(doomed) > 0 {
		s.gen++
	}

	return doomed
}

func (s *MemStore) children(path string) []string {
	var out []string

	prefix := path + "/"

	s.tree.AscendGreaterOrEqual(node{path: prefix}, func(n node) bool {
		if !strings.HasPrefix(n.path, prefix) {
			return false
		}

		if rest := n.path[len(prefix):]; !strings.Contains(rest, "/") {
			out = append(out, rest)
		}

		return true
	})

	return out
}

// notify collects watch events for changed paths. Caller holds mu.
func (s *MemStore) notify(changed []string) []func() {
	var calls []func()

	for _, p := range changed {
		for _, w := range s.watches {
			if under(p, w.path) {
				ev := WatchEvent{Path: p, Token: w.token}
				fn := w.fn

				calls = append(calls, func() { fn(ev) })
			}
		}
	}

	return calls
}

func fire(calls []func()) {
	for _, c := range calls {
		c()
	}
}

// Read implements Store.
func (s *MemStore) Read(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := checkPath(path); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookup(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return n.value, nil
}

// Directory implements Store.
func (s *MemStore) Directory(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := checkPath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(path); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return s.children(path), nil
}

// Write implements Store.
func (s *MemStore) Write(ctx context.Context, path, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := checkPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	calls := s.notify(s.write(path, value))
	s.mu.Unlock()

	util.TraceLog(s.logger, "write", "path", path, "value", value)
	fire(calls)

	return nil
}

// Remove implements Store.
func (s *MemStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := checkPath(path); err != nil {
		return err
	}

	s.mu.Lock()

	doomed := s.remove(path)
	if len(doomed) == 0 {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	calls := s.notify(doomed)
	s.mu.Unlock()

	fire(calls)

	return nil
}

// Watch implements Store.
func (s *MemStore) Watch(ctx context.Context, path, token string, fn func(WatchEvent)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := checkPath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watches[id] = &watch{path: path, token: token, fn: fn}
	s.mu.Unlock()

	s.logger.Debug("watch registered", "path", path, "token", token)

	fn(WatchEvent{Path: path, Token: token})

	return func() {
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
	}, nil
}

// Dump returns a copy of every node, for inspection.
func (s *MemStore) Dump() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, s.tree.Len())

	s.tree.Ascend(func(n node) bool {
		out[n.path] = n.value

		return true
	})

	return out
}

// Begin implements Store.
func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &memTx{
		s:      s,
		seen:   make(map[string]uint64),
		writes: make(map[string]*string),
	}, nil
}

// memTx buffers writes and remembers the version of every node it looked at.
// Commit fails if any of them changed meanwhile.
type memTx struct {
	s      *MemStore
	seen   map[string]uint64
	writes map[string]*string
	order  []string
	done   bool
}

func (t *memTx) observe(path string) {
	if _, ok := t.seen[path]; !ok {
		t.seen[path] = t.s.version(path)
	}
}

func (t *memTx) check(ctx context.Context, path string) error {
	if t.done {
		return ErrTxClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return checkPath(path)
}

// removedBy reports whether a buffered removal covers path.
func (t *memTx) removedBy(path string) bool {
	for p, v := range t.writes {
		if v == nil && under(path, p) {
			return true
		}
	}

	return false
}

func (t *memTx) Read(ctx context.Context, path string) (string, error) {
	if err := t.check(ctx, path); err != nil {
		return "", err
	}

	if v, ok := t.writes[path]; ok && v != nil {
		return *v, nil
	}

	if t.removedBy(path) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.observe(path)

	n, ok := t.s.lookup(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return n.value, nil
}

func (t *memTx) Directory(ctx context.Context, path string) ([]string, error) {
	if err := t.check(ctx, path); err != nil {
		return nil, err
	}

	if t.removedBy(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	t.s.mu.Lock()
	t.observe(path)

	_, exists := t.s.lookup(path)
	names := t.s.children(path)
	t.s.mu.Unlock()

	seen := make(map[string]bool, len(names))

	var out []string

	for _, n := range names {
		if !t.removedBy(path + "/" + n) {
			seen[n] = true
			out = append(out, n)
		}
	}

	for _, p := range t.order {
		if v := t.writes[p]; v != nil && strings.HasPrefix(p, path+"/") {
			exists = true

			name, _, _ := strings.Cut(p[len(path)+1:], "/")
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return out, nil
}

func (t *memTx) buffer(path string, v *string) {
	t.s.mu.Lock()
	t.observe(path)
	t.s.mu.Unlock()

	if _, ok := t.writes[path]; !ok {
		t.order = append(t.order, path)
	}

	t.writes[path] = v
}

func (t *memTx) Write(ctx context.Context, path, value string) error {
	if err := t.check(ctx, path); err != nil {
		return err
	}

	t.buffer(path, &value)

	return nil
}

func (t *memTx) Remove(ctx context.Context, path string) error {
	if err := t.check(ctx, path); err != nil {
		return err
	}

	t.buffer(path, nil)

	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxClosed
	}

	t.done = true

	if err := ctx.Err(); err != nil {
		return err
	}

	t.s.mu.Lock()

	for p, v := range t.seen {
		if t.s.version(p) != v {
			t.s.mu.Unlock()

			return fmt.Errorf("%w: %s changed", ErrTxConflict, p)
		}
	}

	var changed []string

	for _, p := range t.order {
		if v := t.writes[p]; v != nil {
			changed = append(changed, t.s.write(p, *v)...)
		} else {
			changed = append(changed, t.s.remove(p)...)
		}
	}

	calls := t.s.notify(changed)
	t.s.mu.Unlock()

	fire(calls)

	return nil
}

func (t *memTx) Abort() {
	t.done = true
}
