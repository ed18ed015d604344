// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package xenbus is the control plane of split drivers: a hierarchical
// key-value store with watches and transactions, the device state machine
// layered on top of it, and a service dispatching watch events.
package xenbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/siderolabs/talos-xenpvd/internal/util"
)

var (
	// ErrNotFound is returned for missing nodes (ENOENT).
	ErrNotFound = errors.New("no such node")

	// ErrTxConflict is returned by Commit when the transaction raced another writer (EAGAIN).
	ErrTxConflict = errors.New("transaction conflict")

	// ErrTxClosed is returned when using a finished transaction.
	ErrTxClosed = errors.New("transaction already finished")

	// ErrBadPath is returned for malformed paths.
	ErrBadPath = errors.New("invalid store path")
)

// Reader reads nodes.
type Reader interface {
	Read(ctx context.Context, path string) (string, error)
	Directory(ctx context.Context, path string) ([]string, error)
}

// Writer modifies nodes.
type Writer interface {
	Write(ctx context.Context, path, value string) error
	Remove(ctx context.Context, path string) error
}

// Tx is a store transaction.
type Tx interface {
	Reader
	Writer
	// Commit applies the transaction or returns ErrTxConflict.
	Commit(ctx context.Context) error
	// Abort discards the transaction.
	Abort()
}

// WatchEvent names the node that changed and the token the watch was registered with.
type WatchEvent struct {
	Path  string
	Token string
}

// Store is the control-plane store.
type Store interface {
	Reader
	Writer
	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)
	// Watch calls fn for every change at or below path, and once right after
	// registration. fn must not block. The returned function cancels the watch.
	Watch(ctx context.Context, path, token string, fn func(WatchEvent)) (func(), error)
}

// Join builds a store path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

func checkPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q", ErrBadPath, path)
	}

	return nil
}

// under reports whether path is prefix itself or below it.
func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Exists reports whether path exists.
func Exists(ctx context.Context, r Reader, path string) (bool, error) {
	_, err := r.Read(ctx, path)

	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	return true, nil
}

// ReadUint reads a decimal node.
func ReadUint(ctx context.Context, r Reader, path string) (uint64, error) {
	s, err := r.Read(ctx, path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", path, err)
	}

	return v, nil
}

// ReadUintDefault reads a decimal node, returning def if it does not exist.
func ReadUintDefault(ctx context.Context, r Reader, path string, def uint64) (uint64, error) {
	v, err := ReadUint(ctx, r, path)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}

	return v, err
}

// WriteUint writes a decimal node.
func WriteUint(ctx context.Context, w Writer, path string, v uint64) error {
	return w.Write(ctx, path, strconv.FormatUint(v, 10))
}

// Update runs fn in a transaction, retrying it from scratch on ErrTxConflict
// within the retry policy.
func Update(ctx context.Context, s Store, policy util.RetryPolicy, fn func(Tx) error) error {
	return backoff.Retry(func() error {
		tx, err := s.Begin(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error starting transaction: %w", err))
		}

		if err = fn(tx); err != nil {
			tx.Abort()

			return backoff.Permanent(err)
		}

		err = tx.Commit(ctx)
		if err != nil && !errors.Is(err, ErrTxConflict) {
			return backoff.Permanent(fmt.Errorf("error completing transaction: %w", err))
		}

		return err
	}, policy.BackOff(ctx))
}
