// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package util holds the logging and retry helpers shared by the drivers.
package util

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LogLevelTrace sits below slog.LevelDebug. Ring, grant and reservation
// traffic is logged at this level.
const LogLevelTrace = slog.Level(-8)

// TraceLog logs msg at LogLevelTrace.
func TraceLog(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LogLevelTrace, msg, args...)
}

// RetryPolicy bounds a polling loop: exponential from Interval up to MaxInterval,
// at most Retries retries after the first attempt.
type RetryPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Retries     uint64
}

// DefaultRetryPolicy is used when a zero RetryPolicy is given.
var DefaultRetryPolicy = RetryPolicy{
	Interval:    time.Millisecond,
	MaxInterval: 100 * time.Millisecond,
	Retries:     20,
}

// BackOff builds a context-aware backoff.BackOff from the policy.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	if p == (RetryPolicy{}) {
		p = DefaultRetryPolicy
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = max(p.MaxInterval, p.Interval)
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, p.Retries), ctx)
}
