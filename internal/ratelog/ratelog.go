// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package ratelog rate-limits noisy warnings, such as those a misbehaving peer
// can trigger once per ring slot.
package ratelog

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Defaults match the kernel's net_ratelimit: 10 messages per 5 seconds.
const (
	DefaultInterval = 5 * time.Second
	DefaultBurst    = 10
)

// Logger drops warnings beyond its rate and counts what it dropped.
type Logger struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
	total      atomic.Uint64
}

// New returns a Logger allowing burst messages per interval.
func New(logger *slog.Logger, interval time.Duration, burst int) *Logger {
	return &Logger{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(max(burst, 1))), burst),
	}
}

// Default returns a Logger with the default rate.
func Default(logger *slog.Logger) *Logger {
	return New(logger, DefaultInterval, DefaultBurst)
}

// Warn logs at warning level unless the rate is exceeded.
func (l *Logger) Warn(msg string, args ...any) {
	l.total.Add(1)

	if !l.limiter.Allow() {
		l.suppressed.Add(1)

		return
	}

	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}

	l.logger.Warn(msg, args...)
}

// Total counts every Warn call, logged or not.
func (l *Logger) Total() uint64 {
	return l.total.Load()
}
