// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit provides the global LLM token-bucket named in §5
// "Shared resources": a single bucket shared across all workers, consulted
// by implement_task and debug_code before calling the code-generation
// collaborator.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter with the vocabulary the
// engine nodes use: Allow reports whether a call may proceed now; Wait
// blocks the caller's goroutine (never the HTTP path -- §5 requires the
// ingress handler stay non-blocking, but node execution already runs on a
// worker goroutine).
type Limiter struct {
	rl *rate.Limiter
}

// New creates a Limiter permitting ratePerSecond calls per second with a
// burst of burst.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a call may proceed immediately, consuming a token
// if so. A false result is mapped by the caller to node_result.Retry.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}

// Reserve returns the delay the caller should wait before its next call is
// permitted, without blocking. Used to populate Retry(delay, reason).
func (l *Limiter) Reserve() time.Duration {
	r := l.rl.Reserve()
	if !r.OK() {
		return time.Minute
	}
	return r.Delay()
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}
