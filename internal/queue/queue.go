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

// Package queue implements C2: the durable per-ticket queue plus its lock,
// cooldown, and reactivation bookkeeping (§4.2).
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ticketflow/ticketflow/internal/metrics"
	"github.com/ticketflow/ticketflow/internal/model"
	"github.com/ticketflow/ticketflow/internal/store"
)

const staleLeaseAge = 30 * time.Minute

// Guard owns the QueueStore/LockStore/CooldownStore/ReactivationStore
// operations of C2. It is deliberately narrow: it does not know about
// engine nodes, only about entries, locks, cooldowns, and reactivations.
type Guard struct {
	store  store.Store
	logger *slog.Logger
}

// New constructs a Guard over the given store.
func New(s store.Store, logger *slog.Logger) *Guard {
	return &Guard{store: s, logger: logger.With(slog.String("component", "queue"))}
}

// Enqueue appends an entry and returns its queue_id.
func (g *Guard) Enqueue(ctx context.Context, entry *model.QueueEntry) (int64, error) {
	id, err := g.store.Enqueue(ctx, entry)
	if err == nil {
		metrics.QueueDepth.WithLabelValues(string(model.QueuePending)).Inc()
	}
	return id, err
}

// Lease atomically claims the next leasable entry, or returns nil if none
// is available.
func (g *Guard) Lease(ctx context.Context, workerID string) (*model.QueueEntry, error) {
	entry, err := g.store.Lease(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		metrics.LeaseWaitSeconds.Observe(time.Since(entry.CreatedAt).Seconds())
	}
	return entry, nil
}

// Complete marks an entry terminal and releases its task's lock.
func (g *Guard) Complete(ctx context.Context, queueID int64, terminal model.QueueEntryStatus) error {
	return g.store.Complete(ctx, queueID, terminal)
}

// Heartbeat refreshes a leased entry's liveness marker so
// ReleaseStaleLeases does not reclaim it.
func (g *Guard) Heartbeat(ctx context.Context, queueID int64) error {
	return g.store.Heartbeat(ctx, queueID)
}

// ReleaseStaleLeases implements §4.2's background sweep: entries running
// with no heartbeat for 30 min are marked timeout and their locks
// released. Intended to be run periodically, and exclusively by the
// elected leader when the daemon is replicated (internal/leader).
func (g *Guard) ReleaseStaleLeases(ctx context.Context) (int, error) {
	n, err := g.store.ReleaseStaleLeases(ctx, staleLeaseAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.Info("released stale leases", slog.Int("count", n))
	}
	return n, nil
}
