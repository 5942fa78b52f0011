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

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/store"
)

// maintenanceSweeper runs the periodic housekeeping §9 calls out:
// reclaiming stale queue leases and purging old WebhookEvent/audit rows.
// On a single-instance sqlite deployment it runs unconditionally; on a
// replicated postgres deployment it is started and stopped by the leader
// elector's OnLeadershipChange callback so only one replica sweeps at a
// time.
type maintenanceSweeper struct {
	store             store.Store
	queue             *queue.Guard
	interval          time.Duration
	webhookRetention  time.Duration
	auditRetention    time.Duration
	logger            *slog.Logger

	cancel context.CancelFunc
}

func newMaintenanceSweeper(s store.Store, q *queue.Guard, interval, webhookRetention, auditRetention time.Duration, logger *slog.Logger) *maintenanceSweeper {
	return &maintenanceSweeper{
		store: s, queue: q,
		interval: interval, webhookRetention: webhookRetention, auditRetention: auditRetention,
		logger: logger.With(slog.String("component", "maintenance")),
	}
}

// Start begins the sweep loop in a background goroutine. Calling Start
// while already running replaces the previous loop, matching the
// start/stop-on-flip contract OnLeadershipChange needs.
func (m *maintenanceSweeper) Start(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(loopCtx)
}

// Stop halts the sweep loop. Safe to call when not running.
func (m *maintenanceSweeper) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *maintenanceSweeper) run(ctx context.Context) {
	m.logger.Info("maintenance sweeper started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance sweeper stopped")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *maintenanceSweeper) sweepOnce(ctx context.Context) {
	if _, err := m.queue.ReleaseStaleLeases(ctx); err != nil {
		m.logger.Error("stale lease sweep failed", slog.Any("error", err))
	}

	if m.webhookRetention > 0 {
		cutoff := time.Now().Add(-m.webhookRetention)
		if n, err := m.store.PurgeOlderThan(ctx, cutoff); err != nil {
			m.logger.Error("webhook event purge failed", slog.Any("error", err))
		} else if n > 0 {
			m.logger.Info("purged old webhook events", slog.Int64("count", n))
		}
	}

	if m.auditRetention > 0 {
		cutoff := time.Now().Add(-m.auditRetention)
		if n, err := m.store.PurgeAuditOlderThan(ctx, cutoff); err != nil {
			m.logger.Error("audit log purge failed", slog.Any("error", err))
		} else if n > 0 {
			m.logger.Info("purged old audit entries", slog.Int64("count", n))
		}
	}
}
