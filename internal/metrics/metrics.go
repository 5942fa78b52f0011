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

// Package metrics exposes Prometheus collectors for C5's "ledger and
// metrics" responsibility: queue depth, lease wait time, run duration, and
// AI cost counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ticketflow",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of queue entries by status.",
	}, []string{"status"})

	LeaseWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ticketflow",
		Subsystem: "queue",
		Name:      "lease_wait_seconds",
		Help:      "Time a queue entry waited between enqueue and lease.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	RunDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ticketflow",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Run duration by terminal status.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"status"})

	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "engine",
		Name:      "steps_total",
		Help:      "Step executions by node and outcome.",
	}, []string{"node", "outcome"})

	AICostUSDTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "ai",
		Name:      "cost_usd_total",
		Help:      "Cumulative estimated LLM cost in USD.",
	}, []string{"provider", "model"})

	AITokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "ai",
		Name:      "tokens_total",
		Help:      "Cumulative input/output token counts.",
	}, []string{"provider", "direction"})

	ReactivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "queue",
		Name:      "reactivations_total",
		Help:      "Reactivation attempts by decision.",
	}, []string{"decision"})

	ValidationsOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ticketflow",
		Subsystem: "validation",
		Name:      "outstanding",
		Help:      "Number of HumanValidation rows in status=pending.",
	})

	UnauthorizedReplyAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketflow",
		Subsystem: "validation",
		Name:      "unauthorized_reply_attempts_total",
		Help:      "Replies rejected because the author was not the authorized creator.",
	})
)
