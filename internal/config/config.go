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

// Package config loads ticketflow's environment-variable driven
// configuration (§6) into a single typed struct, validated once at
// startup so a bad value fails fast with exit code 1 rather than
// surfacing midway through a run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	tferrors "github.com/ticketflow/ticketflow/pkg/errors"
)

// Config holds every environment-derived setting the daemon needs.
type Config struct {
	DatabaseURL string
	BrokerURL   string

	WebhookSecret string
	SecretKey     string

	DefaultRepoURL string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	TrackerAPIToken string

	MaxConcurrentWorkers   int
	TaskTimeout            time.Duration
	TestTimeout            time.Duration
	ValidationTimeout      time.Duration
	DebugMaxIterations     int
	MaxReactivationsPerTask int

	LogLevel  string
	LogFormat string

	// StoreBackend selects the store.Store implementation: "postgres" (the
	// default, required for a leader-elected replicated deployment) or
	// "sqlite" (local development, single instance only).
	StoreBackend string
	SQLitePath   string

	InstanceID  string
	HTTPAddr    string
	AgentHandle string

	MaintenanceInterval  time.Duration
	WebhookRetention     time.Duration
	AuditRetention       time.Duration
}

// defaults mirror spec.md §6 exactly.
const (
	defaultMaxConcurrentWorkers    = 4
	defaultTaskTimeout             = 1800 * time.Second
	defaultTestTimeout             = 300 * time.Second
	defaultValidationTimeout       = 86400 * time.Second
	defaultDebugMaxIterations      = 3
	defaultMaxReactivationsPerTask = 5

	defaultStoreBackend        = "postgres"
	defaultSQLitePath          = "ticketflow.db"
	defaultHTTPAddr            = ":8080"
	defaultMaintenanceInterval = 60 * time.Second
	defaultWebhookRetention    = 30 * 24 * time.Hour
	defaultAuditRetention      = 90 * 24 * time.Hour
)

// Load reads and validates configuration from the process environment.
// DATABASE_URL is required; everything else falls back to the defaults
// named in §6 when unset. A malformed numeric/duration value is rejected
// here rather than silently defaulted.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		BrokerURL:       os.Getenv("BROKER_URL"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		SecretKey:       os.Getenv("SECRET_KEY"),
		DefaultRepoURL:  os.Getenv("DEFAULT_REPO_URL"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		TrackerAPIToken: os.Getenv("TRACKER_API_TOKEN"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		LogFormat:       os.Getenv("LOG_FORMAT"),
		StoreBackend:    os.Getenv("STORE_BACKEND"),
		SQLitePath:      os.Getenv("SQLITE_PATH"),
		InstanceID:      os.Getenv("INSTANCE_ID"),
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		AgentHandle:     os.Getenv("AGENT_HANDLE"),
	}

	if cfg.DatabaseURL == "" {
		return nil, &tferrors.ConfigError{Key: "DATABASE_URL", Reason: "must be set"}
	}
	if cfg.WebhookSecret == "" {
		return nil, &tferrors.ConfigError{Key: "WEBHOOK_SECRET", Reason: "must be set"}
	}

	var err error
	if cfg.MaxConcurrentWorkers, err = intEnv("MAX_CONCURRENT_WORKERS", defaultMaxConcurrentWorkers); err != nil {
		return nil, err
	}
	if cfg.TaskTimeout, err = durationSecondsEnv("TASK_TIMEOUT", defaultTaskTimeout); err != nil {
		return nil, err
	}
	if cfg.TestTimeout, err = durationSecondsEnv("TEST_TIMEOUT", defaultTestTimeout); err != nil {
		return nil, err
	}
	if cfg.ValidationTimeout, err = durationSecondsEnv("VALIDATION_TIMEOUT", defaultValidationTimeout); err != nil {
		return nil, err
	}
	if cfg.DebugMaxIterations, err = intEnv("DEBUG_MAX_ITERATIONS", defaultDebugMaxIterations); err != nil {
		return nil, err
	}
	if cfg.MaxReactivationsPerTask, err = intEnv("MAX_REACTIVATIONS_PER_TASK", defaultMaxReactivationsPerTask); err != nil {
		return nil, err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	if cfg.StoreBackend != "postgres" && cfg.StoreBackend != "sqlite" {
		return nil, &tferrors.ConfigError{Key: "STORE_BACKEND", Reason: fmt.Sprintf("must be postgres or sqlite, got %q", cfg.StoreBackend)}
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceID = host
		} else {
			cfg.InstanceID = "ticketflowd"
		}
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}

	if cfg.MaintenanceInterval, err = durationSecondsEnv("MAINTENANCE_INTERVAL", defaultMaintenanceInterval); err != nil {
		return nil, err
	}
	if cfg.WebhookRetention, err = durationSecondsEnv("WEBHOOK_RETENTION", defaultWebhookRetention); err != nil {
		return nil, err
	}
	if cfg.AuditRetention, err = durationSecondsEnv("AUDIT_RETENTION", defaultAuditRetention); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &tferrors.ConfigError{Key: key, Reason: fmt.Sprintf("not an integer: %q", raw), Cause: err}
	}
	return v, nil
}

func durationSecondsEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &tferrors.ConfigError{Key: key, Reason: fmt.Sprintf("not an integer number of seconds: %q", raw), Cause: err}
	}
	return time.Duration(secs) * time.Second, nil
}
