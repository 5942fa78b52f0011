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

// Package model defines the entities of the ticketflow data model (§3):
// Task, Run, Step, WebhookEvent, QueueEntry, Lock, Cooldown,
// ReactivationRecord, HumanValidation, and AIUsage. These are plain value
// types; persistence lives in internal/store.
package model

import "time"

// TaskStatus is the effective status sum type carried on Task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskProcessing   TaskStatus = "processing"
	TaskTesting      TaskStatus = "testing"
	TaskDebugging    TaskStatus = "debugging"
	TaskQualityCheck TaskStatus = "quality_check"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// AllowedTransitions is the allowed-transition table from §4.3, enforced at
// write time by internal/store. A transition outside this table is rejected
// with a TransitionError and the run is marked failed.
var AllowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskProcessing: true,
		TaskFailed:     true,
	},
	TaskProcessing: {
		TaskTesting:   true,
		TaskDebugging: true,
		TaskCompleted: true,
		TaskFailed:    true,
	},
	TaskTesting: {
		TaskQualityCheck: true,
		TaskDebugging:    true,
		TaskCompleted:    true,
		TaskFailed:       true,
	},
	TaskDebugging: {
		TaskTesting:   true,
		TaskCompleted: true,
		TaskFailed:    true,
	},
	TaskQualityCheck: {
		TaskCompleted: true,
		TaskFailed:    true,
	},
	TaskCompleted: {},
	TaskFailed: {
		TaskPending:    true,
		TaskProcessing: true,
	},
}

// IsAllowedTransition reports whether from -> to is permitted by the table
// above. Same-status transitions are always permitted (idempotent writes).
func IsAllowedTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	targets, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Task is one per external ticket, identified externally by (Source,
// ExternalItemID).
type Task struct {
	ID               int64
	Source           string
	ExternalItemID   string
	Title            string
	Description      string
	Priority         int
	RepositoryURL    string
	DefaultBranch    string
	Status           TaskStatus
	PreviousStatus   TaskStatus
	TrackerStatus    string
	CreatorID        string
	CreatorName      string
	CreatorEmail     string
	IsLocked         bool
	LockedAt         *time.Time
	LockOwner        string
	CooldownUntil    *time.Time
	ReactivationCount int
	FailedReactivationAttempts int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RunStatus is the status sum type carried on Run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunRetry     RunStatus = "retry"
	RunWaitingValidation RunStatus = "waiting_validation"
)

// Run is one workflow attempt on a Task.
type Run struct {
	ID                int64
	TaskID            int64
	RunNumber         int
	Status            RunStatus
	ExecutorID        string
	StartedAt         time.Time
	EndedAt           *time.Time
	DurationMS        int64
	ResultBlob        []byte
	ErrorBlob         []byte
	BranchName        string
	PRURL             string
	IsReactivation    bool
	ParentRunID       *int64
	ReactivationCount int
	CurrentNode       string
	DebugAttempts     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StepStatus is the status sum type carried on Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepRetry     StepStatus = "retry"
)

// Step is one visited node of a Run. Steps are append-only within a run.
type Step struct {
	ID               int64
	RunID            int64
	NodeName         string
	Order            int
	Status           StepStatus
	RetryCount       int
	MaxRetries       int
	InputBlob        []byte
	OutputBlob       []byte
	ErrorBlob        []byte
	CheckpointBlob   []byte
	CheckpointVersion int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CheckpointSavedAt *time.Time
}

// WebhookEvent is the raw ingress record written by C1.
type WebhookEvent struct {
	ID               int64
	Source           string
	EventType        string
	Payload          []byte
	Headers          map[string]string
	Signature        string
	Processed        bool
	ProcessingStatus string
	RelatedTaskID    *int64
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
}

// QueueEntryStatus is the status sum type carried on QueueEntry.
type QueueEntryStatus string

const (
	QueuePending            QueueEntryStatus = "pending"
	QueueRunning            QueueEntryStatus = "running"
	QueueWaitingValidation  QueueEntryStatus = "waiting_validation"
	QueueCompleted          QueueEntryStatus = "completed"
	QueueFailed             QueueEntryStatus = "failed"
	QueueCancelled          QueueEntryStatus = "cancelled"
	QueueTimeout            QueueEntryStatus = "timeout"
)

// TriggerType identifies what caused a QueueEntry / ReactivationRecord.
type TriggerType string

const (
	TriggerStart        TriggerType = "start"
	TriggerUpdate       TriggerType = "update"
	TriggerStatusChange TriggerType = "status_change"
	TriggerManual       TriggerType = "manual"
)

// QueueEntry is a per-ticket queue slot (§3 "QueueEntry").
type QueueEntry struct {
	ID             int64
	ExternalItemID string
	TaskID         *int64
	Status         QueueEntryStatus
	Priority       int
	Trigger        TriggerType
	Payload        []byte
	ExecutorTaskID string
	CreatedAt      time.Time
	LeasedAt       *time.Time
	HeartbeatAt    *time.Time
	CompletedAt    *time.Time
}

// CooldownType names the three cooldown policies of §4.2.
type CooldownType string

const (
	CooldownNormal     CooldownType = "normal"
	CooldownAggressive CooldownType = "aggressive"
	CooldownBackoff    CooldownType = "backoff"
)

// Cooldown blocks reactivations of a task until Until.
type Cooldown struct {
	TaskID         int64
	Until          time.Time
	Type           CooldownType
	FailedAttempts int
}

// ReactivationStatus is the status sum type on ReactivationRecord.
type ReactivationStatus string

const (
	ReactivationPending    ReactivationStatus = "pending"
	ReactivationProcessing ReactivationStatus = "processing"
	ReactivationCompleted  ReactivationStatus = "completed"
	ReactivationFailed     ReactivationStatus = "failed"
)

// ReactivationRecord is an audit row per reactivation attempt.
type ReactivationRecord struct {
	ID          int64
	TaskID      int64
	UpdateID    string
	Trigger     TriggerType
	UpdateData  []byte
	Status      ReactivationStatus
	FailReason  string
	RunID       *int64
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ValidationStatus is the status sum type on HumanValidation.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationApproved  ValidationStatus = "approved"
	ValidationRejected  ValidationStatus = "rejected"
	ValidationAbandoned ValidationStatus = "abandoned"
	ValidationExpired   ValidationStatus = "expired"
	ValidationCancelled ValidationStatus = "cancelled"
)

// HumanValidation is a pending or resolved request to a human (§3, §4.4).
type HumanValidation struct {
	ID                  int64
	TaskID              int64
	RunID               int64
	StepID              int64
	Title               string
	GeneratedCode       map[string]string
	Summary             string
	FilesModified       []string
	Status              ValidationStatus
	RejectionCount      int
	IsRetry             bool
	ParentValidationID  *int64
	CreatedAt           time.Time
	ExpiresAt           time.Time
	TrackerUpdateID     string
	CreatorID           string
	CreatorEmail        string
	CreatorName         string
	ReminderSentAt      *time.Time
	UnauthorizedAttempts int

	// Response fields, populated once a reply resolves the validation.
	ResponseStatus             string
	Comments                   string
	ModificationInstructions   string
	ShouldMerge                bool
	ShouldContinueWorkflow     bool
	ShouldRetryWorkflow        bool
	ValidationDurationSeconds  float64
	ResponseAuthorID           string
	ResponseAuthorEmail        string
}

// AIUsage is one row per LLM call (§3 "AIUsage").
type AIUsage struct {
	ID             int64
	RunID          int64
	TaskID         int64
	Provider       string
	Model          string
	Operation      string
	InputTokens    int
	OutputTokens   int
	EstimatedCost  float64
	DurationMS     int64
	Success        bool
	Error          string
	CreatedAt      time.Time
}

// AuditSeverity names the severity levels used by the audit log (§4.5, §7).
type AuditSeverity string

const (
	AuditInfo   AuditSeverity = "info"
	AuditMedium AuditSeverity = "medium"
	AuditHigh   AuditSeverity = "high"
)

// AuditEntry records a mutating admin action or an unauthorized reply
// attempt, per §4.5 "Audit log".
type AuditEntry struct {
	ID         int64
	ActorID    string
	Action     string
	Resource   string
	Severity   AuditSeverity
	Detail     string
	CreatedAt  time.Time
}
