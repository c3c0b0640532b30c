package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionStatus is the status of a recorded plan execution: RUNNING while
// it executes, then the completion status of the plan.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusSkipped   ExecutionStatus = "SKIPPED"
	ExecutionStatusPartial   ExecutionStatus = "PARTIAL"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// StepEventKind identifies what a step event records.
type StepEventKind string

const (
	StepEventPlanStart StepEventKind = "planStart"
	StepEventPlanEnd   StepEventKind = "planEnd"
	StepEventStart     StepEventKind = "stepStart"
	StepEventEnd       StepEventKind = "stepEnd"
	StepEventPause     StepEventKind = "pause"
	StepEventResume    StepEventKind = "resume"
	StepEventCancel    StepEventKind = "cancel"
)

// Execution is one run of a plan against a fabric.
type Execution struct {
	ID        string          `json:"id"`
	Fabric    string          `json:"fabric"`
	PlanType  string          `json:"plan_type"`
	PlanName  string          `json:"plan_name"`
	Status    ExecutionStatus `json:"status"`
	LeafSteps int             `json:"leaf_steps"`
	PlanJSON  string          `json:"plan_json"`
	ReportXML *string         `json:"report_xml,omitempty"`
	Error     *string         `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepEvent is an append-only record of execution progress.
type StepEvent struct {
	ID          int64         `json:"id"`
	ExecutionID string        `json:"execution_id"`
	StepID      *string       `json:"step_id,omitempty"`
	StepType    *string       `json:"step_type,omitempty"`
	Kind        StepEventKind `json:"kind"`
	Status      *string       `json:"status,omitempty"`
	Action      *string       `json:"action,omitempty"`
	Entry       *string       `json:"entry,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// DeltaRecord is the summary of one computed delta.
type DeltaRecord struct {
	ID         int64          `json:"id"`
	Fabric     string         `json:"fabric"`
	Summary    map[string]int `json:"summary"`
	HasErrors  bool           `json:"has_errors"`
	ComputedAt time.Time      `json:"computed_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "plan.applied", "plan.denied", "execution.cancelled"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionFilter narrows ListExecutions. Empty fields match everything.
type ExecutionFilter struct {
	Fabric string
	Status ExecutionStatus
	Limit  int
	Offset int
}

// Store defines the interface for the persistence layer
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	FinishExecution(ctx context.Context, id string, status ExecutionStatus, endedAt time.Time, reportXML, errMsg *string) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	AppendStepEvent(ctx context.Context, event *StepEvent) error
	ListStepEvents(ctx context.Context, executionID string) ([]*StepEvent, error)

	RecordDelta(ctx context.Context, record *DeltaRecord) error
	ListDeltas(ctx context.Context, fabric string, limit int) ([]*DeltaRecord, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}
