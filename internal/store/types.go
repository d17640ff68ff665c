package store

import (
	"encoding/json"
	"time"

	"github.com/skein-dev/skein/pkg/schema"
)

// Execution is one run of a workflow definition.
type Execution struct {
	ID         string                     `json:"id"`
	Workflow   string                     `json:"workflow"` // template name, "" for ad hoc runs
	Version    string                     `json:"version,omitempty"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	Status     schema.ExecutionStatus     `json:"status"`
	Input      map[string]any             `json:"input,omitempty"`
	Output     json.RawMessage            `json:"output,omitempty"`
	Error      json.RawMessage            `json:"error,omitempty"`
	ParentID   string                     `json:"parent_id,omitempty"` // set for sub-workflow runs
	ScheduleID string                     `json:"schedule_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExecutionUpdate carries partial updates; nil fields are untouched.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Output      json.RawMessage
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time

	// FromStatus guards the update: it applies only while the row still has
	// this status, so a finish cannot clobber a pause or cancel that landed
	// first. A lost race surfaces as ErrCodeConflict.
	FromStatus *schema.ExecutionStatus
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus
	Workflow   string
	ParentID   string
	ScheduleID string
	Since      *time.Time
	Limit      int
	Offset     int
}

// StepRecord is the materialized state of one step within an execution.
// StepID is the qualified ID, so branch and loop instances stay distinct.
type StepRecord struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"` // serialized StepOutput
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

/// Checkpoint marks a consistent recovery point. It stores metadata only:
// which steps completed and where to resume, never step payloads (those live
// in step records).
type Checkpoint struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"` // monotonic per execution
	Reason      string          `json:"reason"`   // level_complete | suspend | pause | delay | approval
	Meta        json.RawMessage `json:"meta"`     // CheckpointMeta
	CreatedAt   time.Time       `json:"created_at"`
}

// CheckpointMeta is the JSON body of a checkpoint.
type CheckpointMeta struct {
	CompletedSteps []string   `json:"completed_steps"`
	PendingSteps   []string   `json:"pending_steps,omitempty"`
	WaitingStep    string     `json:"waiting_step,omitempty"` // step the execution suspended on
	ResumeAt       *time.Time `json:"resume_at,omitempty"`    // for delay suspensions
}

// Approval is a persisted human-approval request and its eventual decision.
type Approval struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Prompt      string          `json:"prompt"`
	Approvers   []string        `json:"approvers,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      string          `json:"status"` // pending | approved | rejected | expired

	DecidedBy  string          `json:"decided_by,omitempty"`
	Decision   json.RawMessage `json:"decision,omitempty"` // schema.ApprovalDecision
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	ExecutionID string
	Status      string
	Approver    string
	Limit       int
}

// Template is a named, versioned workflow definition.
type Template struct {
	Name       string                     `json:"name"`
	Version    string                     `json:"version"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Name  string
	Limit int
}

// Schedule triggers a template on a cron expression.
type Schedule struct {
	ID       string          `json:"id"`
	Workflow string          `json:"workflow"` // template name
	Version  string          `json:"version,omitempty"`
	Cron     string          `json:"cron"`
	Input    json.RawMessage `json:"input,omitempty"`
	Enabled  bool            `json:"enabled"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ScheduleUpdate carries partial schedule updates.
type ScheduleUpdate struct {
	Cron      *string
	Input     json.RawMessage
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// Event is one append-only audit record. Sequence is monotonic per
// execution with no gaps; replay relies on that.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	ExecutionID string
	StepID      string
	Since       *time.Time
	Limit       int
}
