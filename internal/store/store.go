package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Step records (materialized view, keyed by qualified step ID)
	UpsertStepRecord(ctx context.Context, rec *StepRecord) error
	GetStepRecord(ctx context.Context, executionID, stepID string) (*StepRecord, error)
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error)

	// Checkpoints (metadata only, monotonic sequence per execution)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
	PruneCheckpoints(ctx context.Context, executionID string, keep int) (int, error)

	// Approvals
	CreateApproval(ctx context.Context, ap *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ResolveApproval(ctx context.Context, id, status, decidedBy string, decision []byte) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Templates
	StoreTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, name, version string) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Secrets (ciphertext only, encryption happens in the vault layer)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Audit events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	// GetEventsByType matches all event types when eventType is empty.
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
