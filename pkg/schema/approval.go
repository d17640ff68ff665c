package schema

import "time"

// ApprovalRequest is surfaced when a human_approval step suspends an
// execution. It carries everything an approver needs to decide.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Prompt      string         `json:"prompt"`
	Approvers   []string       `json:"approvers,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ApprovalDecision resolves a pending ApprovalRequest.
type ApprovalDecision struct {
	RequestID string         `json:"request_id"`
	Approved  bool           `json:"approved"`
	Approver  string         `json:"approver,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"` // exposed as the step's output data
}
