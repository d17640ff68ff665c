package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"` // e.g. "steps.notify.action.params"
	StepID   string             `json:"step_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// Autofix records a normalization the compiler applied on its own.
type Autofix struct {
	Path        string `json:"path"`
	StepID      string `json:"step_id,omitempty"`
	Description string `json:"description"`
	Before      string `json:"before,omitempty"`
	After       string `json:"after,omitempty"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors    []ValidationIssue `json:"errors,omitempty"`
	Warnings  []ValidationIssue `json:"warnings,omitempty"`
	Autofixes []Autofix         `json:"autofixes,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue. The message is a Sprintf format.
func (r *ValidationResult) AddError(path, code, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

// AddStepError appends an error-severity issue attributed to a step.
func (r *ValidationResult) AddStepError(stepID, code, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: "steps." + stepID, StepID: stepID, Code: code,
		Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}

// AddStepWarning appends a warning-severity issue attributed to a step.
func (r *ValidationResult) AddStepWarning(stepID, code, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: "steps." + stepID, StepID: stepID, Code: code,
		Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}

// AddAutofix records an applied normalization.
func (r *ValidationResult) AddAutofix(fix Autofix) {
	r.Autofixes = append(r.Autofixes, fix)
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Autofixes = append(r.Autofixes, other.Autofixes...)
}

// ToError converts the result to an Error if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
