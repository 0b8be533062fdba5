// Package models defines embedded flow (multi-step form) types.
package models

import "time"

// FlowStepKind describes the input widget of one flow step.
type FlowStepKind string

const (
	// FlowStepText collects a free-form text answer.
	FlowStepText FlowStepKind = "text"
	// FlowStepChoice collects one answer from a fixed option list.
	FlowStepChoice FlowStepKind = "choice"
	// FlowStepDate collects a date answer.
	FlowStepDate FlowStepKind = "date"
)

// FlowStep is one screen of an embedded multi-step form.
type FlowStep struct {
	ID      string       `json:"id"`
	Kind    FlowStepKind `json:"kind"`
	Prompt  string       `json:"prompt"`
	Options []string     `json:"options,omitempty"`
}

// FlowDefinition describes an embedded form attached to a scripted message.
type FlowDefinition struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	Steps []FlowStep `json:"steps"`
}

// Validate checks a flow definition attached to a scripted message.
func (f *FlowDefinition) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if len(f.Steps) == 0 {
		return ErrNoFlowSteps
	}
	if len(f.Steps) > MaxFlowSteps {
		return ErrTooManyFlowSteps
	}
	return nil
}

// FlowStatus represents the lifecycle state of a triggered flow.
type FlowStatus string

const (
	// FlowStatusActive indicates the flow is awaiting a submission.
	FlowStatusActive FlowStatus = "active"
	// FlowStatusCompleted indicates a result was submitted in time.
	FlowStatusCompleted FlowStatus = "completed"
	// FlowStatusCancelled indicates the flow was cancelled by the caller.
	FlowStatusCancelled FlowStatus = "cancelled"
	// FlowStatusTimedOut indicates the flow hit its max execution time.
	FlowStatusTimedOut FlowStatus = "timed_out"
)

// FlowState tracks one triggered flow instance. Created when a flow message is
// reached, moved to history on completion, cancellation, or timeout.
type FlowState struct {
	FlowID       string            `json:"flow_id"`
	FlowToken    string            `json:"flow_token"`
	MessageIndex int               `json:"message_index"`
	Status       FlowStatus        `json:"status"`
	Data         map[string]string `json:"data,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Result       map[string]string `json:"result,omitempty"`
}

// IsActive reports whether the flow is still awaiting a submission.
func (f FlowState) IsActive() bool { return f.Status == FlowStatusActive }

// IsCompleted reports whether a result was submitted in time.
func (f FlowState) IsCompleted() bool { return f.Status == FlowStatusCompleted }

// HasError reports whether the flow ended without a result.
func (f FlowState) HasError() bool {
	return f.Status == FlowStatusTimedOut || f.Status == FlowStatusCancelled
}
