package goal

import (
	"context"

	"github.com/google/uuid"
)

// Goal is a natural-language command submitted to the conversation engine.
type Goal struct {
	ID      string `json:"goalId"`
	Command string `json:"command"`
}

// New wraps an already sanitized command into a Goal with a fresh identifier.
func New(command string) Goal {
	return Goal{ID: uuid.NewString(), Command: command}
}

// Status mirrors the action-goal terminal and intermediate states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPreempted Status = "preempted"
	StatusSucceeded Status = "succeeded"
	StatusAborted   Status = "aborted"
	StatusRejected  Status = "rejected"
	StatusRecalled  Status = "recalled"
	StatusLost      Status = "lost"
)

// Terminal reports whether no further callbacks follow this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusPreempted, StatusSucceeded, StatusAborted, StatusRejected, StatusRecalled, StatusLost:
		return true
	default:
		return false
	}
}

// Result is the completion payload of a goal.
type Result struct {
	ResultSentence string `json:"result_sentence"`
}

// Feedback is the progress payload of a goal. Its content is engine specific.
type Feedback map[string]any

// DoneFunc is invoked once when a goal reaches a terminal status.
type DoneFunc func(ctx context.Context, status Status, result Result)

// FeedbackFunc is invoked for every progress update of a goal.
type FeedbackFunc func(ctx context.Context, status Status, feedback Feedback)
