// Package store provides persistence for protocol runs, steps, and
// their event log, backed by SQLite or an in-memory map.
package store

import (
	"errors"
	"time"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepNeedsQA   StepStatus = "needs_qa"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepBlocked   StepStatus = "blocked"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepBlocked, StepCancelled:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a protocol run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunBlocked   RunStatus = "blocked"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Active reports whether the run may schedule new step work.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunRunning
}

// Run is one execution of a protocol against a workspace.
type Run struct {
	ID           string
	ProtocolName string
	ProtocolRoot string
	WorkspaceDir string
	WorktreePath string
	Status       RunStatus
	EngineID     string
	Model        string
	StateVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Step is one unit of work inside a run.
type Step struct {
	ID           string
	RunID        string
	Name         string
	Status       StepStatus
	EngineID     string
	Model        string
	QAPolicy     string
	MaxRetries   int
	DependsOn    []string
	Summary      string
	StateVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is an append-only record of a state transition or notable
// occurrence within a run.
type Event struct {
	ID        int64
	RunID     string
	StepID    string
	Type      string
	Message   string
	Metadata  map[string]string
	CreatedAt time.Time
}

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrStepNotFound = errors.New("step not found")

	// ErrConflict is returned when a guarded transition loses a race or
	// the record is not in an allowed source state.
	ErrConflict = errors.New("state transition conflict")
)
