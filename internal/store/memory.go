package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	steps   map[string]*Step
	events  []*Event
	eventID int64
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*Run),
		steps: make(map[string]*Step),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	run.StateVersion = 1
	if run.Status == "" {
		run.Status = RunPending
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, statuses ...RunStatus) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []*Run
	for _, run := range m.runs {
		if len(statuses) > 0 && !containsRunStatus(statuses, run.Status) {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (m *MemoryStore) TransitionRun(_ context.Context, id string, to RunStatus, from ...RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if !containsRunStatus(from, run.Status) {
		return ErrConflict
	}
	run.Status = to
	run.StateVersion++
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	if stored.StateVersion != run.StateVersion {
		return ErrConflict
	}
	stored.EngineID = run.EngineID
	stored.Model = run.Model
	stored.WorktreePath = run.WorktreePath
	stored.StateVersion++
	stored.UpdatedAt = time.Now().UTC()
	run.StateVersion = stored.StateVersion
	return nil
}

func (m *MemoryStore) CreateStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now
	step.StateVersion = 1
	if step.Status == "" {
		step.Status = StepPending
	}
	cp := *step
	cp.DependsOn = append([]string(nil), step.DependsOn...)
	m.steps[step.ID] = &cp
	return nil
}

func (m *MemoryStore) GetStep(_ context.Context, id string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[id]
	if !ok {
		return nil, ErrStepNotFound
	}
	cp := *step
	cp.DependsOn = append([]string(nil), step.DependsOn...)
	return &cp, nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var steps []*Step
	for _, step := range m.steps {
		if step.RunID != runID {
			continue
		}
		cp := *step
		cp.DependsOn = append([]string(nil), step.DependsOn...)
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

func (m *MemoryStore) TransitionStep(_ context.Context, id string, to StepStatus, from ...StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return ErrStepNotFound
	}
	if !containsStepStatus(from, step.Status) {
		return ErrConflict
	}
	step.Status = to
	step.StateVersion++
	step.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.steps[step.ID]
	if !ok {
		return ErrStepNotFound
	}
	if stored.StateVersion != step.StateVersion {
		return ErrConflict
	}
	stored.EngineID = step.EngineID
	stored.Model = step.Model
	stored.QAPolicy = step.QAPolicy
	stored.MaxRetries = step.MaxRetries
	stored.DependsOn = append([]string(nil), step.DependsOn...)
	stored.Summary = step.Summary
	stored.StateVersion++
	stored.UpdatedAt = time.Now().UTC()
	step.StateVersion = stored.StateVersion
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventID++
	ev.ID = m.eventID
	ev.CreatedAt = time.Now().UTC()
	cp := *ev
	if len(ev.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, runID, stepID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*Event
	for _, ev := range m.events {
		if ev.RunID != runID {
			continue
		}
		if stepID != "" && ev.StepID != stepID {
			continue
		}
		cp := *ev
		events = append(events, &cp)
	}
	return events, nil
}

func containsRunStatus(list []RunStatus, s RunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsStepStatus(list []StepStatus, s StepStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
