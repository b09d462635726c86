package pipeline

import (
	"time"

	"github.com/concordhq/concord/internal/fsutil"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
)

// StepResult is one execution attempt as persisted in state.json.
type StepResult struct {
	Success         bool       `json:"success"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	Class           ErrorClass `json:"class,omitempty"`
	Attempt         int        `json:"attempt"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// StepState is the current state of one pipeline step with its full
// attempt history.
type StepState struct {
	Name        string       `json:"name"`
	AgentType   string       `json:"agent_type"`
	Track       string       `json:"track"`
	Status      StepStatus   `json:"status"`
	Attempts    []StepResult `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
}

// PipelineState is the complete run state, overwritten atomically after
// every transition. It exists for audit and inspection, not resume.
type PipelineState struct {
	RunID       string                `json:"run_id"`
	StartedAt   time.Time             `json:"started_at"`
	Steps       map[string]*StepState `json:"steps"`
	StepOrder   []string              `json:"step_order"`
	CurrentStep string                `json:"current_step,omitempty"`
	Status      string                `json:"status"`
}

func NewPipelineState(runID string) *PipelineState {
	return &PipelineState{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Steps:     map[string]*StepState{},
		Status:    "running",
	}
}

func (s *PipelineState) StartStep(name, agentType, track string, maxAttempts int) {
	if _, ok := s.Steps[name]; !ok {
		s.StepOrder = append(s.StepOrder, name)
	}
	s.Steps[name] = &StepState{
		Name:        name,
		AgentType:   agentType,
		Track:       track,
		Status:      StepRunning,
		MaxAttempts: maxAttempts,
	}
	s.CurrentStep = name
}

// RecordAttempts folds a retry ledger into the step's state.
func (s *PipelineState) RecordAttempts(name string, attempts []Attempt, success bool) {
	step, ok := s.Steps[name]
	if !ok {
		return
	}
	step.Attempts = step.Attempts[:0]
	for _, a := range attempts {
		step.Attempts = append(step.Attempts, StepResult{
			Success:         a.Class == "",
			Output:          a.Result.Stdout,
			Error:           a.Result.Stderr,
			Class:           a.Class,
			Attempt:         a.Number,
			DurationSeconds: a.Result.DurationSeconds,
		})
	}
	if success {
		step.Status = StepCompleted
	} else {
		step.Status = StepFailed
	}
}

func (s *PipelineState) FailStep(name string) {
	if step, ok := s.Steps[name]; ok {
		step.Status = StepFailed
	}
}

func (s *PipelineState) Complete() {
	s.Status = "completed"
	s.CurrentStep = ""
}

func (s *PipelineState) Fail() {
	s.Status = "failed"
}

func (s *PipelineState) Save(path string) error {
	return fsutil.WriteJSONAtomic(path, s)
}

func LoadPipelineState(path string) (*PipelineState, error) {
	var s PipelineState
	if err := fsutil.ReadJSON(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
