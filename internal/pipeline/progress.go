package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Progress receives pipeline lifecycle events. Implementations must not
// block; the orchestrator calls them inline.
type Progress interface {
	OnStepStart(step, agentType, track string)
	OnStepRetry(step string, attempt, maxAttempts int, errText string)
	OnStepComplete(step string, durationSeconds float64, attempts int)
	OnStepFail(step string, class ErrorClass, message, suggestion string)
	OnLLMCall(provider, model string, inputTokens, outputTokens int)
	OnResolutionStart(stage string, iteration, maxIterations int)
	OnResolutionComplete(stage string, resolved bool, iterations int)
	OnPipelineComplete(outputDir string, totalSeconds float64)
	OnPipelineFail(errText string)
}

// InteractiveProgress adds stage-boundary checkpoints. The orchestrator
// discovers the capability with a type assertion; plain Progress
// implementations are unaffected.
type InteractiveProgress interface {
	Progress
	// OnCheckpoint returns false to abort the run at this boundary.
	OnCheckpoint(ctx context.Context, stageName string, summary map[string]any) (bool, error)
}

// NopProgress discards every event.
type NopProgress struct{}

func (NopProgress) OnStepStart(string, string, string)            {}
func (NopProgress) OnStepRetry(string, int, int, string)          {}
func (NopProgress) OnStepComplete(string, float64, int)           {}
func (NopProgress) OnStepFail(string, ErrorClass, string, string) {}
func (NopProgress) OnLLMCall(string, string, int, int)            {}
func (NopProgress) OnResolutionStart(string, int, int)            {}
func (NopProgress) OnResolutionComplete(string, bool, int)        {}
func (NopProgress) OnPipelineComplete(string, float64)            {}
func (NopProgress) OnPipelineFail(string)                         {}

// EventLog appends one JSON object per line to progress.ndjson. Append
// failures are swallowed: progress is advisory and must never fail a run.
type EventLog struct {
	mu   sync.Mutex
	path string
}

func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

func (l *EventLog) Append(event string, fields map[string]any) {
	if l == nil || l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		rec[k] = v
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(b, '\n'))
}
