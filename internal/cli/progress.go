package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/concordhq/concord/internal/pipeline"
)

// consoleProgress renders pipeline events as single stderr lines. Both
// tracks emit concurrently, so writes are serialized.
type consoleProgress struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsoleProgress(w io.Writer) *consoleProgress {
	return &consoleProgress{w: w}
}

func (p *consoleProgress) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *consoleProgress) OnStepStart(step, agentType, track string) {
	p.printf("[%s] %s: generating and executing", track, step)
}

func (p *consoleProgress) OnStepRetry(step string, attempt, maxAttempts int, errText string) {
	p.printf("[retry] %s attempt %d/%d after: %s", step, attempt, maxAttempts, firstLine(errText))
}

func (p *consoleProgress) OnStepComplete(step string, durationSeconds float64, attempts int) {
	p.printf("[done] %s in %.1fs (%d attempt(s))", step, durationSeconds, attempts)
}

func (p *consoleProgress) OnStepFail(step string, class pipeline.ErrorClass, message, suggestion string) {
	p.printf("[fail] %s (%s): %s", step, class, firstLine(message))
	if suggestion != "" {
		p.printf("       suggestion: %s", suggestion)
	}
}

func (p *consoleProgress) OnLLMCall(provider, model string, inputTokens, outputTokens int) {
	p.printf("[llm] %s/%s tokens in=%d out=%d", provider, model, inputTokens, outputTokens)
}

func (p *consoleProgress) OnResolutionStart(stage string, iteration, maxIterations int) {
	p.printf("[resolution] %s: iteration %d/%d", stage, iteration, maxIterations)
}

func (p *consoleProgress) OnResolutionComplete(stage string, resolved bool, iterations int) {
	if resolved {
		p.printf("[resolution] %s resolved after %d iteration(s)", stage, iterations)
		return
	}
	p.printf("[resolution] %s unresolved after %d iteration(s)", stage, iterations)
}

func (p *consoleProgress) OnPipelineComplete(outputDir string, totalSeconds float64) {
	p.printf("pipeline complete in %.1fs, artifacts in %s", totalSeconds, outputDir)
}

func (p *consoleProgress) OnPipelineFail(errText string) {
	p.printf("pipeline failed: %s", firstLine(errText))
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
