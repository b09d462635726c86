package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/concordhq/concord/internal/sandbox"
)

// GenerateFunc produces script source for one attempt. previousError is
// empty on the first attempt and carries the prior filtered stderr on
// retries.
type GenerateFunc func(ctx context.Context, previousError string, attempt int) (string, error)

// ScriptExecutor runs one script in the sandbox. *sandbox.Executor
// satisfies it; tests substitute fakes.
type ScriptExecutor interface {
	Execute(ctx context.Context, code string, workDir string, inputVolumes map[string]string) (sandbox.Result, error)
}

// Attempt is one ledger entry of the retry loop. Class is empty for the
// successful attempt.
type Attempt struct {
	Number    int            `json:"number"`
	Code      string         `json:"code"`
	Result    sandbox.Result `json:"result"`
	Class     ErrorClass     `json:"class,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NonRetriableError halts the loop on a class that retrying cannot fix.
// The ledger holds every attempt up to and including the failing one.
type NonRetriableError struct {
	Class    ErrorClass
	Stderr   string
	Attempts []Attempt
}

func (e *NonRetriableError) Error() string {
	return fmt.Sprintf("non-retriable error (%s): %s", e.Class, truncate(e.Stderr, 500))
}

// MaxRetriesError reports an exhausted attempt budget. The ledger holds
// exactly MaxAttempts entries.
type MaxRetriesError struct {
	MaxAttempts int
	Attempts    []Attempt
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("failed after %d attempts", e.MaxAttempts)
}

// RetryOptions bound one retry loop.
type RetryOptions struct {
	MaxAttempts  int
	InputVolumes map[string]string
	// OnRetry is called before each attempt after the first.
	OnRetry func(attempt, maxAttempts int, errText string)
}

// ExecuteWithRetry runs the generate/execute/filter/classify loop. On
// success it returns the script's stdout and the full attempt ledger.
// Non-retriable classes short-circuit immediately; exhaustion returns
// *MaxRetriesError.
func ExecuteWithRetry(ctx context.Context, generate GenerateFunc, exec ScriptExecutor, workDir string, opts RetryOptions) (string, []Attempt, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var attempts []Attempt
	lastError := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", attempts, err
		}
		if attempt > 1 && opts.OnRetry != nil {
			opts.OnRetry(attempt, maxAttempts, lastError)
		}

		code, err := generate(ctx, lastError, attempt)
		if err != nil {
			return "", attempts, fmt.Errorf("generate attempt %d: %w", attempt, err)
		}

		res, err := exec.Execute(ctx, code, workDir, opts.InputVolumes)
		if err != nil {
			return "", attempts, fmt.Errorf("execute attempt %d: %w", attempt, err)
		}

		filtered := FilterRStderr(res.Stderr)
		res.Stderr = filtered

		if res.ExitCode == 0 && !res.TimedOut && !IsRealError(filtered) {
			attempts = append(attempts, Attempt{
				Number:    attempt,
				Code:      code,
				Result:    res,
				Timestamp: time.Now().UTC(),
			})
			return res.Stdout, attempts, nil
		}

		class := ClassifyError(filtered, res.ExitCode, res.TimedOut)
		attempts = append(attempts, Attempt{
			Number:    attempt,
			Code:      code,
			Result:    res,
			Class:     class,
			Timestamp: time.Now().UTC(),
		})

		if !IsRetriable(class) {
			return "", attempts, &NonRetriableError{Class: class, Stderr: filtered, Attempts: attempts}
		}
		lastError = filtered
	}

	return "", attempts, &MaxRetriesError{MaxAttempts: maxAttempts, Attempts: attempts}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
