package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/concordhq/concord/internal/sandbox"
)

// scriptedExecutor returns one canned result per call, in order.
type scriptedExecutor struct {
	results []sandbox.Result
	calls   int
	volumes []map[string]string
}

func (e *scriptedExecutor) Execute(_ context.Context, _ string, _ string, inputVolumes map[string]string) (sandbox.Result, error) {
	e.volumes = append(e.volumes, inputVolumes)
	res := e.results[e.calls]
	e.calls++
	return res, nil
}

func staticGenerate(code string) GenerateFunc {
	return func(_ context.Context, _ string, _ int) (string, error) {
		return code, nil
	}
}

func TestExecuteWithRetrySuccessFirstAttempt(t *testing.T) {
	exec := &scriptedExecutor{results: []sandbox.Result{
		{ExitCode: 0, Stdout: "done\n", Stderr: "Loading required package: survival\n"},
	}}
	stdout, attempts, err := ExecuteWithRetry(context.Background(), staticGenerate("x <- 1"), exec, t.TempDir(), RetryOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != "done\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Class != "" {
		t.Fatalf("success attempt has class %q", attempts[0].Class)
	}
	if attempts[0].Result.Stderr != "" {
		t.Fatalf("stderr not filtered: %q", attempts[0].Result.Stderr)
	}
}

func TestExecuteWithRetryRecoversFromCodeBug(t *testing.T) {
	exec := &scriptedExecutor{results: []sandbox.Result{
		{ExitCode: 1, Stderr: "Error in eval(expr) : object 'dm' not found"},
		{ExitCode: 0, Stdout: "ok"},
	}}

	var feedback []string
	generate := func(_ context.Context, previousError string, attempt int) (string, error) {
		feedback = append(feedback, previousError)
		return "code", nil
	}
	var retries int
	_, attempts, err := ExecuteWithRetry(context.Background(), generate, exec, t.TempDir(), RetryOptions{
		MaxAttempts: 3,
		OnRetry:     func(int, int, string) { retries++ },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Class != ClassCodeBug {
		t.Fatalf("attempt 1 class = %s", attempts[0].Class)
	}
	if feedback[0] != "" {
		t.Fatalf("first attempt got feedback %q", feedback[0])
	}
	if feedback[1] == "" {
		t.Fatal("second attempt got no prior stderr")
	}
	if retries != 1 {
		t.Fatalf("OnRetry called %d times, want 1", retries)
	}
}

func TestExecuteWithRetryNonRetriableShortCircuits(t *testing.T) {
	exec := &scriptedExecutor{results: []sandbox.Result{
		{ExitCode: 1, Stderr: "Error: there is no package called 'survminer'"},
	}}
	_, attempts, err := ExecuteWithRetry(context.Background(), staticGenerate("code"), exec, t.TempDir(), RetryOptions{MaxAttempts: 3})
	var nonRetriable *NonRetriableError
	if !errors.As(err, &nonRetriable) {
		t.Fatalf("err = %v, want NonRetriableError", err)
	}
	if nonRetriable.Class != ClassEnvironmentError {
		t.Fatalf("class = %s", nonRetriable.Class)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if exec.calls != 1 {
		t.Fatalf("executor called %d times, want 1", exec.calls)
	}
}

func TestExecuteWithRetryExhaustion(t *testing.T) {
	fail := sandbox.Result{ExitCode: 1, Stderr: "Error in eval : object 'x' not found"}
	exec := &scriptedExecutor{results: []sandbox.Result{fail, fail, fail}}
	_, attempts, err := ExecuteWithRetry(context.Background(), staticGenerate("code"), exec, t.TempDir(), RetryOptions{MaxAttempts: 3})
	var exhausted *MaxRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want MaxRetriesError", err)
	}
	if exhausted.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d", exhausted.MaxAttempts)
	}
	if len(attempts) != 3 {
		t.Fatalf("ledger has %d entries, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.Number)
		}
		if a.Class != ClassCodeBug {
			t.Errorf("attempt %d class = %s", i, a.Class)
		}
	}
}

func TestExecuteWithRetryTimeoutIsRetriable(t *testing.T) {
	exec := &scriptedExecutor{results: []sandbox.Result{
		{ExitCode: -1, TimedOut: true},
		{ExitCode: 0},
	}}
	_, attempts, err := ExecuteWithRetry(context.Background(), staticGenerate("code"), exec, t.TempDir(), RetryOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts[0].Class != ClassTimeout {
		t.Fatalf("attempt 1 class = %s", attempts[0].Class)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
}

func TestExecuteWithRetryExitZeroWithErrorFails(t *testing.T) {
	// R can exit 0 while writing a real error through warnings()
	exec := &scriptedExecutor{results: []sandbox.Result{
		{ExitCode: 0, Stderr: "Error in fit : singular"},
	}}
	_, _, err := ExecuteWithRetry(context.Background(), staticGenerate("code"), exec, t.TempDir(), RetryOptions{MaxAttempts: 1})
	var nonRetriable *NonRetriableError
	if !errors.As(err, &nonRetriable) {
		t.Fatalf("err = %v, want NonRetriableError", err)
	}
	if nonRetriable.Class != ClassStatisticalError {
		t.Fatalf("class = %s", nonRetriable.Class)
	}
}

func TestExecuteWithRetryPassesInputVolumes(t *testing.T) {
	exec := &scriptedExecutor{results: []sandbox.Result{{ExitCode: 0}}}
	vols := map[string]string{"/data/raw": "/workspace/input"}
	_, _, err := ExecuteWithRetry(context.Background(), staticGenerate("code"), exec, t.TempDir(), RetryOptions{MaxAttempts: 1, InputVolumes: vols})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := exec.volumes[0]["/data/raw"]; got != "/workspace/input" {
		t.Fatalf("volumes not threaded: %v", exec.volumes[0])
	}
}

func TestExecuteWithRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := &scriptedExecutor{results: []sandbox.Result{{ExitCode: 0}}}
	_, _, err := ExecuteWithRetry(ctx, staticGenerate("code"), exec, t.TempDir(), RetryOptions{MaxAttempts: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if exec.calls != 0 {
		t.Fatalf("executor ran despite cancelled context")
	}
}
