package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Result captures one sandboxed execution. Stdout and stderr are demuxed;
// classification depends on that separation.
type Result struct {
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_seconds"`
	TimedOut        bool    `json:"timed_out"`
}

// Options bound one execution. Timeout covers the script run only, not
// image pulls or container setup.
type Options struct {
	Image           string
	MemoryLimit     string
	CPUCount        int
	Timeout         time.Duration
	NetworkDisabled bool
}

// Executor runs one R script per container. Each Execute call creates a
// fresh container and removes it before returning, success or not.
type Executor struct {
	engine *Engine
	opts   Options
}

func NewExecutor(engine *Engine, opts Options) *Executor {
	if opts.Image == "" {
		opts.Image = "concord-r-clinical:latest"
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "2g"
	}
	if opts.CPUCount <= 0 {
		opts.CPUCount = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Executor{engine: engine, opts: opts}
}

// Execute writes code to script.R in workDir, mounts workDir read-write at
// /workspace plus inputVolumes read-only, runs Rscript, and captures both
// streams. The container is always removed, including on timeout and on
// context cancellation.
func (x *Executor) Execute(ctx context.Context, code string, workDir string, inputVolumes map[string]string) (Result, error) {
	scriptPath := filepath.Join(workDir, "script.R")
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("write script: %w", err)
	}

	args := []string{
		"create",
		"--label", ComponentLabel,
		"--memory", x.opts.MemoryLimit,
		"--cpus", strconv.Itoa(x.opts.CPUCount),
	}
	if x.opts.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return Result{}, err
	}
	args = append(args, "-v", absWork+":/workspace:rw")
	for _, host := range sortedKeys(inputVolumes) {
		absHost, err := filepath.Abs(host)
		if err != nil {
			return Result{}, err
		}
		args = append(args, "-v", absHost+":"+inputVolumes[host]+":ro")
	}
	args = append(args, x.opts.Image, "Rscript", "/workspace/script.R")

	stdout, stderr, exitCode, err := x.engine.run(ctx, args...)
	if err != nil {
		return Result{}, err
	}
	if exitCode != 0 {
		return Result{}, fmt.Errorf("create container: %s", strings.TrimSpace(stderr))
	}
	containerID := strings.TrimSpace(stdout)

	// Removal happens on every path out of this function. Orphaned
	// containers from a crashed process are caught by CleanupContainers.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		x.engine.run(rmCtx, "rm", "-f", containerID)
	}()

	start := time.Now()
	_, stderr, exitCode, err = x.engine.run(ctx, "start", containerID)
	if err != nil {
		return Result{}, err
	}
	if exitCode != 0 {
		return Result{}, fmt.Errorf("start container: %s", strings.TrimSpace(stderr))
	}

	scriptExit, timedOut, err := x.wait(ctx, containerID)
	if err != nil {
		return Result{}, err
	}
	duration := time.Since(start).Seconds()

	// Each stream is retrieved with its own logs call; combined-stream
	// demux is unreliable across runtime versions.
	stdoutLog, fetchErr, stdoutExit, err := x.engine.run(ctx, "logs", containerID)
	if err != nil {
		return Result{}, err
	}
	if stdoutExit != 0 {
		return Result{}, fmt.Errorf("fetch stdout log: %s", strings.TrimSpace(fetchErr))
	}
	_, stderrLog, stderrExit, err := x.engine.run(ctx, "logs", containerID)
	if err != nil {
		return Result{}, err
	}
	if stderrExit != 0 {
		return Result{}, fmt.Errorf("fetch stderr log: %s", strings.TrimSpace(stderrLog))
	}

	return Result{
		ExitCode:        scriptExit,
		Stdout:          stdoutLog,
		Stderr:          stderrLog,
		DurationSeconds: duration,
		TimedOut:        timedOut,
	}, nil
}

// wait blocks until the container exits or Options.Timeout elapses. On
// timeout the container is stopped (SIGTERM, then SIGKILL after 10s) and
// the result is reported as exit -1 with TimedOut set.
func (x *Executor) wait(ctx context.Context, containerID string) (exitCode int, timedOut bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, x.opts.Timeout)
	defer cancel()

	stdout, stderr, code, err := x.engine.run(waitCtx, "wait", containerID)
	if err == nil && code == 0 {
		n, perr := strconv.Atoi(strings.TrimSpace(stdout))
		if perr != nil {
			return 0, false, fmt.Errorf("parse container exit code %q", strings.TrimSpace(stdout))
		}
		return n, false, nil
	}
	hitDeadline := errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() == context.DeadlineExceeded
	if hitDeadline && ctx.Err() == nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		_, _, stopCode, stopErr := x.engine.run(stopCtx, "stop", "-t", "10", containerID)
		if stopErr != nil || stopCode != 0 {
			x.engine.run(stopCtx, "kill", containerID)
		}
		return -1, true, nil
	}
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	if err != nil {
		return 0, false, err
	}
	return 0, false, fmt.Errorf("wait for container: %s", strings.TrimSpace(stderr))
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
