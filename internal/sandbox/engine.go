// Package sandbox runs generated R scripts in disposable Docker containers
// with memory, CPU, timeout, and network limits. The docker CLI is the
// control plane; every container carries ComponentLabel so orphans can be
// found and removed.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ComponentLabel marks every container created by this engine.
const ComponentLabel = "org.concord.component=sandbox"

// runCommand executes one docker CLI invocation and returns the demuxed
// streams plus the process exit code. A non-zero exit is not an error;
// callers decide what it means.
type runCommand func(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error)

// Engine is the single point of contact with the Docker daemon.
type Engine struct {
	binary string
	run    runCommand
}

func NewEngine() *Engine {
	e := &Engine{binary: "docker"}
	e.run = e.execDocker
	return e
}

func (e *Engine) execDocker(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// Ping verifies the Docker daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, stderr, code, err := e.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker daemon not reachable: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// EnsureImage checks that image exists locally and builds it from
// dockerfileDir when missing. Returns true when the image is available.
func (e *Engine) EnsureImage(ctx context.Context, image, dockerfileDir string) (bool, error) {
	_, _, code, err := e.run(ctx, "image", "inspect", image)
	if err != nil {
		return false, err
	}
	if code == 0 {
		return true, nil
	}
	if strings.TrimSpace(dockerfileDir) == "" {
		return false, nil
	}
	tag := image
	if !strings.Contains(tag, ":") {
		tag += ":latest"
	}
	_, stderr, code, err := e.run(ctx, "build", "-t", tag, dockerfileDir)
	if err != nil {
		return false, err
	}
	if code != 0 {
		return false, fmt.Errorf("build %s: %s", tag, strings.TrimSpace(stderr))
	}
	return true, nil
}

// CleanupContainers force-removes every container carrying label and
// returns how many were removed.
func (e *Engine) CleanupContainers(ctx context.Context, label string) (int, error) {
	if strings.TrimSpace(label) == "" {
		label = ComponentLabel
	}
	stdout, stderr, code, err := e.run(ctx, "ps", "-aq", "--filter", "label="+label)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("list containers: %s", strings.TrimSpace(stderr))
	}
	ids := strings.Fields(stdout)
	removed := 0
	for _, id := range ids {
		_, _, code, err := e.run(ctx, "rm", "-f", id)
		if err != nil {
			return removed, err
		}
		if code == 0 {
			removed++
		}
	}
	return removed, nil
}
