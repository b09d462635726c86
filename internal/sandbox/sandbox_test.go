package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

type call struct {
	args []string
}

// fakeRunner scripts docker CLI responses by verb (args[0]).
type fakeRunner struct {
	calls   []call
	respond func(args []string) (string, string, int, error)
}

func (f *fakeRunner) run(ctx context.Context, args ...string) (string, string, int, error) {
	f.calls = append(f.calls, call{args: args})
	return f.respond(args)
}

func (f *fakeRunner) argsFor(verb string) []string {
	for _, c := range f.calls {
		if c.args[0] == verb {
			return c.args
		}
	}
	return nil
}

func newFakeEngine(respond func(args []string) (string, string, int, error)) (*Engine, *fakeRunner) {
	f := &fakeRunner{respond: respond}
	e := NewEngine()
	e.run = f.run
	return e, f
}

func happyPath(args []string) (string, string, int, error) {
	switch args[0] {
	case "create":
		return "abc123\n", "", 0, nil
	case "start":
		return "", "", 0, nil
	case "wait":
		return "0\n", "", 0, nil
	case "logs":
		return "script stdout", "script stderr", 0, nil
	case "rm":
		return "", "", 0, nil
	}
	return "", "", 0, nil
}

func TestExecuteCapturesBothStreams(t *testing.T) {
	engine, fake := newFakeEngine(happyPath)
	x := NewExecutor(engine, Options{Image: "img:latest", Timeout: time.Minute, NetworkDisabled: true})

	res, err := x.Execute(context.Background(), "x <- 1", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Stdout != "script stdout" || res.Stderr != "script stderr" {
		t.Fatalf("streams not captured separately: %+v", res)
	}
	logsCalls := 0
	for _, c := range fake.calls {
		if c.args[0] == "logs" {
			logsCalls++
		}
	}
	if logsCalls != 2 {
		t.Fatalf("got %d logs calls, want one per stream", logsCalls)
	}
	if fake.argsFor("rm") == nil {
		t.Fatal("container was not removed")
	}
}

func TestExecuteContainerFlags(t *testing.T) {
	engine, fake := newFakeEngine(happyPath)
	x := NewExecutor(engine, Options{
		Image:           "img:latest",
		MemoryLimit:     "2g",
		CPUCount:        1,
		Timeout:         time.Minute,
		NetworkDisabled: true,
	})
	if _, err := x.Execute(context.Background(), "x <- 1", t.TempDir(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	created := strings.Join(fake.argsFor("create"), " ")
	for _, want := range []string{
		"--label " + ComponentLabel,
		"--memory 2g",
		"--cpus 1",
		"--network none",
		"Rscript /workspace/script.R",
	} {
		if !strings.Contains(created, want) {
			t.Fatalf("create args missing %q: %s", want, created)
		}
	}
}

func TestExecuteNetworkEnabled(t *testing.T) {
	engine, fake := newFakeEngine(happyPath)
	x := NewExecutor(engine, Options{Image: "img:latest", Timeout: time.Minute, NetworkDisabled: false})
	if _, err := x.Execute(context.Background(), "x <- 1", t.TempDir(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	created := strings.Join(fake.argsFor("create"), " ")
	if strings.Contains(created, "--network none") {
		t.Fatalf("network should not be disabled: %s", created)
	}
}

func TestExecuteTimeoutStopsContainer(t *testing.T) {
	respond := func(args []string) (string, string, int, error) {
		switch args[0] {
		case "create":
			return "abc123\n", "", 0, nil
		case "wait":
			// Simulate docker wait killed by the timeout context.
			return "", "", 1, context.DeadlineExceeded
		case "logs":
			return "", "partial output", 0, nil
		}
		return "", "", 0, nil
	}
	engine, fake := newFakeEngine(respond)
	x := NewExecutor(engine, Options{Image: "img:latest", Timeout: 10 * time.Millisecond})

	res, err := x.Execute(context.Background(), "Sys.sleep(600)", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Fatalf("got exit %d want -1", res.ExitCode)
	}
	if fake.argsFor("stop") == nil {
		t.Fatal("timed-out container was not stopped")
	}
	if fake.argsFor("rm") == nil {
		t.Fatal("timed-out container was not removed")
	}
}

func TestExecuteRemovesContainerOnScriptFailure(t *testing.T) {
	respond := func(args []string) (string, string, int, error) {
		switch args[0] {
		case "create":
			return "abc123\n", "", 0, nil
		case "wait":
			return "1\n", "", 0, nil
		case "logs":
			return "", "Error in eval(expr) : object 'x' not found", 0, nil
		}
		return "", "", 0, nil
	}
	engine, fake := newFakeEngine(respond)
	x := NewExecutor(engine, Options{Image: "img:latest", Timeout: time.Minute})

	res, err := x.Execute(context.Background(), "print(x)", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("got exit %d want 1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "object 'x' not found") {
		t.Fatalf("stderr lost: %q", res.Stderr)
	}
	if fake.argsFor("rm") == nil {
		t.Fatal("failed container was not removed")
	}
}

func TestExecuteInputVolumesReadOnly(t *testing.T) {
	engine, fake := newFakeEngine(happyPath)
	x := NewExecutor(engine, Options{Image: "img:latest", Timeout: time.Minute})
	vols := map[string]string{t.TempDir(): "/workspace/input"}
	if _, err := x.Execute(context.Background(), "x <- 1", t.TempDir(), vols); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	created := strings.Join(fake.argsFor("create"), " ")
	if !strings.Contains(created, ":/workspace/input:ro") {
		t.Fatalf("input volume not mounted read-only: %s", created)
	}
}

func TestEnsureImageBuildsWhenMissing(t *testing.T) {
	respond := func(args []string) (string, string, int, error) {
		switch args[0] {
		case "image":
			return "", "No such image", 1, nil
		case "build":
			return "", "", 0, nil
		}
		return "", "", 0, nil
	}
	engine, fake := newFakeEngine(respond)
	ok, err := engine.EnsureImage(context.Background(), "img", "docker/r-clinical")
	if err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	if !ok {
		t.Fatal("expected image to be available after build")
	}
	built := strings.Join(fake.argsFor("build"), " ")
	if !strings.Contains(built, "-t img:latest") {
		t.Fatalf("build args: %s", built)
	}
}

func TestEnsureImageNoDockerfile(t *testing.T) {
	respond := func(args []string) (string, string, int, error) {
		return "", "No such image", 1, nil
	}
	engine, _ := newFakeEngine(respond)
	ok, err := engine.EnsureImage(context.Background(), "img", "")
	if err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	if ok {
		t.Fatal("image should not be available without a dockerfile dir")
	}
}

func TestCleanupContainers(t *testing.T) {
	respond := func(args []string) (string, string, int, error) {
		switch args[0] {
		case "ps":
			return "id1\nid2\n", "", 0, nil
		case "rm":
			return "", "", 0, nil
		}
		return "", "", 0, nil
	}
	engine, fake := newFakeEngine(respond)
	n, err := engine.CleanupContainers(context.Background(), "")
	if err != nil {
		t.Fatalf("CleanupContainers: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d want 2", n)
	}
	ps := strings.Join(fake.argsFor("ps"), " ")
	if !strings.Contains(ps, "label="+ComponentLabel) {
		t.Fatalf("ps filter missing component label: %s", ps)
	}
}
