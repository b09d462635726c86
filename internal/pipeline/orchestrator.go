package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/concordhq/concord/internal/config"
	"github.com/concordhq/concord/internal/fsutil"
)

const rawDataFile = "SBPdata.csv"

// GenerateRequest asks a generator for one script attempt.
type GenerateRequest struct {
	Step          string
	TrackID       string
	Context       map[string]string
	PreviousError string
	Attempt       int
}

// ScriptGenerator produces R source for a pipeline step. The agent layer
// implements it on top of an LLM client; tests substitute canned scripts.
type ScriptGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// ReportFunc is invoked once after a non-HALT verdict.
type ReportFunc func(ctx context.Context, verdict ConsensusVerdict, comparisons ComparisonSet, outputDir string) error

// Deps are the orchestrator's collaborators. Preflight, Progress, Report,
// and Cache are optional.
type Deps struct {
	Generator ScriptGenerator
	Executor  ScriptExecutor
	Preflight func(ctx context.Context) error
	Progress  Progress
	Report    ReportFunc
	Cache     *ScriptCache
}

// RunResult is the orchestrator's summary of one completed run.
type RunResult struct {
	RunID       string            `json:"run_id"`
	OutputDir   string            `json:"output_dir"`
	Verdict     ConsensusVerdict  `json:"verdict"`
	Comparisons ComparisonSet     `json:"comparisons"`
	Resolution  *ResolutionResult `json:"resolution,omitempty"`
}

// Orchestrator drives a full dual-track run: shared simulation, two
// independent stage chains, cross-track comparison, optional resolution,
// and the final consensus verdict.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	outputDir string
	rawDir    string

	mu     sync.Mutex
	state  *PipelineState
	events *EventLog
}

func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Progress == nil {
		deps.Progress = NopProgress{}
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run executes the whole pipeline. A HALT verdict is returned as a
// *ConsensusHaltError after all artifacts have been written.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	runID := ulid.Make().String()

	o.outputDir = filepath.Join(o.cfg.OutputDir, runID)
	o.rawDir = filepath.Join(o.outputDir, "raw")
	trackA := o.trackDirs("track_a")
	trackB := o.trackDirs("track_b")

	dirs := []string{
		o.rawDir,
		filepath.Join(o.outputDir, "logs"),
		trackA.SDTMDir, trackA.ADaMDir, trackA.StatsDir,
		trackB.SDTMDir, trackB.ADaMDir, trackB.StatsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create output layout: %w", err)
		}
	}

	o.state = NewPipelineState(runID)
	o.events = NewEventLog(filepath.Join(o.outputDir, "logs", "progress.ndjson"))
	o.events.Append("pipeline_start", map[string]any{"run_id": runID})

	res, err := o.run(ctx, trackA, trackB)
	if err != nil {
		var halt *ConsensusHaltError
		if !errors.As(err, &halt) {
			o.withState(func(s *PipelineState) { s.Fail() })
			o.events.Append("pipeline_fail", map[string]any{"error": err.Error()})
			o.deps.Progress.OnPipelineFail(err.Error())
		}
		return res, err
	}

	o.withState(func(s *PipelineState) { s.Complete() })
	elapsed := time.Since(start).Seconds()
	o.events.Append("pipeline_complete", map[string]any{"duration_seconds": elapsed})
	o.deps.Progress.OnPipelineComplete(o.outputDir, elapsed)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, trackA, trackB TrackResult) (*RunResult, error) {
	if o.deps.Preflight != nil {
		if err := o.deps.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("preflight: %w", err)
		}
	}

	if err := o.runSimulation(ctx); err != nil {
		return nil, err
	}
	ok, err := o.checkpoint(ctx, "raw_data", map[string]any{
		"path":       filepath.Join(o.rawDir, rawDataFile),
		"n_subjects": o.cfg.Trial.NSubjects,
		"visits":     o.cfg.Trial.Visits,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("run aborted at raw data checkpoint")
	}

	// The tracks are independent by design; they share only the raw data
	// and must never see each other's intermediates.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runTrack(gctx, trackA) })
	g.Go(func() error { return o.runTrack(gctx, trackB) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set, err := CompareAll(trackA, trackB)
	if err != nil {
		return nil, fmt.Errorf("compare tracks: %w", err)
	}
	o.events.Append("comparison_complete", map[string]any{"disagreement": set.HasDisagreement()})

	var resolution *ResolutionResult
	if set.HasDisagreement() && o.cfg.ResolutionEnabled() {
		loop := NewResolutionLoop(o.cfg.Resolution.MaxIterations, o.deps.Progress)
		result, resolvedSet, err := loop.Resolve(ctx, *set.FirstDisagreement(), trackA, trackB, o)
		if err != nil {
			return nil, err
		}
		resolution = &result
		set = resolvedSet
		if err := fsutil.WriteJSONAtomic(filepath.Join(o.outputDir, "resolution.json"), result); err != nil {
			return nil, err
		}
	}

	ok, err = o.checkpoint(ctx, "comparison", comparisonSummary(set))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("run aborted at comparison checkpoint")
	}

	// Unrepaired stage divergence halts outright; the metric judge only
	// adjudicates tracks that agree up through their final stage, or that
	// resolution left with a designated winner.
	var verdict ConsensusVerdict
	if set.HasDisagreement() && resolution == nil {
		verdict = HaltOnDisagreement(set)
	} else {
		resultsA, err := LoadStatsResults(trackA.ResultsPath)
		if err != nil {
			return nil, fmt.Errorf("track_a results: %w", err)
		}
		resultsB, err := LoadStatsResults(trackB.ResultsPath)
		if err != nil {
			return nil, fmt.Errorf("track_b results: %w", err)
		}
		verdict = Judge(resultsA, resultsB)
		if resolution != nil && !resolution.Resolved {
			if verdict.Verdict == VerdictPass {
				verdict.Verdict = VerdictWarning
			}
			verdict.InvestigationHints = append(verdict.InvestigationHints, fmt.Sprintf(
				"resolution exhausted after %d iteration(s); %s kept as fallback winner despite residual %s disagreement",
				resolution.Iterations, resolution.WinningTrack, resolution.Stage))
		}
	}
	o.events.Append("verdict", map[string]any{"verdict": string(verdict.Verdict)})

	res := &RunResult{
		RunID:       o.state.RunID,
		OutputDir:   o.outputDir,
		Verdict:     verdict,
		Comparisons: set,
		Resolution:  resolution,
	}
	if err := o.writeArtifacts(res, trackA, trackB); err != nil {
		return nil, err
	}

	if verdict.Verdict == VerdictHalt {
		return res, &ConsensusHaltError{Verdict: verdict}
	}
	if o.deps.Report != nil {
		if err := o.deps.Report(ctx, verdict, set, o.outputDir); err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
	}
	return res, nil
}

// runSimulation generates the shared trial dataset. Both tracks consume
// its output, so it runs once, before the fork.
func (o *Orchestrator) runSimulation(ctx context.Context) error {
	if err := o.runStep(ctx, "simulate", "simulator", "shared", o.rawDir, nil, ""); err != nil {
		return err
	}
	if err := ValidateRawOutput(filepath.Join(o.rawDir, rawDataFile), o.cfg.Trial); err != nil {
		o.withState(func(s *PipelineState) { s.FailStep("simulate") })
		return fmt.Errorf("raw data gate: %w", err)
	}
	return nil
}

func (o *Orchestrator) runTrack(ctx context.Context, track TrackResult) error {
	for _, stage := range []string{"sdtm", "adam", "stats"} {
		if err := o.runStage(ctx, track, stage, ""); err != nil {
			return err
		}
	}
	return ValidateOutputCompleteness(filepath.Join(o.outputDir, track.TrackID))
}

// runStage executes one track stage and its quality gate. A non-empty
// hint is injected into the first generation attempt.
func (o *Orchestrator) runStage(ctx context.Context, track TrackResult, stage, hint string) error {
	workDir := o.stageDir(track, stage)
	step := stage + "_" + track.TrackID

	if err := o.runStep(ctx, step, stage, track.TrackID, workDir, o.stageVolumes(track, stage), hint); err != nil {
		return err
	}

	var gateErr error
	switch stage {
	case "sdtm":
		gateErr = ValidateSDTM(workDir, o.cfg.Trial.NSubjects, o.cfg.Trial.Visits)
	case "adam":
		gateErr = ValidateADaM(workDir, o.cfg.Trial.NSubjects)
	case "stats":
		gateErr = ValidateStats(workDir)
	}
	if gateErr != nil {
		o.withState(func(s *PipelineState) { s.FailStep(step) })
		o.events.Append("gate_fail", map[string]any{"step": step, "error": gateErr.Error()})
		return fmt.Errorf("%s gate: %w", step, gateErr)
	}
	o.events.Append("gate_pass", map[string]any{"step": step})
	return nil
}

// runStep runs the generate/execute/retry loop for one step and records
// the full attempt ledger in the run state.
func (o *Orchestrator) runStep(ctx context.Context, step, agentType, track, workDir string, inputVolumes map[string]string, hint string) error {
	o.deps.Progress.OnStepStart(step, agentType, track)
	o.events.Append("step_start", map[string]any{"step": step, "track": track})
	o.withState(func(s *PipelineState) {
		s.StartStep(step, agentType, track, o.cfg.Retry.MaxAttempts)
	})

	trackForModel := track
	if track == "shared" {
		trackForModel = "track_a"
	}
	generate := o.makeGenerate(step, agentType, trackForModel, hint)

	started := time.Now()
	_, attempts, err := ExecuteWithRetry(ctx, generate, o.deps.Executor, workDir, RetryOptions{
		MaxAttempts:  o.cfg.Retry.MaxAttempts,
		InputVolumes: inputVolumes,
		OnRetry: func(attempt, maxAttempts int, errText string) {
			o.deps.Progress.OnStepRetry(step, attempt, maxAttempts, errText)
			o.events.Append("step_retry", map[string]any{"step": step, "attempt": attempt})
		},
	})
	o.withState(func(s *PipelineState) { s.RecordAttempts(step, attempts, err == nil) })

	if err != nil {
		class := ClassUnknown
		message := err.Error()
		var nonRetriable *NonRetriableError
		var exhausted *MaxRetriesError
		switch {
		case errors.As(err, &nonRetriable):
			class = nonRetriable.Class
		case errors.As(err, &exhausted):
			if n := len(exhausted.Attempts); n > 0 {
				class = exhausted.Attempts[n-1].Class
			}
		}
		o.deps.Progress.OnStepFail(step, class, message, Suggestion(class))
		o.events.Append("step_fail", map[string]any{"step": step, "class": string(class)})
		return fmt.Errorf("step %s: %w", step, err)
	}

	if o.deps.Cache != nil && o.cfg.CacheEnabled() && hint == "" {
		if key, kerr := CacheKey(o.cfg.Trial, agentType, trackForModel); kerr == nil {
			o.deps.Cache.Put(key, attempts[len(attempts)-1].Code)
		}
	}

	o.deps.Progress.OnStepComplete(step, time.Since(started).Seconds(), len(attempts))
	o.events.Append("step_complete", map[string]any{"step": step, "attempts": len(attempts)})
	return nil
}

// makeGenerate adapts the ScriptGenerator to the retry loop. The cache is
// consulted only for a clean first attempt; any hint or prior error forces
// fresh generation.
func (o *Orchestrator) makeGenerate(step, agentType, track, hint string) GenerateFunc {
	return func(ctx context.Context, previousError string, attempt int) (string, error) {
		if attempt == 1 && previousError == "" && hint == "" &&
			o.deps.Cache != nil && o.cfg.CacheEnabled() {
			if key, err := CacheKey(o.cfg.Trial, agentType, track); err == nil {
				if code, hit, err := o.deps.Cache.Get(key); err == nil && hit {
					o.events.Append("cache_hit", map[string]any{"step": step})
					return code, nil
				}
			}
		}
		if previousError == "" {
			previousError = hint
		}
		return o.deps.Generator.Generate(ctx, GenerateRequest{
			Step:          agentType,
			TrackID:       track,
			PreviousError: previousError,
			Attempt:       attempt,
		})
	}
}

// RerunFromStage implements TrackRerunner: clean and re-run the named
// stage and everything downstream of it, hinting only the named stage.
func (o *Orchestrator) RerunFromStage(ctx context.Context, track TrackResult, stage string, hint ResolutionHint) error {
	stages, err := CascadeStages(stage)
	if err != nil {
		return err
	}
	for i, st := range stages {
		dir := o.stageDir(track, st)
		if err := CleanStageDir(dir); err != nil {
			return fmt.Errorf("clean %s: %w", dir, err)
		}
		h := ""
		if i == 0 {
			h = hint.PromptText()
		}
		if err := o.runStage(ctx, track, st, h); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) trackDirs(trackID string) TrackResult {
	base := filepath.Join(o.outputDir, trackID)
	return TrackResult{
		TrackID:     trackID,
		SDTMDir:     filepath.Join(base, "sdtm"),
		ADaMDir:     filepath.Join(base, "adam"),
		StatsDir:    filepath.Join(base, "stats"),
		ResultsPath: filepath.Join(base, "stats", "results.json"),
	}
}

func (o *Orchestrator) stageDir(track TrackResult, stage string) string {
	switch stage {
	case "sdtm":
		return track.SDTMDir
	case "adam":
		return track.ADaMDir
	default:
		return track.StatsDir
	}
}

// stageVolumes maps each stage's read-only inputs to its in-container
// mount points. The stats stage sees both upstream layers.
func (o *Orchestrator) stageVolumes(track TrackResult, stage string) map[string]string {
	switch stage {
	case "sdtm":
		return map[string]string{o.rawDir: "/workspace/input"}
	case "adam":
		return map[string]string{track.SDTMDir: "/workspace/input"}
	default:
		return map[string]string{
			track.ADaMDir: "/workspace/adam",
			track.SDTMDir: "/workspace/sdtm",
		}
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, name string, summary map[string]any) (bool, error) {
	ip, ok := o.deps.Progress.(InteractiveProgress)
	if !ok {
		return true, nil
	}
	proceed, err := ip.OnCheckpoint(ctx, name, summary)
	if err != nil {
		return false, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	o.events.Append("checkpoint", map[string]any{"name": name, "proceed": proceed})
	return proceed, nil
}

func (o *Orchestrator) writeArtifacts(res *RunResult, trackA, trackB TrackResult) error {
	if err := fsutil.WriteJSONAtomic(filepath.Join(o.outputDir, "verdict.json"), res.Verdict); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(o.outputDir, "comparisons.json"), res.Comparisons); err != nil {
		return err
	}
	manifest := map[string]any{
		"run_id":     res.RunID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"verdict":    string(res.Verdict.Verdict),
		"tracks": map[string]any{
			"track_a": map[string]string{
				"model": o.cfg.LLM.TrackA.Model,
				"dir":   filepath.Dir(trackA.SDTMDir),
			},
			"track_b": map[string]string{
				"model": o.cfg.LLM.TrackB.Model,
				"dir":   filepath.Dir(trackB.SDTMDir),
			},
		},
		"resolution": res.Resolution,
	}
	return fsutil.WriteJSONAtomic(filepath.Join(o.outputDir, "manifest.json"), manifest)
}

func (o *Orchestrator) withState(fn func(*PipelineState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.state)
	if err := o.state.Save(filepath.Join(o.outputDir, "state.json")); err != nil {
		o.events.Append("state_save_fail", map[string]any{"error": err.Error()})
		fmt.Fprintf(os.Stderr, "warning: persist run state: %v\n", err)
	}
}

func comparisonSummary(set ComparisonSet) map[string]any {
	summary := map[string]any{}
	for _, c := range set.Comparisons {
		summary[c.Stage] = c.Matches
	}
	return summary
}
