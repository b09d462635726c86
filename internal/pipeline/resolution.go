package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Stage-appropriate suggested checks injected into resolution hints.
var stageSuggestedChecks = map[string][]string{
	"sdtm": {
		"Check deduplication logic",
		"Verify all subjects from raw data are included",
		"Check CDISC controlled terminology mapping",
	},
	"adam": {
		"Check event definition (SBP < 120 threshold)",
		"Verify all SDTM subjects flow through",
		"Check CNSR derivation logic",
	},
	"stats": {
		"Check Cox model specification",
		"Verify log-rank test parameters",
		"Check KM estimation method",
	},
}

// Prior attempt scripts and logs survive a cascade rerun for audit.
var rerunKeepGlobs = []string{"*.R", "**/*.log"}

// ResolutionHint is the structured feedback handed to a failing track. It
// describes what disagrees without revealing the other track's output, so
// the tracks stay independent.
type ResolutionHint struct {
	Stage              string   `json:"stage"`
	Discrepancies      []string `json:"discrepancies"`
	ValidationFailures []string `json:"validation_failures"`
	SuggestedChecks    []string `json:"suggested_checks"`
}

// PromptText renders the hint for injection into a generation prompt.
func (h ResolutionHint) PromptText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "RESOLUTION HINT: Your previous %s output had discrepancies with an independent validation.\n\n", h.Stage)
	b.WriteString("Discrepancies found:\n")
	for _, d := range h.Discrepancies {
		fmt.Fprintf(&b, "  - %s\n", d)
	}
	if len(h.ValidationFailures) > 0 {
		b.WriteString("\nValidation failures:\n")
		for _, v := range h.ValidationFailures {
			fmt.Fprintf(&b, "  - %s\n", v)
		}
	}
	b.WriteString("\nPlease check:\n")
	for _, s := range h.SuggestedChecks {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ResolutionResult records the loop's outcome.
type ResolutionResult struct {
	Resolved     bool     `json:"resolved"`
	Iterations   int      `json:"iterations"`
	WinningTrack string   `json:"winning_track,omitempty"`
	Stage        string   `json:"stage"`
	Log          []string `json:"resolution_log"`
}

// TrackRerunner re-runs one track from a stage, cascading through every
// downstream stage. The orchestrator implements it.
type TrackRerunner interface {
	RerunFromStage(ctx context.Context, track TrackResult, stage string, hint ResolutionHint) error
}

// ResolutionLoop drives the adversarial repair protocol: diagnose which
// track erred, hint it, re-run with cascade, re-compare everything.
type ResolutionLoop struct {
	MaxIterations int
	Progress      Progress
}

func NewResolutionLoop(maxIterations int, progress Progress) *ResolutionLoop {
	if maxIterations <= 0 {
		maxIterations = 2
	}
	if progress == nil {
		progress = NopProgress{}
	}
	return &ResolutionLoop{MaxIterations: maxIterations, Progress: progress}
}

// Resolve runs until the tracks agree or iterations are exhausted. It
// returns the result plus the final comparison set, which reflects the
// re-run directory contents.
func (l *ResolutionLoop) Resolve(ctx context.Context, disagreement StageComparison, trackA, trackB TrackResult, rerun TrackRerunner) (ResolutionResult, ComparisonSet, error) {
	var log []string
	current := disagreement
	var lastSet ComparisonSet

	for iteration := 1; iteration <= l.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return ResolutionResult{}, ComparisonSet{}, err
		}
		l.Progress.OnResolutionStart(current.Stage, iteration, l.MaxIterations)

		failing := diagnose(current)
		log = append(log, fmt.Sprintf("iteration %d: diagnosed %s as likely failing", iteration, failing))

		hint := generateHint(current)
		log = append(log, fmt.Sprintf("hint generated for %s: %d discrepancies", failing, len(hint.Discrepancies)))

		target := trackB
		if failing == "track_a" {
			target = trackA
		}
		if err := rerun.RerunFromStage(ctx, target, current.Stage, hint); err != nil {
			return ResolutionResult{}, ComparisonSet{}, fmt.Errorf("resolution rerun of %s: %w", failing, err)
		}

		// The cascade re-ran downstream stages too, so every stage is
		// re-compared, not just the disagreeing one.
		set, err := CompareAll(trackA, trackB)
		if err != nil {
			return ResolutionResult{}, ComparisonSet{}, err
		}
		lastSet = set

		if !set.HasDisagreement() {
			log = append(log, fmt.Sprintf("iteration %d: all stages now agree", iteration))
			l.Progress.OnResolutionComplete(current.Stage, true, iteration)
			return ResolutionResult{
				Resolved:   true,
				Iterations: iteration,
				Stage:      current.Stage,
				Log:        log,
			}, set, nil
		}

		current = *set.FirstDisagreement()
		log = append(log, fmt.Sprintf("iteration %d: still disagreeing at %s", iteration, current.Stage))
	}

	// Exhausted. track_a is the established track and wins by convention.
	winner := "track_a"
	log = append(log, fmt.Sprintf("max iterations reached, best track: %s", winner))
	l.Progress.OnResolutionComplete(current.Stage, false, l.MaxIterations)
	return ResolutionResult{
		Resolved:     false,
		Iterations:   l.MaxIterations,
		WinningTrack: winner,
		Stage:        current.Stage,
		Log:          log,
	}, lastSet, nil
}

// diagnose picks the track that more likely erred. The track with fewer
// rows or subjects likely dropped data; when the counts give no signal the
// secondary track (track_b) is assumed at fault by convention.
func diagnose(disagreement StageComparison) string {
	for _, key := range []string{"dm_rows", "n_rows", "subjects"} {
		a, okA := summaryNumber(disagreement.TrackASummary, key)
		b, okB := summaryNumber(disagreement.TrackBSummary, key)
		if okA && okB && a != b {
			if a < b {
				return "track_a"
			}
			return "track_b"
		}
	}
	return "track_b"
}

func generateHint(disagreement StageComparison) ResolutionHint {
	return ResolutionHint{
		Stage:           disagreement.Stage,
		Discrepancies:   append([]string(nil), disagreement.Issues...),
		SuggestedChecks: stageSuggestedChecks[disagreement.Stage],
	}
}

// CascadeStages returns the stages a rerun must cover, starting at the
// disagreeing stage and cascading through everything downstream of it.
func CascadeStages(stage string) ([]string, error) {
	switch stage {
	case "sdtm":
		return []string{"sdtm", "adam", "stats"}, nil
	case "adam":
		return []string{"adam", "stats"}, nil
	case "stats":
		return []string{"stats"}, nil
	}
	return nil, fmt.Errorf("unknown stage: %s", stage)
}

// CleanStageDir removes stale stage outputs before a cascade rerun so
// gates cannot pass on leftovers. Paths matching rerunKeepGlobs survive.
func CleanStageDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == dir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, glob := range rerunKeepGlobs {
			if ok, _ := doublestar.Match(glob, rel); ok {
				return nil
			}
		}
		return os.Remove(path)
	})
}

func summaryNumber(summary map[string]any, key string) (float64, bool) {
	v, ok := summary[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
