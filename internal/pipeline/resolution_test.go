package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolutionHintPromptText(t *testing.T) {
	hint := ResolutionHint{
		Stage:              "adam",
		Discrepancies:      []string{"n_rows mismatch: track_a=298, track_b=300"},
		ValidationFailures: []string{"ADTTE: n_censored is 0"},
		SuggestedChecks:    stageSuggestedChecks["adam"],
	}
	text := hint.PromptText()
	wantFragments := []string{
		"RESOLUTION HINT: Your previous adam output had discrepancies with an independent validation.",
		"Discrepancies found:",
		"  - n_rows mismatch: track_a=298, track_b=300",
		"Validation failures:",
		"  - ADTTE: n_censored is 0",
		"Please check:",
		"  - Check event definition (SBP < 120 threshold)",
		"  - Check CNSR derivation logic",
	}
	for _, frag := range wantFragments {
		if !strings.Contains(text, frag) {
			t.Errorf("prompt missing %q:\n%s", frag, text)
		}
	}
}

func TestResolutionHintOmitsEmptyValidationSection(t *testing.T) {
	hint := ResolutionHint{Stage: "sdtm", Discrepancies: []string{"x"}, SuggestedChecks: stageSuggestedChecks["sdtm"]}
	if strings.Contains(hint.PromptText(), "Validation failures:") {
		t.Fatal("empty validation section rendered")
	}
}

func TestDiagnose(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]any
		want string
	}{
		{
			name: "fewer rows in track_a",
			a:    map[string]any{"n_rows": 298},
			b:    map[string]any{"n_rows": 300},
			want: "track_a",
		},
		{
			name: "fewer rows in track_b",
			a:    map[string]any{"dm_rows": 300},
			b:    map[string]any{"dm_rows": 295},
			want: "track_b",
		},
		{
			name: "dm_rows checked before subjects",
			a:    map[string]any{"dm_rows": 290, "subjects": 300},
			b:    map[string]any{"dm_rows": 300, "subjects": 290},
			want: "track_a",
		},
		{
			name: "equal counts default to track_b",
			a:    map[string]any{"n_rows": 300},
			b:    map[string]any{"n_rows": 300},
			want: "track_b",
		},
		{
			name: "no count keys default to track_b",
			a:    map[string]any{"paramcd": "TTESB120"},
			b:    map[string]any{"paramcd": "TTE"},
			want: "track_b",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			comp := StageComparison{TrackASummary: tc.a, TrackBSummary: tc.b}
			if got := diagnose(comp); got != tc.want {
				t.Fatalf("diagnose = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCascadeStages(t *testing.T) {
	cases := []struct {
		stage string
		want  []string
	}{
		{"sdtm", []string{"sdtm", "adam", "stats"}},
		{"adam", []string{"adam", "stats"}},
		{"stats", []string{"stats"}},
	}
	for _, tc := range cases {
		got, err := CascadeStages(tc.stage)
		if err != nil {
			t.Fatalf("CascadeStages(%s): %v", tc.stage, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("CascadeStages(%s) = %v", tc.stage, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("CascadeStages(%s) = %v, want %v", tc.stage, got, tc.want)
			}
		}
	}
	if _, err := CascadeStages("raw"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestCleanStageDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "script.R"), "x <- 1")
	writeFile(t, filepath.Join(dir, "results.json"), "{}")
	writeFile(t, filepath.Join(dir, "DM.csv"), "a,b")
	writeFile(t, filepath.Join(dir, "attempts", "attempt1.log"), "log")

	if err := CleanStageDir(dir); err != nil {
		t.Fatalf("CleanStageDir: %v", err)
	}

	for _, kept := range []string{"script.R", filepath.Join("attempts", "attempt1.log")} {
		if _, err := os.Stat(filepath.Join(dir, kept)); err != nil {
			t.Errorf("%s should survive cleanup: %v", kept, err)
		}
	}
	for _, removed := range []string{"results.json", "DM.csv"} {
		if _, err := os.Stat(filepath.Join(dir, removed)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", removed)
		}
	}
}

// fixingRerunner repairs the failing track's ADaM summary on first call.
type fixingRerunner struct {
	t     *testing.T
	calls []string
	fix   func(track TrackResult)
}

func (r *fixingRerunner) RerunFromStage(_ context.Context, track TrackResult, stage string, hint ResolutionHint) error {
	r.calls = append(r.calls, track.TrackID+":"+stage)
	if hint.Stage != stage {
		r.t.Errorf("hint stage %q does not match rerun stage %q", hint.Stage, stage)
	}
	if r.fix != nil {
		r.fix(track)
	}
	return nil
}

func TestResolveFixesDisagreementInOneIteration(t *testing.T) {
	trackA := tempTrack(t, "track_a")
	trackB := tempTrack(t, "track_b")
	bad := goodADTTESummary()
	bad.NRows = 2
	bad.NCensored = 0
	writeTrackFixture(t, trackA, bad, goodStatsResults())
	writeTrackFixture(t, trackB, goodADTTESummary(), goodStatsResults())

	set, err := CompareAll(trackA, trackB)
	if err != nil {
		t.Fatalf("CompareAll: %v", err)
	}
	disagreement := set.FirstDisagreement()
	if disagreement == nil || disagreement.Stage != "adam" {
		t.Fatalf("fixture should disagree at adam: %+v", disagreement)
	}

	rerunner := &fixingRerunner{t: t, fix: func(track TrackResult) {
		writeADaMFixture(t, track.ADaMDir, goodADTTESummary())
	}}
	loop := NewResolutionLoop(2, nil)
	result, finalSet, err := loop.Resolve(context.Background(), *disagreement, trackA, trackB, rerunner)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !result.Resolved {
		t.Fatalf("not resolved: %+v", result)
	}
	if result.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", result.Iterations)
	}
	// track_a has fewer rows, so it is the one re-run
	if len(rerunner.calls) != 1 || rerunner.calls[0] != "track_a:adam" {
		t.Fatalf("rerun calls = %v", rerunner.calls)
	}
	if finalSet.HasDisagreement() {
		t.Fatal("final comparison still disagrees")
	}
	if len(result.Log) == 0 {
		t.Fatal("resolution log is empty")
	}
}

func TestResolveExhaustionFallsBackToTrackA(t *testing.T) {
	trackA := tempTrack(t, "track_a")
	trackB := tempTrack(t, "track_b")
	bad := goodADTTESummary()
	bad.NRows = 2
	writeTrackFixture(t, trackA, goodADTTESummary(), goodStatsResults())
	writeTrackFixture(t, trackB, bad, goodStatsResults())

	set, _ := CompareAll(trackA, trackB)
	rerunner := &fixingRerunner{t: t} // never fixes anything
	loop := NewResolutionLoop(2, nil)
	result, _, err := loop.Resolve(context.Background(), *set.FirstDisagreement(), trackA, trackB, rerunner)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Resolved {
		t.Fatal("should not resolve")
	}
	if result.WinningTrack != "track_a" {
		t.Fatalf("winner = %q, want track_a", result.WinningTrack)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", result.Iterations)
	}
	if len(rerunner.calls) != 2 {
		t.Fatalf("rerun calls = %v, want 2 attempts against track_b", rerunner.calls)
	}
	for _, call := range rerunner.calls {
		if !strings.HasPrefix(call, "track_b:") {
			t.Fatalf("rerun targeted %s, want track_b", call)
		}
	}
}
