package pipeline

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestWithinTolerance(t *testing.T) {
	cases := []struct {
		name string
		a, b float64
		tol  Tolerance
		want bool
	}{
		{"exact equal", 201, 201, Tolerance{Kind: ToleranceExact}, true},
		{"exact off by one", 201, 202, Tolerance{Kind: ToleranceExact}, false},
		{"absolute inside", 0.0432, 0.0441, Tolerance{Kind: ToleranceAbsolute, Threshold: 1e-3}, true},
		{"absolute boundary", 1.0, 1.25, Tolerance{Kind: ToleranceAbsolute, Threshold: 0.25}, true},
		{"absolute outside", 0.0432, 0.0443, Tolerance{Kind: ToleranceAbsolute, Threshold: 1e-3}, false},
		{"relative inside", 0.75, 0.75074, Tolerance{Kind: ToleranceRelative, Threshold: 0.001}, true},
		{"relative outside", 0.75, 0.7508, Tolerance{Kind: ToleranceRelative, Threshold: 0.001}, false},
		{"km median boundary", 10.0, 10.5, Tolerance{Kind: ToleranceAbsolute, Threshold: 0.5}, true},
		{"km median outside", 10.0, 10.6, Tolerance{Kind: ToleranceAbsolute, Threshold: 0.5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := withinTolerance(tc.a, tc.b, tc.tol); got != tc.want {
				t.Fatalf("withinTolerance(%v, %v, %v) = %v, want %v", tc.a, tc.b, tc.tol, got, tc.want)
			}
		})
	}
}

func TestCompareSDTMAgreement(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeSDTMFixture(t, a)
	writeSDTMFixture(t, b)
	comp, err := CompareSDTM(a, b)
	if err != nil {
		t.Fatalf("CompareSDTM: %v", err)
	}
	if !comp.Matches {
		t.Fatalf("expected agreement, issues: %v", comp.Issues)
	}
	if comp.TrackASummary["dm_rows"] != 3 || comp.TrackASummary["subjects"] != 3 {
		t.Fatalf("summary = %v", comp.TrackASummary)
	}
}

func TestCompareSDTMRowCountMismatch(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeSDTMFixture(t, a)
	writeSDTMFixture(t, b)
	// drop one DM row from track_b
	writeCSVFile(t, filepath.Join(b, "DM.csv"), requiredDMCols, [][]string{
		{"SBP001", "DM", "S001", "S001", "60", "YEARS", "M", "WHITE", "Treatment", "T", "Treatment", "T"},
		{"SBP001", "DM", "S002", "S002", "61", "YEARS", "F", "ASIAN", "Treatment", "T", "Treatment", "T"},
	})
	comp, err := CompareSDTM(a, b)
	if err != nil {
		t.Fatalf("CompareSDTM: %v", err)
	}
	if comp.Matches {
		t.Fatal("expected disagreement")
	}
	joined := strings.Join(comp.Issues, "\n")
	if !strings.Contains(joined, "DM row count mismatch: track_a=3, track_b=2") {
		t.Fatalf("issues = %v", comp.Issues)
	}
	if !strings.Contains(joined, "subject id mismatch") {
		t.Fatalf("subject mismatch not reported: %v", comp.Issues)
	}
}

func TestCompareADaM(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeADaMFixture(t, a, goodADTTESummary())
	other := goodADTTESummary()
	other.NRows = 2
	other.NEvents = 1
	writeADaMFixture(t, b, other)

	comp, err := CompareADaM(a, b)
	if err != nil {
		t.Fatalf("CompareADaM: %v", err)
	}
	if comp.Matches {
		t.Fatal("expected disagreement")
	}
	joined := strings.Join(comp.Issues, "\n")
	if !strings.Contains(joined, "n_rows mismatch: track_a=3, track_b=2") {
		t.Fatalf("issues = %v", comp.Issues)
	}
	if comp.TrackASummary["n_rows"] != 3 || comp.TrackBSummary["n_rows"] != 2 {
		t.Fatalf("summaries = %v / %v", comp.TrackASummary, comp.TrackBSummary)
	}
}

func TestCompareStatsWithinTolerance(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	resA := goodStatsResults()
	resB := goodStatsResults()
	resB.Table2.LogrankP = resA.Table2.LogrankP + 0.0009
	resB.Table3.CoxHR = 0.75074
	writeStatsFixture(t, a, resA)
	writeStatsFixture(t, b, resB)

	comp, err := CompareStats(a, b)
	if err != nil {
		t.Fatalf("CompareStats: %v", err)
	}
	if !comp.Matches {
		t.Fatalf("expected agreement, issues: %v", comp.Issues)
	}
}

func TestCompareStatsMissingMedian(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	resA := goodStatsResults()
	resB := goodStatsResults()
	resB.Table2.KMMedianTreatment = nil
	writeStatsFixture(t, a, resA)
	writeStatsFixture(t, b, resB)

	comp, err := CompareStats(a, b)
	if err != nil {
		t.Fatalf("CompareStats: %v", err)
	}
	if comp.Matches {
		t.Fatal("expected disagreement")
	}
	if !strings.Contains(strings.Join(comp.Issues, "\n"), "km_median_treatment missing") {
		t.Fatalf("issues = %v", comp.Issues)
	}
}

func TestCompareAllOrderAndFirstDisagreement(t *testing.T) {
	trackA := tempTrack(t, "track_a")
	trackB := tempTrack(t, "track_b")
	writeTrackFixture(t, trackA, goodADTTESummary(), goodStatsResults())

	other := goodADTTESummary()
	other.NCensored = 0
	other.NEvents = 3
	writeTrackFixture(t, trackB, other, goodStatsResults())

	set, err := CompareAll(trackA, trackB)
	if err != nil {
		t.Fatalf("CompareAll: %v", err)
	}
	if len(set.Comparisons) != 3 {
		t.Fatalf("comparisons = %d", len(set.Comparisons))
	}
	for i, stage := range []string{"sdtm", "adam", "stats"} {
		if set.Comparisons[i].Stage != stage {
			t.Fatalf("comparison %d is %s, want %s", i, set.Comparisons[i].Stage, stage)
		}
	}
	if !set.HasDisagreement() {
		t.Fatal("expected disagreement at adam")
	}
	first := set.FirstDisagreement()
	if first == nil || first.Stage != "adam" {
		t.Fatalf("FirstDisagreement = %+v, want adam", first)
	}
}

func TestComparisonSetNoDisagreement(t *testing.T) {
	trackA := tempTrack(t, "track_a")
	trackB := tempTrack(t, "track_b")
	writeTrackFixture(t, trackA, goodADTTESummary(), goodStatsResults())
	writeTrackFixture(t, trackB, goodADTTESummary(), goodStatsResults())

	set, err := CompareAll(trackA, trackB)
	if err != nil {
		t.Fatalf("CompareAll: %v", err)
	}
	if set.HasDisagreement() {
		t.Fatalf("unexpected disagreement: %+v", set)
	}
	if set.FirstDisagreement() != nil {
		t.Fatal("FirstDisagreement should be nil")
	}
}
