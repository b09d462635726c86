package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
)

// ToleranceKind selects how two metric values are compared.
type ToleranceKind string

const (
	ToleranceExact    ToleranceKind = "exact"
	ToleranceAbsolute ToleranceKind = "absolute"
	ToleranceRelative ToleranceKind = "relative"
)

type Tolerance struct {
	Kind      ToleranceKind
	Threshold float64
}

// statsMetricOrder fixes the comparison order so issue lists and artifacts
// are deterministic.
var statsMetricOrder = []string{
	"n_subjects", "n_events", "n_censored",
	"logrank_p", "cox_hr",
	"km_median_treatment", "km_median_placebo",
}

// Counts are exact. The p-value tolerance absorbs implementation noise in
// tie handling; the hazard ratio is compared relatively at 0.1%; KM
// medians are on the visit-week scale.
var statsTolerances = map[string]Tolerance{
	"n_subjects":          {Kind: ToleranceExact},
	"n_events":            {Kind: ToleranceExact},
	"n_censored":          {Kind: ToleranceExact},
	"logrank_p":           {Kind: ToleranceAbsolute, Threshold: 1e-3},
	"cox_hr":              {Kind: ToleranceRelative, Threshold: 0.001},
	"km_median_treatment": {Kind: ToleranceAbsolute, Threshold: 0.5},
	"km_median_placebo":   {Kind: ToleranceAbsolute, Threshold: 0.5},
}

func withinTolerance(a, b float64, tol Tolerance) bool {
	switch tol.Kind {
	case ToleranceExact:
		return a == b
	case ToleranceAbsolute:
		return math.Abs(a-b) <= tol.Threshold
	case ToleranceRelative:
		return math.Abs(a-b) <= tol.Threshold*math.Max(math.Abs(a), math.Abs(b))
	}
	return false
}

// TrackResult locates one track's stage outputs.
type TrackResult struct {
	TrackID     string `json:"track_id"`
	SDTMDir     string `json:"sdtm_dir"`
	ADaMDir     string `json:"adam_dir"`
	StatsDir    string `json:"stats_dir"`
	ResultsPath string `json:"results_path"`
}

// StageComparison is the outcome of comparing one stage between tracks.
type StageComparison struct {
	Stage         string         `json:"stage"`
	Matches       bool           `json:"matches"`
	Issues        []string       `json:"issues"`
	TrackASummary map[string]any `json:"track_a_summary"`
	TrackBSummary map[string]any `json:"track_b_summary"`
}

// ComparisonSet aggregates the per-stage comparisons in dependency order.
type ComparisonSet struct {
	Comparisons []StageComparison `json:"comparisons"`
}

func (s ComparisonSet) HasDisagreement() bool {
	for _, c := range s.Comparisons {
		if !c.Matches {
			return true
		}
	}
	return false
}

// FirstDisagreement returns the earliest disagreeing stage, or nil when
// all stages agree. An upstream divergence usually explains the
// downstream ones.
func (s ComparisonSet) FirstDisagreement() *StageComparison {
	for i := range s.Comparisons {
		if !s.Comparisons[i].Matches {
			return &s.Comparisons[i]
		}
	}
	return nil
}

// StatsResults is the stats stage's results.json document.
type StatsResults struct {
	Metadata struct {
		NSubjects int `json:"n_subjects"`
		NEvents   int `json:"n_events"`
		NCensored int `json:"n_censored"`
	} `json:"metadata"`
	Table2 struct {
		LogrankP          float64  `json:"logrank_p"`
		KMMedianTreatment *float64 `json:"km_median_treatment,omitempty"`
		KMMedianPlacebo   *float64 `json:"km_median_placebo,omitempty"`
	} `json:"table2"`
	Table3 struct {
		CoxHR float64 `json:"cox_hr"`
	} `json:"table3"`
}

func LoadStatsResults(path string) (*StatsResults, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res StatsResults
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &res, nil
}

// CompareSDTM compares DM.csv and VS.csv between tracks with exact
// matching: row counts, column sets, subject id sets, and ARM/SEX/RACE
// distributions.
func CompareSDTM(trackADir, trackBDir string) (StageComparison, error) {
	dmA, err := readCSV(filepath.Join(trackADir, "DM.csv"))
	if err != nil {
		return StageComparison{}, err
	}
	dmB, err := readCSV(filepath.Join(trackBDir, "DM.csv"))
	if err != nil {
		return StageComparison{}, err
	}
	vsA, err := readCSV(filepath.Join(trackADir, "VS.csv"))
	if err != nil {
		return StageComparison{}, err
	}
	vsB, err := readCSV(filepath.Join(trackBDir, "VS.csv"))
	if err != nil {
		return StageComparison{}, err
	}

	var issues []string

	if len(dmA) != len(dmB) {
		issues = append(issues, fmt.Sprintf("DM row count mismatch: track_a=%d, track_b=%d", len(dmA), len(dmB)))
	}
	if len(vsA) != len(vsB) {
		issues = append(issues, fmt.Sprintf("VS row count mismatch: track_a=%d, track_b=%d", len(vsA), len(vsB)))
	}

	issues = append(issues, compareColumnSets("DM", dmA, dmB)...)
	issues = append(issues, compareColumnSets("VS", vsA, vsB)...)

	subjA := valueSet(dmA, "USUBJID")
	subjB := valueSet(dmB, "USUBJID")
	if !reflect.DeepEqual(subjA, subjB) {
		onlyA, onlyB := setDiff(subjA, subjB)
		issues = append(issues, fmt.Sprintf("subject id mismatch: %d only in track_a, %d only in track_b",
			len(onlyA), len(onlyB)))
	}

	for _, col := range []string{"ARM", "SEX", "RACE"} {
		distA := valueCounts(dmA, col)
		distB := valueCounts(dmB, col)
		if !reflect.DeepEqual(distA, distB) {
			issues = append(issues, fmt.Sprintf("%s distribution mismatch: track_a=%v, track_b=%v", col, distA, distB))
		}
	}

	return StageComparison{
		Stage:   "sdtm",
		Matches: len(issues) == 0,
		Issues:  issues,
		TrackASummary: map[string]any{
			"dm_rows": len(dmA), "vs_rows": len(vsA), "subjects": len(subjA),
		},
		TrackBSummary: map[string]any{
			"dm_rows": len(dmB), "vs_rows": len(vsB), "subjects": len(subjB),
		},
	}, nil
}

// CompareADaM compares ADTTE_summary.json between tracks with exact
// matching on counts, PARAMCD, and column sets.
func CompareADaM(trackADir, trackBDir string) (StageComparison, error) {
	var sumA, sumB ADTTESummary
	if err := readSummary(filepath.Join(trackADir, "ADTTE_summary.json"), adtteSummarySchema, &sumA); err != nil {
		return StageComparison{}, fmt.Errorf("track_a ADTTE_summary.json: %w", err)
	}
	if err := readSummary(filepath.Join(trackBDir, "ADTTE_summary.json"), adtteSummarySchema, &sumB); err != nil {
		return StageComparison{}, fmt.Errorf("track_b ADTTE_summary.json: %w", err)
	}

	var issues []string
	if sumA.NRows != sumB.NRows {
		issues = append(issues, fmt.Sprintf("n_rows mismatch: track_a=%d, track_b=%d", sumA.NRows, sumB.NRows))
	}
	if sumA.NEvents != sumB.NEvents {
		issues = append(issues, fmt.Sprintf("n_events mismatch: track_a=%d, track_b=%d", sumA.NEvents, sumB.NEvents))
	}
	if sumA.NCensored != sumB.NCensored {
		issues = append(issues, fmt.Sprintf("n_censored mismatch: track_a=%d, track_b=%d", sumA.NCensored, sumB.NCensored))
	}
	if sumA.Paramcd != sumB.Paramcd {
		issues = append(issues, fmt.Sprintf("PARAMCD mismatch: track_a=%q, track_b=%q", sumA.Paramcd, sumB.Paramcd))
	}
	colsA := stringSet(sumA.Columns)
	colsB := stringSet(sumB.Columns)
	if !reflect.DeepEqual(colsA, colsB) {
		onlyA, onlyB := setDiff(colsA, colsB)
		issues = append(issues, fmt.Sprintf("column mismatch: only in track_a=%v, only in track_b=%v", onlyA, onlyB))
	}

	return StageComparison{
		Stage:   "adam",
		Matches: len(issues) == 0,
		Issues:  issues,
		TrackASummary: map[string]any{
			"n_rows": sumA.NRows, "n_events": sumA.NEvents,
			"n_censored": sumA.NCensored, "paramcd": sumA.Paramcd,
		},
		TrackBSummary: map[string]any{
			"n_rows": sumB.NRows, "n_events": sumB.NEvents,
			"n_censored": sumB.NCensored, "paramcd": sumB.Paramcd,
		},
	}, nil
}

// CompareStats compares results.json between tracks using the per-metric
// tolerances.
func CompareStats(trackADir, trackBDir string) (StageComparison, error) {
	resA, err := LoadStatsResults(filepath.Join(trackADir, "results.json"))
	if err != nil {
		return StageComparison{}, fmt.Errorf("track_a results.json: %w", err)
	}
	resB, err := LoadStatsResults(filepath.Join(trackBDir, "results.json"))
	if err != nil {
		return StageComparison{}, fmt.Errorf("track_b results.json: %w", err)
	}

	var issues []string
	aSummary := map[string]any{}
	bSummary := map[string]any{}

	for _, metric := range statsMetricOrder {
		valA, okA := statsMetric(resA, metric)
		valB, okB := statsMetric(resB, metric)
		if !okA || !okB {
			issues = append(issues, fmt.Sprintf("%s missing: track_a=%v, track_b=%v", metric, okA, okB))
			continue
		}
		aSummary[metric] = valA
		bSummary[metric] = valB

		tol := statsTolerances[metric]
		if !withinTolerance(valA, valB, tol) {
			diff := math.Abs(valA - valB)
			issues = append(issues, fmt.Sprintf("%s mismatch: track_a=%v, track_b=%v (diff=%v, tolerance=%s %v)",
				metric, valA, valB, diff, tol.Kind, tol.Threshold))
		}
	}

	return StageComparison{
		Stage:         "stats",
		Matches:       len(issues) == 0,
		Issues:        issues,
		TrackASummary: aSummary,
		TrackBSummary: bSummary,
	}, nil
}

// CompareAll compares all stages in dependency order: sdtm, adam, stats.
func CompareAll(trackA, trackB TrackResult) (ComparisonSet, error) {
	sdtm, err := CompareSDTM(trackA.SDTMDir, trackB.SDTMDir)
	if err != nil {
		return ComparisonSet{}, err
	}
	adam, err := CompareADaM(trackA.ADaMDir, trackB.ADaMDir)
	if err != nil {
		return ComparisonSet{}, err
	}
	stats, err := CompareStats(trackA.StatsDir, trackB.StatsDir)
	if err != nil {
		return ComparisonSet{}, err
	}
	return ComparisonSet{Comparisons: []StageComparison{sdtm, adam, stats}}, nil
}

func statsMetric(res *StatsResults, metric string) (float64, bool) {
	switch metric {
	case "n_subjects":
		return float64(res.Metadata.NSubjects), true
	case "n_events":
		return float64(res.Metadata.NEvents), true
	case "n_censored":
		return float64(res.Metadata.NCensored), true
	case "logrank_p":
		return res.Table2.LogrankP, true
	case "cox_hr":
		return res.Table3.CoxHR, true
	case "km_median_treatment":
		if res.Table2.KMMedianTreatment == nil {
			return 0, false
		}
		return *res.Table2.KMMedianTreatment, true
	case "km_median_placebo":
		if res.Table2.KMMedianPlacebo == nil {
			return 0, false
		}
		return *res.Table2.KMMedianPlacebo, true
	}
	return 0, false
}

func compareColumnSets(label string, rowsA, rowsB []map[string]string) []string {
	var colsA, colsB map[string]bool
	if len(rowsA) > 0 {
		colsA = columnSet(rowsA[0])
	}
	if len(rowsB) > 0 {
		colsB = columnSet(rowsB[0])
	}
	if reflect.DeepEqual(colsA, colsB) {
		return nil
	}
	onlyA, onlyB := setDiff(colsA, colsB)
	return []string{fmt.Sprintf("%s column mismatch: only in track_a=%v, only in track_b=%v", label, onlyA, onlyB)}
}

func valueSet(rows []map[string]string, col string) map[string]bool {
	out := map[string]bool{}
	for _, row := range rows {
		out[row[col]] = true
	}
	return out
}

func valueCounts(rows []map[string]string, col string) map[string]int {
	out := map[string]int{}
	for _, row := range rows {
		out[row[col]]++
	}
	return out
}

func setDiff(a, b map[string]bool) (onlyA, onlyB []string) {
	for k := range a {
		if !b[k] {
			onlyA = append(onlyA, k)
		}
	}
	for k := range b {
		if !a[k] {
			onlyB = append(onlyB, k)
		}
	}
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	return onlyA, onlyB
}
