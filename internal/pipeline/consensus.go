package pipeline

import (
	"fmt"
	"math"
	"strings"
)

// Verdict is the graduated consensus outcome.
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictWarning Verdict = "WARNING"
	VerdictHalt    Verdict = "HALT"
)

// significanceBoundaries are the p-value thresholds whose crossing changes
// the clinical interpretation of the result.
var significanceBoundaries = []float64{0.001, 0.01, 0.05}

var structuralMetrics = []string{"n_censored", "n_events", "n_subjects"}

// MetricComparison records one metric's tolerance check with its verdict.
type MetricComparison struct {
	Metric             string  `json:"metric"`
	TrackAValue        float64 `json:"track_a_value"`
	TrackBValue        float64 `json:"track_b_value"`
	Difference         float64 `json:"difference"`
	ToleranceKind      string  `json:"tolerance_type"`
	ToleranceThreshold float64 `json:"tolerance_threshold,omitempty"`
	WithinTolerance    bool    `json:"within_tolerance"`
	Verdict            Verdict `json:"verdict"`
}

// ConsensusVerdict is the judge's full output: per-metric comparisons,
// the worst-of overall verdict, boundary warnings, and investigation
// hints.
type ConsensusVerdict struct {
	Verdict            Verdict            `json:"verdict"`
	Comparisons        []MetricComparison `json:"comparisons"`
	BoundaryWarnings   []string           `json:"boundary_warnings"`
	InvestigationHints []string           `json:"investigation_hints"`
}

// ConsensusHaltError carries a HALT verdict up to the caller with the full
// per-metric detail attached.
type ConsensusHaltError struct {
	Verdict ConsensusVerdict
}

func (e *ConsensusHaltError) Error() string {
	return fmt.Sprintf("consensus HALT: %v", e.Verdict.InvestigationHints)
}

// HaltOnDisagreement renders the verdict for a cross-track stage
// disagreement that no resolution pass repaired. The tracks diverged
// before their final numbers, so the metric-level judge never runs.
func HaltOnDisagreement(set ComparisonSet) ConsensusVerdict {
	hints := []string{}
	for _, c := range set.Comparisons {
		if c.Matches {
			continue
		}
		hints = append(hints, fmt.Sprintf(
			"%s outputs disagree between tracks: %s", c.Stage, strings.Join(c.Issues, "; ")))
	}
	return ConsensusVerdict{
		Verdict:            VerdictHalt,
		Comparisons:        []MetricComparison{},
		BoundaryWarnings:   []string{},
		InvestigationHints: hints,
	}
}

// Judge compares the two tracks' final statistical results and renders the
// graduated verdict. Pure arithmetic; no model involvement.
//
// Structural counts are checked first: any mismatch there means the tracks
// analyzed different populations, and statistical comparison of different
// populations is meaningless, so the judge halts immediately.
func Judge(trackA, trackB *StatsResults) ConsensusVerdict {
	var structural []MetricComparison
	structuralHalt := false
	for _, metric := range structuralMetrics {
		a, _ := statsMetric(trackA, metric)
		b, _ := statsMetric(trackB, metric)
		comp := compareMetric(metric, a, b)
		structural = append(structural, comp)
		if !comp.WithinTolerance {
			structuralHalt = true
		}
	}
	if structuralHalt {
		return ConsensusVerdict{
			Verdict:          VerdictHalt,
			Comparisons:      structural,
			BoundaryWarnings: []string{},
			InvestigationHints: []string{
				"structural mismatch: tracks analyzed different numbers of " +
					"subjects/events/censored; check raw data processing in both tracks",
			},
		}
	}

	pA := trackA.Table2.LogrankP
	pB := trackB.Table2.LogrankP

	var stats []MetricComparison
	stats = append(stats, compareMetric("logrank_p", pA, pB))
	stats = append(stats, compareMetric("cox_hr", trackA.Table3.CoxHR, trackB.Table3.CoxHR))
	if trackA.Table2.KMMedianTreatment != nil && trackB.Table2.KMMedianTreatment != nil {
		stats = append(stats, compareMetric("km_median_treatment",
			*trackA.Table2.KMMedianTreatment, *trackB.Table2.KMMedianTreatment))
	}
	if trackA.Table2.KMMedianPlacebo != nil && trackB.Table2.KMMedianPlacebo != nil {
		stats = append(stats, compareMetric("km_median_placebo",
			*trackA.Table2.KMMedianPlacebo, *trackB.Table2.KMMedianPlacebo))
	}

	// Out-of-tolerance p-values only HALT when they cross a significance
	// boundary: same side of every boundary means the same conclusion.
	for i := range stats {
		if stats[i].WithinTolerance {
			continue
		}
		if stats[i].Metric == "logrank_p" && crossesBoundary(pA, pB) {
			stats[i].Verdict = VerdictHalt
		} else {
			stats[i].Verdict = VerdictWarning
		}
	}

	all := append(structural, stats...)
	overall := VerdictPass
	for _, c := range all {
		if c.Verdict == VerdictHalt {
			overall = VerdictHalt
			break
		}
		if c.Verdict == VerdictWarning {
			overall = VerdictWarning
		}
	}

	return ConsensusVerdict{
		Verdict:            overall,
		Comparisons:        all,
		BoundaryWarnings:   boundaryWarnings(pA, pB),
		InvestigationHints: investigationHints(stats),
	}
}

func compareMetric(metric string, a, b float64) MetricComparison {
	tol := statsTolerances[metric]
	within := withinTolerance(a, b, tol)

	var diff float64
	switch tol.Kind {
	case ToleranceRelative:
		denom := math.Max(math.Abs(a), math.Abs(b))
		if denom > 0 {
			diff = math.Abs(a-b) / denom
		}
	default:
		diff = math.Abs(a - b)
	}

	verdict := VerdictPass
	if !within {
		verdict = VerdictHalt
	}
	return MetricComparison{
		Metric:             metric,
		TrackAValue:        a,
		TrackBValue:        b,
		Difference:         diff,
		ToleranceKind:      string(tol.Kind),
		ToleranceThreshold: tol.Threshold,
		WithinTolerance:    within,
		Verdict:            verdict,
	}
}

func crossesBoundary(pA, pB float64) bool {
	for _, boundary := range significanceBoundaries {
		if (pA < boundary) != (pB < boundary) {
			return true
		}
	}
	return false
}

func boundaryWarnings(pA, pB float64) []string {
	warnings := []string{}
	for _, boundary := range significanceBoundaries {
		aBelow := pA < boundary
		bBelow := pB < boundary
		if aBelow == bBelow {
			continue
		}
		below, above := "track_a", "track_b"
		if bBelow {
			below, above = "track_b", "track_a"
		}
		warnings = append(warnings, fmt.Sprintf(
			"BOUNDARY_WARNING: p-values straddle %g (%s p=%.6g < %g <= %s p=%.6g)",
			boundary, below, math.Min(pA, pB), boundary, above, math.Max(pA, pB)))
	}
	return warnings
}

// investigationHints maps the disagreement pattern to its most likely
// cause.
func investigationHints(stats []MetricComparison) []string {
	pOK, hrOK := true, true
	for _, c := range stats {
		if c.Metric == "logrank_p" && !c.WithinTolerance {
			pOK = false
		}
		if c.Metric == "cox_hr" && !c.WithinTolerance {
			hrOK = false
		}
	}

	hints := []string{}
	switch {
	case !pOK && hrOK:
		hints = append(hints, "p-value differs but HR agrees: likely different test implementations or tie-handling methods")
	case pOK && !hrOK:
		hints = append(hints, "HR differs but p-value agrees: likely different covariates in Cox model or different reference level for ARM")
	case !pOK && !hrOK:
		hints = append(hints, "both p-value and HR differ: likely different event/censoring derivation from raw data")
	}
	return hints
}
