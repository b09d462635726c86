package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/concordhq/concord/internal/config"
)

func writeCSVFile(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAll(rows); err != nil {
		t.Fatal(err)
	}
}

func writeJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func removeFile(path string) error { return os.Remove(path) }

func floatPtr(f float64) *float64 { return &f }

func boolPtr(b bool) *bool { return &b }

// smallTrial is a 3-subject, 2-visit trial that keeps fixtures readable.
func smallTrial() config.TrialConfig {
	return config.TrialConfig{
		NSubjects:          3,
		RandomizationRatio: "2:1",
		Seed:               12345,
		Visits:             2,
		Endpoint:           "SBP",
	}
}

var testSubjects = []struct {
	id, arm, sex, race string
}{
	{"S001", "Treatment", "M", "WHITE"},
	{"S002", "Treatment", "F", "ASIAN"},
	{"S003", "Placebo", "F", "BLACK OR AFRICAN AMERICAN"},
}

func writeRawFixture(t *testing.T, path string) {
	t.Helper()
	header := []string{"USUBJID", "ARM", "AGE", "SEX", "RACE", "VISIT", "SBP"}
	var rows [][]string
	for _, s := range testSubjects {
		for _, visit := range []string{"1", "2"} {
			rows = append(rows, []string{s.id, s.arm, "60", s.sex, s.race, visit, "132.5"})
		}
	}
	writeCSVFile(t, path, header, rows)
}

func writeSDTMFixture(t *testing.T, dir string) {
	t.Helper()
	dmHeader := requiredDMCols
	var dmRows [][]string
	for _, s := range testSubjects {
		dmRows = append(dmRows, []string{
			"SBP001", "DM", s.id, s.id, "60", "YEARS", s.sex, s.race,
			s.arm, s.arm[:1], s.arm, s.arm[:1],
		})
	}
	writeCSVFile(t, filepath.Join(dir, "DM.csv"), dmHeader, dmRows)

	vsHeader := requiredVSCols
	var vsRows [][]string
	for _, s := range testSubjects {
		for i, visit := range []string{"WEEK 1", "WEEK 2"} {
			vsRows = append(vsRows, []string{
				"SBP001", "VS", s.id, "1", "SYSBP", "Systolic Blood Pressure",
				"132.5", "132.5", "mmHg", []string{"1", "2"}[i], visit,
			})
		}
	}
	writeCSVFile(t, filepath.Join(dir, "VS.csv"), vsHeader, vsRows)
	writeFile(t, filepath.Join(dir, "data_dictionary.csv"), "dataset,variable,label\n")
}

func writeADaMFixture(t *testing.T, dir string, adtte ADTTESummary) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "ADSL.csv"), "USUBJID\nS001\nS002\nS003\n")
	writeJSONFile(t, filepath.Join(dir, "ADSL_summary.json"), ADSLSummary{
		NRows:   3,
		Columns: requiredADSLCols,
	})
	writeFile(t, filepath.Join(dir, "ADTTE.rds"), "rds")
	writeJSONFile(t, filepath.Join(dir, "ADTTE_summary.json"), adtte)
	writeFile(t, filepath.Join(dir, "data_dictionary.csv"), "dataset,variable,label\n")
}

func goodADTTESummary() ADTTESummary {
	return ADTTESummary{
		NRows:     3,
		NEvents:   2,
		NCensored: 1,
		Columns:   requiredADTTECols,
		Paramcd:   "TTESB120",
	}
}

func writeStatsFixture(t *testing.T, dir string, res StatsResults) {
	t.Helper()
	writeJSONFile(t, filepath.Join(dir, "results.json"), res)
	writeFile(t, filepath.Join(dir, "km_plot.png"), "png bytes")
	writeFile(t, filepath.Join(dir, "table1_demographics.csv"), "a,b\n")
	writeFile(t, filepath.Join(dir, "table2_km_results.csv"), "a,b\n")
	writeFile(t, filepath.Join(dir, "table3_cox_results.csv"), "a,b\n")
}

func goodStatsResults() StatsResults {
	var res StatsResults
	res.Metadata.NSubjects = 3
	res.Metadata.NEvents = 2
	res.Metadata.NCensored = 1
	res.Table2.LogrankP = 0.0432
	res.Table2.KMMedianTreatment = floatPtr(12.0)
	res.Table2.KMMedianPlacebo = floatPtr(18.0)
	res.Table3.CoxHR = 0.75
	return res
}

// writeTrackFixture lays out one complete agreeing track.
func writeTrackFixture(t *testing.T, track TrackResult, adtte ADTTESummary, stats StatsResults) {
	t.Helper()
	writeSDTMFixture(t, track.SDTMDir)
	writeADaMFixture(t, track.ADaMDir, adtte)
	writeStatsFixture(t, track.StatsDir, stats)
}

func tempTrack(t *testing.T, trackID string) TrackResult {
	t.Helper()
	base := filepath.Join(t.TempDir(), trackID)
	return TrackResult{
		TrackID:     trackID,
		SDTMDir:     filepath.Join(base, "sdtm"),
		ADaMDir:     filepath.Join(base, "adam"),
		StatsDir:    filepath.Join(base, "stats"),
		ResultsPath: filepath.Join(base, "stats", "results.json"),
	}
}
