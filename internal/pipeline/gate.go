package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/concordhq/concord/internal/config"
)

// Required columns per dataset. DM and VS follow SDTM; ADSL and ADTTE
// follow ADaM BDS-TTE.
var (
	requiredDMCols = []string{
		"STUDYID", "DOMAIN", "USUBJID", "SUBJID",
		"AGE", "AGEU", "SEX", "RACE", "ARM", "ARMCD",
		"ACTARM", "ACTARMCD",
	}
	requiredVSCols = []string{
		"STUDYID", "DOMAIN", "USUBJID", "VSSEQ",
		"VSTESTCD", "VSTEST", "VSORRES", "VSSTRESN",
		"VSSTRESU", "VISITNUM", "VISIT",
	}
	requiredADSLCols = []string{
		"STUDYID", "USUBJID", "SUBJID", "AGE", "SEX", "RACE",
		"ARM", "ARMCD", "TRTSDT",
	}
	requiredADTTECols = []string{
		"STUDYID", "USUBJID", "PARAMCD", "PARAM",
		"AVAL", "CNSR", "STARTDT", "EVNTDESC",
		"AGE", "SEX", "ARM", "ARMCD",
	}

	validSex  = map[string]bool{"M": true, "F": true, "U": true, "UNDIFFERENTIATED": true}
	validRace = map[string]bool{
		"WHITE":                                     true,
		"BLACK OR AFRICAN AMERICAN":                 true,
		"ASIAN":                                     true,
		"AMERICAN INDIAN OR ALASKA NATIVE":          true,
		"NATIVE HAWAIIAN OR OTHER PACIFIC ISLANDER": true,
		"MULTIPLE":     true,
		"NOT REPORTED": true,
		"UNKNOWN":      true,
	}

	statsExpectedFiles = []string{
		"km_plot.png",
		"results.json",
		"table1_demographics.csv",
		"table2_km_results.csv",
		"table3_cox_results.csv",
	}
)

const expectedParamcd = "TTESB120"

// Summary JSON documents are checked against embedded schemas before any
// semantic checks run, so malformed documents fail with precise locations.
var (
	adtteSummarySchema = jsonschema.MustCompileString("adtte_summary.json", `{
		"type": "object",
		"required": ["n_rows", "n_events", "n_censored", "columns", "paramcd"],
		"properties": {
			"n_rows": {"type": "integer", "minimum": 0},
			"n_events": {"type": "integer", "minimum": 0},
			"n_censored": {"type": "integer", "minimum": 0},
			"columns": {"type": "array", "items": {"type": "string"}},
			"paramcd": {"type": "string"}
		}
	}`)

	adslSummarySchema = jsonschema.MustCompileString("adsl_summary.json", `{
		"type": "object",
		"required": ["n_rows", "columns"],
		"properties": {
			"n_rows": {"type": "integer", "minimum": 0},
			"columns": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	statsResultsSchema = jsonschema.MustCompileString("results.json", `{
		"type": "object",
		"required": ["metadata", "table2", "table3"],
		"properties": {
			"metadata": {
				"type": "object",
				"required": ["n_subjects", "n_events", "n_censored"],
				"properties": {
					"n_subjects": {"type": "integer", "minimum": 0},
					"n_events": {"type": "integer", "minimum": 0},
					"n_censored": {"type": "integer", "minimum": 0}
				}
			},
			"table2": {
				"type": "object",
				"required": ["logrank_p"],
				"properties": {
					"logrank_p": {"type": "number"},
					"km_median_treatment": {"type": "number"},
					"km_median_placebo": {"type": "number"}
				}
			},
			"table3": {
				"type": "object",
				"required": ["cox_hr"],
				"properties": {
					"cox_hr": {"type": "number"}
				}
			}
		}
	}`)
)

// SchemaValidationError collects every issue found while validating one
// stage's output. All checks run before it is raised.
type SchemaValidationError struct {
	Stage  string
	Issues []string
}

func (e *SchemaValidationError) Error() string {
	plural := "s"
	if len(e.Issues) == 1 {
		plural = ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "schema validation failed for [%s] output (%d issue%s):", e.Stage, len(e.Issues), plural)
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return b.String()
}

// ADTTESummary mirrors the summary JSON written alongside ADTTE.rds so the
// dataset can be validated without reading RDS.
type ADTTESummary struct {
	NRows     int      `json:"n_rows"`
	NEvents   int      `json:"n_events"`
	NCensored int      `json:"n_censored"`
	Columns   []string `json:"columns"`
	Paramcd   string   `json:"paramcd"`
}

// ADSLSummary mirrors the ADSL summary JSON.
type ADSLSummary struct {
	NRows   int      `json:"n_rows"`
	Columns []string `json:"columns"`
}

// ValidateRawOutput checks the simulated raw dataset: expected columns,
// exact row count (subjects x visits), and the randomization ratio within
// a +-5 subject rounding allowance.
func ValidateRawOutput(csvPath string, trial config.TrialConfig) error {
	var issues []string

	rows, err := readCSV(csvPath)
	if err != nil {
		return &SchemaValidationError{Stage: "raw", Issues: []string{err.Error()}}
	}

	expectedCols := []string{"USUBJID", "ARM", "AGE", "SEX", "RACE", "VISIT", "SBP"}
	var cols map[string]bool
	if len(rows) > 0 {
		cols = columnSet(rows[0])
	}
	var missing []string
	for _, c := range expectedCols {
		if !cols[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, fmt.Sprintf("missing columns: %v", missing))
	}

	expectedRows := trial.NSubjects * trial.Visits
	if len(rows) != expectedRows {
		issues = append(issues, fmt.Sprintf("expected %d rows (%d subjects x %d visits), got %d",
			expectedRows, trial.NSubjects, trial.Visits, len(rows)))
	}

	if cols["USUBJID"] && cols["ARM"] {
		arms := map[string]string{}
		for _, row := range rows {
			arms[row["USUBJID"]] = row["ARM"]
		}
		treatment, placebo := 0, 0
		for _, arm := range arms {
			switch arm {
			case "Treatment":
				treatment++
			case "Placebo":
				placebo++
			}
		}
		total := treatment + placebo
		if total != trial.NSubjects {
			issues = append(issues, fmt.Sprintf("expected %d subjects, got %d", trial.NSubjects, total))
		}
		ratioA, ratioB, err := config.ParseRatio(trial.RandomizationRatio)
		if err == nil {
			expectedTreatment := trial.NSubjects * ratioA / (ratioA + ratioB)
			if abs(treatment-expectedTreatment) > 5 {
				issues = append(issues, fmt.Sprintf(
					"randomization off: %d Treatment, %d Placebo (expected ~%d:%d)",
					treatment, placebo, expectedTreatment, trial.NSubjects-expectedTreatment))
			}
		}
	}

	if len(issues) > 0 {
		return &SchemaValidationError{Stage: "raw", Issues: issues}
	}
	return nil
}

// ValidateSDTM checks DM.csv and VS.csv: presence, required columns, row
// counts, controlled terminology for SEX and RACE, and VS->DM referential
// integrity.
func ValidateSDTM(sdtmDir string, expectedSubjects, visits int) error {
	var issues []string

	dmPath := filepath.Join(sdtmDir, "DM.csv")
	vsPath := filepath.Join(sdtmDir, "VS.csv")
	if !fileExists(dmPath) {
		issues = append(issues, "DM.csv not found in SDTM output directory")
	}
	if !fileExists(vsPath) {
		issues = append(issues, "VS.csv not found in SDTM output directory")
	}
	if len(issues) > 0 {
		return &SchemaValidationError{Stage: "sdtm", Issues: issues}
	}

	dmRows, err := readCSV(dmPath)
	if err != nil {
		return &SchemaValidationError{Stage: "sdtm", Issues: []string{err.Error()}}
	}
	vsRows, err := readCSV(vsPath)
	if err != nil {
		return &SchemaValidationError{Stage: "sdtm", Issues: []string{err.Error()}}
	}

	var dmCols, vsCols map[string]bool
	if len(dmRows) > 0 {
		dmCols = columnSet(dmRows[0])
	}
	if len(vsRows) > 0 {
		vsCols = columnSet(vsRows[0])
	}
	issues = append(issues, checkColumns(dmCols, requiredDMCols, "DM")...)
	issues = append(issues, checkColumns(vsCols, requiredVSCols, "VS")...)

	if len(dmRows) != expectedSubjects {
		issues = append(issues, fmt.Sprintf("DM: expected %d rows, got %d", expectedSubjects, len(dmRows)))
	}
	expectedVS := expectedSubjects * visits
	if len(vsRows) != expectedVS {
		issues = append(issues, fmt.Sprintf("VS: expected %d rows (%d subjects x %d visits), got %d",
			expectedVS, expectedSubjects, visits, len(vsRows)))
	}

	if dmCols["SEX"] {
		if invalid := invalidValues(dmRows, "SEX", validSex); len(invalid) > 0 {
			issues = append(issues, fmt.Sprintf("DM.SEX: invalid values %v", invalid))
		}
	}
	if dmCols["RACE"] {
		if invalid := invalidValues(dmRows, "RACE", validRace); len(invalid) > 0 {
			issues = append(issues, fmt.Sprintf("DM.RACE: invalid values %v", invalid))
		}
	}

	if dmCols["USUBJID"] && vsCols["USUBJID"] {
		dmSubjects := map[string]bool{}
		for _, row := range dmRows {
			dmSubjects[row["USUBJID"]] = true
		}
		orphans := map[string]bool{}
		for _, row := range vsRows {
			if !dmSubjects[row["USUBJID"]] {
				orphans[row["USUBJID"]] = true
			}
		}
		if len(orphans) > 0 {
			sample := sortedStrings(orphans)
			if len(sample) > 5 {
				sample = sample[:5]
			}
			issues = append(issues, fmt.Sprintf(
				"referential integrity: %d VS subjects not in DM (first %d: %v)",
				len(orphans), len(sample), sample))
		}
	}

	if len(issues) > 0 {
		return &SchemaValidationError{Stage: "sdtm", Issues: issues}
	}
	return nil
}

// ValidateADaM checks the ADSL and ADTTE summaries: schema shape, row
// counts, event accounting, required columns, PARAMCD, and the two
// heuristic bug signatures (zero censored, event rate above 95%).
func ValidateADaM(adamDir string, expectedSubjects int) error {
	var issues []string

	adslCSV := filepath.Join(adamDir, "ADSL.csv")
	adslSummaryPath := filepath.Join(adamDir, "ADSL_summary.json")
	if !fileExists(adslCSV) {
		issues = append(issues, "ADSL.csv not found in ADaM output directory")
	}
	if !fileExists(adslSummaryPath) {
		issues = append(issues, "ADSL_summary.json not found in ADaM output directory")
	}

	if fileExists(adslSummaryPath) {
		var adsl ADSLSummary
		if err := readSummary(adslSummaryPath, adslSummarySchema, &adsl); err != nil {
			issues = append(issues, fmt.Sprintf("ADSL_summary.json: %v", err))
		} else {
			if adsl.NRows != expectedSubjects {
				issues = append(issues, fmt.Sprintf("ADSL: expected %d rows (one per subject), got %d",
					expectedSubjects, adsl.NRows))
			}
			issues = append(issues, checkColumns(stringSet(adsl.Columns), requiredADSLCols, "ADSL")...)
		}
	}

	rdsPath := filepath.Join(adamDir, "ADTTE.rds")
	summaryPath := filepath.Join(adamDir, "ADTTE_summary.json")
	if !fileExists(rdsPath) {
		issues = append(issues, "ADTTE.rds not found in ADaM output directory")
	}
	if !fileExists(summaryPath) {
		issues = append(issues, "ADTTE_summary.json not found in ADaM output directory")
	}
	if !fileExists(rdsPath) || !fileExists(summaryPath) {
		return &SchemaValidationError{Stage: "adam", Issues: issues}
	}

	var summary ADTTESummary
	if err := readSummary(summaryPath, adtteSummarySchema, &summary); err != nil {
		issues = append(issues, fmt.Sprintf("ADTTE_summary.json: %v", err))
		return &SchemaValidationError{Stage: "adam", Issues: issues}
	}

	if summary.NRows != expectedSubjects {
		issues = append(issues, fmt.Sprintf("ADTTE: expected %d rows, got %d", expectedSubjects, summary.NRows))
	}
	if total := summary.NEvents + summary.NCensored; total != expectedSubjects {
		issues = append(issues, fmt.Sprintf("ADTTE: n_events (%d) + n_censored (%d) = %d, expected %d",
			summary.NEvents, summary.NCensored, total, expectedSubjects))
	}

	// Known generated-code bug: min(empty, na.rm=TRUE) yields Inf, which
	// gets counted as an event. Zero censored or a >95% event rate are its
	// signatures.
	if summary.NCensored == 0 {
		issues = append(issues, "ADTTE: n_censored is 0, all subjects classified as events; "+
			"check event detection logic against the dropout rate")
	}
	if summary.NRows > 0 {
		rate := float64(summary.NEvents) / float64(summary.NRows)
		if rate > 0.95 {
			issues = append(issues, fmt.Sprintf(
				"ADTTE: event rate is %.1f%% (%d/%d); above 95%% is suspicious, check for Inf in AVAL",
				rate*100, summary.NEvents, summary.NRows))
		}
	}

	issues = append(issues, checkColumns(stringSet(summary.Columns), requiredADTTECols, "ADTTE")...)

	if summary.Paramcd != expectedParamcd {
		issues = append(issues, fmt.Sprintf("ADTTE.PARAMCD: expected %q, got %q", expectedParamcd, summary.Paramcd))
	}

	if len(issues) > 0 {
		return &SchemaValidationError{Stage: "adam", Issues: issues}
	}
	return nil
}

// ValidateStats checks the stats stage outputs: all expected files exist,
// results.json matches its schema, and km_plot.png is non-empty.
func ValidateStats(statsDir string) error {
	var issues []string

	for _, name := range statsExpectedFiles {
		if !fileExists(filepath.Join(statsDir, name)) {
			issues = append(issues, fmt.Sprintf("missing expected file: %s", name))
		}
	}

	resultsPath := filepath.Join(statsDir, "results.json")
	if fileExists(resultsPath) {
		var doc any
		if err := readSummary(resultsPath, statsResultsSchema, &doc); err != nil {
			issues = append(issues, fmt.Sprintf("results.json: %v", err))
		}
	}

	plotPath := filepath.Join(statsDir, "km_plot.png")
	if info, err := os.Stat(plotPath); err == nil && info.Size() == 0 {
		issues = append(issues, "km_plot.png: file is empty (0 bytes)")
	}

	if len(issues) > 0 {
		return &SchemaValidationError{Stage: "stats", Issues: issues}
	}
	return nil
}

// ValidateOutputCompleteness checks that a finished track carries its data
// dictionaries and the ADSL dataset.
func ValidateOutputCompleteness(trackDir string) error {
	var issues []string
	checks := []struct {
		rel  string
		desc string
	}{
		{filepath.Join("sdtm", "data_dictionary.csv"), "SDTM data dictionary missing"},
		{filepath.Join("adam", "data_dictionary.csv"), "ADaM data dictionary missing"},
		{filepath.Join("adam", "ADSL.csv"), "ADSL subject-level dataset missing"},
	}
	for _, c := range checks {
		if !fileExists(filepath.Join(trackDir, c.rel)) {
			issues = append(issues, fmt.Sprintf("%s not found: %s", c.rel, c.desc))
		}
	}
	if len(issues) > 0 {
		return &SchemaValidationError{Stage: "completeness", Issues: issues}
	}
	return nil
}

func readSummary(path string, schema *jsonschema.Schema, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func readCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func checkColumns(actual map[string]bool, required []string, label string) []string {
	var missing []string
	for _, col := range required {
		if !actual[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return []string{fmt.Sprintf("%s: missing required columns: %v", label, missing)}
	}
	return nil
}

func invalidValues(rows []map[string]string, col string, valid map[string]bool) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		if v := row[col]; !valid[v] {
			seen[v] = true
		}
	}
	return sortedStrings(seen)
}

func columnSet(row map[string]string) map[string]bool {
	out := make(map[string]bool, len(row))
	for k := range row {
		out[k] = true
	}
	return out
}

func stringSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

func sortedStrings(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
