// Package agent turns pipeline steps into LLM prompts and validated R
// scripts. Agents are stateless: the orchestrator owns execution, retry,
// and state.
package agent

import (
	"fmt"
	"strings"

	"github.com/concordhq/concord/internal/config"
)

// stageSpec carries one stage's prompt material and the file references
// its generated code must contain.
type stageSpec struct {
	Name    string
	Inputs  []string
	Outputs []string
	System  func(trial config.TrialConfig) string
	Task    string
}

var stages = map[string]stageSpec{
	"simulator": {
		Name:    "simulator",
		Outputs: []string{"/workspace/SBPdata.csv"},
		System: func(t config.TrialConfig) string {
			return fmt.Sprintf(`You are a clinical trial data simulation expert writing R code.

Simulate a randomized hypertension trial:
- %d subjects randomized %s (Treatment:Placebo)
- %d weekly visits per subject, one systolic blood pressure (SBP) reading each
- Treatment arm SBP ~ Normal(%.1f, %.1f), Placebo arm ~ Normal(%.1f, %.1f)
- Baseline SBP ~ Normal(%.1f, %.1f) for all subjects at visit 1
- Age ~ Normal(%.1f, %.1f), SEX and RACE drawn from CDISC controlled terminology codes
- Missing visit rate %.2f, annual dropout rate %.2f

Output one long-format CSV with columns USUBJID, ARM, AGE, SEX, RACE, VISIT, SBP.
Every subject appears at every visit; missing readings keep the row with SBP=NA.
Respond with a single R script in a fenced code block. Do not call set.seed; it is injected.`,
				t.NSubjects, t.RandomizationRatio, t.Visits,
				t.TreatmentSBPMean, t.TreatmentSBPSD, t.PlaceboSBPMean, t.PlaceboSBPSD,
				t.BaselineSBPMean, t.BaselineSBPSD, t.AgeMean, t.AgeSD,
				t.MissingRate, t.DropoutRate)
		},
		Task: "Generate R code to simulate the trial dataset. Write the result to '/workspace/SBPdata.csv'.",
	},
	"sdtm": {
		Name:    "sdtm",
		Inputs:  []string{"/workspace/input/SBPdata.csv"},
		Outputs: []string{"/workspace/DM.csv", "/workspace/VS.csv", "/workspace/data_dictionary.csv"},
		System: func(t config.TrialConfig) string {
			return fmt.Sprintf(`You are a CDISC SDTM mapping expert writing R code.

Map raw trial data (%d subjects, %d visits) for study SBP-001 to SDTM:
- DM.csv: one row per subject with STUDYID, DOMAIN, USUBJID, SUBJID, AGE, AGEU,
  SEX, RACE, ARM, ARMCD, ACTARM, ACTARMCD
- VS.csv: one row per subject per visit with STUDYID, DOMAIN, USUBJID, VSSEQ,
  VSTESTCD, VSTEST, VSORRES, VSSTRESN, VSSTRESU, VISITNUM, VISIT
- SEX and RACE use CDISC controlled terminology (SEX in M/F/U/UNDIFFERENTIATED)
- VSTESTCD is SYSBP, units mmHg
- data_dictionary.csv lists every variable with dataset, variable, and label columns

Deduplicate carefully; every subject in the raw data must appear in DM exactly once.
Respond with a single R script in a fenced code block. Do not call set.seed; it is injected.`,
				t.NSubjects, t.Visits)
		},
		Task: "Generate R code to map raw clinical trial data to CDISC SDTM domains. " +
			"Read raw data from '/workspace/input/SBPdata.csv'. " +
			"Write DM.csv to '/workspace/DM.csv', VS.csv to '/workspace/VS.csv', " +
			"and the data dictionary to '/workspace/data_dictionary.csv'.",
	},
	"adam": {
		Name:    "adam",
		Inputs:  []string{"/workspace/input/DM.csv", "/workspace/input/VS.csv"},
		Outputs: []string{
			"/workspace/ADSL.csv", "/workspace/ADSL_summary.json",
			"/workspace/ADTTE.rds", "/workspace/ADTTE_summary.json",
			"/workspace/data_dictionary.csv",
		},
		System: func(t config.TrialConfig) string {
			return fmt.Sprintf(`You are a CDISC ADaM dataset programmer writing R code.

Derive analysis datasets from SDTM DM and VS (%d subjects):
- ADSL.csv: one row per subject (STUDYID, USUBJID, SUBJID, AGE, SEX, RACE, ARM,
  ARMCD, TRTSDT), plus ADSL_summary.json with n_rows and columns
- ADTTE.rds: BDS time-to-event dataset, PARAMCD "TTESB120", PARAM
  "Time to First SBP < 120 mmHg", AVAL in weeks, CNSR (0=event, 1=censored),
  columns STUDYID, USUBJID, PARAMCD, PARAM, AVAL, CNSR, STARTDT, EVNTDESC,
  AGE, SEX, ARM, ARMCD
- The event is the first visit with SBP strictly below 120; subjects who never
  reach it are censored at their last observed visit. min() over an empty set
  yields Inf: guard against counting it as an event.
- ADTTE_summary.json: n_rows, n_events, n_censored, columns, paramcd
- data_dictionary.csv lists every variable with dataset, variable, and label columns

Every DM subject flows into both datasets; n_events + n_censored must equal n_rows.
Respond with a single R script in a fenced code block. Do not call set.seed; it is injected.`,
				t.NSubjects)
		},
		Task: "Generate R code to derive ADaM datasets from SDTM. " +
			"Read '/workspace/input/DM.csv' and '/workspace/input/VS.csv'. " +
			"Write '/workspace/ADSL.csv', '/workspace/ADSL_summary.json', " +
			"'/workspace/ADTTE.rds', '/workspace/ADTTE_summary.json', " +
			"and '/workspace/data_dictionary.csv'.",
	},
	"stats": {
		Name:   "stats",
		Inputs: []string{"/workspace/adam/ADTTE.rds"},
		Outputs: []string{
			"/workspace/results.json", "/workspace/km_plot.png",
			"/workspace/table1_demographics.csv",
			"/workspace/table2_km_results.csv",
			"/workspace/table3_cox_results.csv",
		},
		System: func(t config.TrialConfig) string {
			return `You are a clinical trial biostatistician writing R code with the survival package.

Analyze the time-to-event dataset:
- Kaplan-Meier estimation by ARM with median time-to-event per arm
- Log-rank test for the ARM difference
- Cox proportional hazards model with ARM as the only covariate,
  Placebo as the reference level
- km_plot.png: KM curves by arm (survminer), non-empty PNG
- table1_demographics.csv from ADSL via tableone
- table2_km_results.csv: KM medians and the log-rank p-value
- table3_cox_results.csv: hazard ratio with confidence interval
- results.json with this exact shape:
  {"metadata": {"n_subjects", "n_events", "n_censored"},
   "table2": {"logrank_p", "km_median_treatment", "km_median_placebo"},
   "table3": {"cox_hr"}}
  Omit a km_median key when the arm never reaches the median.

Respond with a single R script in a fenced code block. Do not call set.seed; it is injected.`
		},
		Task: "Generate R code for the survival analysis. " +
			"Read '/workspace/adam/ADTTE.rds' and '/workspace/adam/ADSL.csv'; SDTM data is " +
			"available under '/workspace/sdtm' if needed. " +
			"Write '/workspace/results.json', '/workspace/km_plot.png', " +
			"'/workspace/table1_demographics.csv', '/workspace/table2_km_results.csv', " +
			"and '/workspace/table3_cox_results.csv'.",
	},
}

// userPrompt renders the task, wrapping prior failure output on retries.
// previousError also carries resolution hints; they read the same way to
// the model.
func (s stageSpec) userPrompt(previousError string, attempt int) string {
	if strings.TrimSpace(previousError) == "" {
		return s.Task
	}
	return fmt.Sprintf(
		"Your previous R code produced an error. This is attempt %d.\n\n"+
			"Error output:\n```\n%s\n```\n\nFix the R code. %s",
		attempt, previousError, s.Task)
}

// StageNames returns the defined stages for validation and display.
func StageNames() []string {
	return []string{"simulator", "sdtm", "adam", "stats"}
}
