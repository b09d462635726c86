package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Packages pre-installed in the r-clinical sandbox image. Generated code
// referencing anything else fails before a container is spent on it.
var AllowedPackages = map[string]bool{
	"survival": true, "survminer": true, "tidyverse": true, "haven": true,
	"jsonlite": true, "readr": true, "ggplot2": true, "broom": true,
	"tableone": true, "dplyr": true, "tidyr": true, "stringr": true,
	"purrr": true, "tibble": true, "forcats": true, "lubridate": true,
	"officer": true, "flextable": true, "writexl": true,
}

var (
	libraryPattern = regexp.MustCompile(`(?:library|require)\(\s*["']?(\w+)["']?\s*\)`)
	installPattern = regexp.MustCompile(`install\.packages\s*\(`)
)

// PreExecutionError reports static validation failures in generated R code.
type PreExecutionError struct {
	Issues []string
}

func (e *PreExecutionError) Error() string {
	plural := "s"
	if len(e.Issues) == 1 {
		plural = ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pre-execution validation failed (%d issue%s):", len(e.Issues), plural)
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return b.String()
}

// ValidateRCode statically checks generated R code before execution: every
// loaded package must be pre-installed, install.packages is forbidden, and
// the stage's expected input and output paths must be referenced.
func ValidateRCode(code string, expectedInputs, expectedOutputs []string) []string {
	var issues []string

	for _, m := range libraryPattern.FindAllStringSubmatch(code, -1) {
		if pkg := m[1]; !AllowedPackages[pkg] {
			issues = append(issues, fmt.Sprintf("DISALLOWED_PACKAGE: '%s' not in allowed list", pkg))
		}
	}
	if installPattern.MatchString(code) {
		issues = append(issues, "INSTALL_PACKAGES: code tries to install packages (all packages are pre-installed)")
	}
	for _, ref := range expectedInputs {
		if !strings.Contains(code, ref) {
			issues = append(issues, fmt.Sprintf("MISSING_INPUT_REF: code does not reference '%s'", ref))
		}
	}
	for _, ref := range expectedOutputs {
		if !strings.Contains(code, ref) {
			issues = append(issues, fmt.Sprintf("MISSING_OUTPUT_REF: code does not reference '%s'", ref))
		}
	}
	return issues
}

// CheckRCode is ValidateRCode with an error return.
func CheckRCode(code string, expectedInputs, expectedOutputs []string) error {
	if issues := ValidateRCode(code, expectedInputs, expectedOutputs); len(issues) > 0 {
		return &PreExecutionError{Issues: issues}
	}
	return nil
}
