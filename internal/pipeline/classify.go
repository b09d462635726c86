package pipeline

import "strings"

// ErrorClass classifies a sandbox failure for the retry decision.
type ErrorClass string

const (
	ClassCodeBug          ErrorClass = "code_bug"
	ClassEnvironmentError ErrorClass = "environment_error"
	ClassDataPathError    ErrorClass = "data_path_error"
	ClassStatisticalError ErrorClass = "statistical_error"
	ClassTimeout          ErrorClass = "timeout"
	ClassUnknown          ErrorClass = "unknown"
)

// Pattern lists are checked in order: more specific classes before the
// generic code-bug patterns, which would otherwise swallow everything.
var (
	environmentPatterns = []string{
		"there is no package called",
		"cannot open shared object file",
		"unable to load shared object",
	}
	dataPathPatterns = []string{
		"cannot open connection",
		"no such file or directory",
		"cannot open file",
	}
	statisticalPatterns = []string{
		"error in solve.default",
		"singular",
		"convergence",
		"not positive definite",
		"infinite or missing values",
		"na/nan/inf in foreign function call",
	}
	codeBugPatterns = []string{
		"object",
		"unexpected",
		"error in",
		"could not find",
		"subscript out of bounds",
		"non-numeric argument",
		"replacement has",
		"arguments imply differing number of rows",
	}
)

// ClassifyError maps a filtered stderr, exit code, and timeout flag to an
// error class. It is total: every input maps to some class.
func ClassifyError(stderr string, exitCode int, timedOut bool) ErrorClass {
	if timedOut {
		return ClassTimeout
	}

	lower := strings.ToLower(stderr)

	if containsAny(lower, environmentPatterns) {
		return ClassEnvironmentError
	}
	if containsAny(lower, dataPathPatterns) {
		return ClassDataPathError
	}
	if containsAny(lower, statisticalPatterns) {
		return ClassStatisticalError
	}
	if containsAny(lower, codeBugPatterns) {
		return ClassCodeBug
	}
	return ClassUnknown
}

// IsRetriable reports whether a class is worth another generation attempt.
// Environment errors need an image fix; statistical errors need human
// escalation. Everything else gets retried.
func IsRetriable(class ErrorClass) bool {
	switch class {
	case ClassCodeBug, ClassDataPathError, ClassUnknown, ClassTimeout:
		return true
	}
	return false
}

// Suggestion maps a class to one actionable next step for failure
// rendering.
func Suggestion(class ErrorClass) string {
	switch class {
	case ClassEnvironmentError:
		return "add the missing package to the sandbox image and rebuild"
	case ClassStatisticalError:
		return "escalate to a statistician: the model did not fit this data"
	case ClassDataPathError:
		return "check that expected input files exist at the mounted paths"
	case ClassTimeout:
		return "raise sandbox.timeout_seconds or simplify the generated script"
	case ClassCodeBug:
		return "inspect the last attempt's stderr; the next retry feeds it back to the model"
	}
	return "inspect the sandbox stderr; the failure did not match any known pattern"
}

// IsRealError reports whether stderr contains an actual error marker. R
// writes warnings to stderr on successful runs; only lines starting with
// "Error"/"error" count as failures.
func IsRealError(stderr string) bool {
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Error") || strings.HasPrefix(trimmed, "error") {
			return true
		}
	}
	return false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
