// Package pipeline implements the dual-track orchestration core: the
// generate/execute/classify retry loop, stage gates and comparators, the
// adversarial resolution loop, and the consensus verdict.
package pipeline

import "strings"

// Noise signatures for R package startup chatter on stderr. Prefixes match
// the start of a trimmed line; fragments match anywhere in the line.
var (
	noisePrefixes = []string{
		"Loading required package:",
		"Attaching package:",
		"The following object is masked",
		"The following objects are masked",
		"Registered S3 method",
		"──", // box-drawing banner rule
		"✔",       // check mark: package attach line
		"✖",       // cross mark: conflict line
		"ℹ",       // info mark: conflicted-package advice
	}
	noiseContinuationParents = []string{
		"The following object is masked",
		"The following objects are masked",
		"Registered S3 method",
	}
)

// FilterRStderr strips R package loading noise from stderr while preserving
// every real diagnostic. Lines starting with "Error" are never removed, no
// matter what else they contain. The function is idempotent.
func FilterRStderr(stderr string) string {
	if stderr == "" {
		return ""
	}

	lines := strings.Split(stderr, "\n")
	kept := make([]string, 0, len(lines))
	inContinuation := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Real errors always survive, even when they look like noise.
		if strings.HasPrefix(trimmed, "Error") || strings.HasPrefix(trimmed, "error") {
			inContinuation = false
			kept = append(kept, line)
			continue
		}

		// Masked-object and S3-method blocks continue across blank and
		// indented lines until the next flush-left content line.
		if inContinuation {
			if trimmed == "" || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				continue
			}
			inContinuation = false
		}

		if isNoiseLine(trimmed) {
			for _, parent := range noiseContinuationParents {
				if strings.HasPrefix(trimmed, parent) {
					inContinuation = true
					break
				}
			}
			continue
		}

		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	return strings.Trim(out, "\n")
}

func isNoiseLine(trimmed string) bool {
	if trimmed == "" {
		// Blank lines between noise blocks; real blank lines inside kept
		// output are restored by the surrounding content.
		return true
	}
	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
