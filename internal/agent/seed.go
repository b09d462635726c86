package agent

import (
	"fmt"
	"regexp"
)

var seedPattern = regexp.MustCompile(`set\.seed\(\d+\)\s*\n?`)

// InjectSeed pins set.seed at the top of generated R code. Any seed the
// model wrote itself is removed first; reproducibility must not depend on
// the model remembering it.
func InjectSeed(code string, seed int) string {
	code = seedPattern.ReplaceAllString(code, "")
	return fmt.Sprintf("set.seed(%d)\n\n", seed) + code
}
