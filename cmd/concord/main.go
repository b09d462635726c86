package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/concordhq/concord/internal/cli"
	"github.com/concordhq/concord/internal/pipeline"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var halt *pipeline.ConsensusHaltError
		if errors.As(err, &halt) {
			os.Exit(cli.ExitHalt)
		}
		os.Exit(1)
	}
}
