package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/concordhq/concord/internal/agent"
	"github.com/concordhq/concord/internal/config"
	"github.com/concordhq/concord/internal/llm"
	"github.com/concordhq/concord/internal/llm/providers/anthropic"
	"github.com/concordhq/concord/internal/llm/providers/openai"
	"github.com/concordhq/concord/internal/pipeline"
	"github.com/concordhq/concord/internal/sandbox"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		outputDir  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full dual-track pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			return runPipeline(cmd, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "concord.yaml", "run configuration file")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "override output directory")
	return cmd
}

func runPipeline(cmd *cobra.Command, cfg *config.Config) error {
	client := llm.NewClient()
	if err := registerProviders(client, cfg); err != nil {
		return err
	}

	engine := sandbox.NewEngine()
	executor := sandbox.NewExecutor(engine, sandbox.Options{
		Image:           cfg.Sandbox.Image,
		MemoryLimit:     cfg.Sandbox.MemoryLimit,
		CPUCount:        cfg.Sandbox.CPUCount,
		Timeout:         time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		NetworkDisabled: cfg.NetworkDisabled(),
	})

	var cache *pipeline.ScriptCache
	if cfg.CacheEnabled() {
		var err error
		cache, err = pipeline.NewScriptCache(cfg.Cache.Dir)
		if err != nil {
			return err
		}
	}

	preflight := func(ctx context.Context) error {
		if err := engine.Ping(ctx); err != nil {
			return err
		}
		if cfg.Sandbox.DockerfileDir != "" {
			built, err := engine.EnsureImage(ctx, cfg.Sandbox.Image, cfg.Sandbox.DockerfileDir)
			if err != nil {
				return err
			}
			if built {
				fmt.Fprintf(cmd.ErrOrStderr(), "built sandbox image %s\n", cfg.Sandbox.Image)
			}
		}
		return nil
	}

	progress := newConsoleProgress(cmd.ErrOrStderr())
	generator := agent.NewGenerator(client, cfg)
	generator.OnLLMCall = progress.OnLLMCall

	orch := pipeline.NewOrchestrator(cfg, pipeline.Deps{
		Generator: generator,
		Executor:  executor,
		Preflight: preflight,
		Progress:  progress,
		Cache:     cache,
	})

	res, err := orch.Run(cmd.Context())
	var halt *pipeline.ConsensusHaltError
	if errors.As(err, &halt) {
		printVerdict(cmd, halt.Verdict, res)
		return err
	}
	if err != nil {
		return err
	}
	printVerdict(cmd, res.Verdict, res)
	return nil
}

func printVerdict(cmd *cobra.Command, verdict pipeline.ConsensusVerdict, res *pipeline.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "verdict: %s\n", verdict.Verdict)
	for _, w := range verdict.BoundaryWarnings {
		fmt.Fprintf(out, "  %s\n", w)
	}
	for _, h := range verdict.InvestigationHints {
		fmt.Fprintf(out, "  hint: %s\n", h)
	}
	if res != nil {
		fmt.Fprintf(out, "run: %s\noutput: %s\n", res.RunID, res.OutputDir)
	}
}

func registerProviders(client *llm.Client, cfg *config.Config) error {
	seen := map[string]bool{}
	for _, mc := range []config.ModelConfig{cfg.LLM.TrackA, cfg.LLM.TrackB} {
		name := strings.ToLower(strings.TrimSpace(mc.Provider))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		key, err := config.ResolveAPIKey(mc)
		if err != nil {
			return err
		}
		switch name {
		case "anthropic":
			if key != "" {
				client.Register(anthropic.New(key, ""))
				continue
			}
			a, err := anthropic.NewFromEnv()
			if err != nil {
				return err
			}
			client.Register(a)
		case "openai":
			if key != "" {
				client.Register(openai.New(key, ""))
				continue
			}
			a, err := openai.NewFromEnv()
			if err != nil {
				return err
			}
			client.Register(a)
		default:
			return fmt.Errorf("unsupported provider: %s", mc.Provider)
		}
	}
	return nil
}
