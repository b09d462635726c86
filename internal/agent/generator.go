package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/concordhq/concord/internal/config"
	"github.com/concordhq/concord/internal/llm"
	"github.com/concordhq/concord/internal/pipeline"
)

// Generator produces validated R scripts for pipeline steps. It implements
// pipeline.ScriptGenerator on top of the provider-routing llm.Client.
type Generator struct {
	Client *llm.Client
	Config *config.Config

	// OnLLMCall, when set, observes every completed model call with its
	// token usage.
	OnLLMCall func(provider, model string, inputTokens, outputTokens int)
}

func NewGenerator(client *llm.Client, cfg *config.Config) *Generator {
	return &Generator{Client: client, Config: cfg}
}

func (g *Generator) Generate(ctx context.Context, req pipeline.GenerateRequest) (string, error) {
	spec, ok := stages[req.Step]
	if !ok {
		return "", fmt.Errorf("unknown stage: %s", req.Step)
	}

	mc := g.Config.LLM.TrackA
	if req.TrackID == "track_b" {
		mc = g.Config.LLM.TrackB
	}

	prompt := spec.userPrompt(req.PreviousError, req.Attempt)
	code, err := g.complete(ctx, mc, spec.System(g.Config.Trial), prompt, spec.Name)
	if err != nil {
		return "", err
	}
	code = InjectSeed(code, g.Config.Trial.Seed)

	issues := ValidateRCode(code, spec.Inputs, spec.Outputs)
	if len(issues) == 0 {
		return code, nil
	}

	// One repair round before a container is spent: feed the static
	// findings back and regenerate.
	repairPrompt := fmt.Sprintf(
		"%s\n\nYour script failed static validation:\n%s\n\nRegenerate the full script with these issues fixed.",
		prompt, "  - "+strings.Join(issues, "\n  - "))
	code, err = g.complete(ctx, mc, spec.System(g.Config.Trial), repairPrompt, spec.Name)
	if err != nil {
		return "", err
	}
	code = InjectSeed(code, g.Config.Trial.Seed)
	if err := CheckRCode(code, spec.Inputs, spec.Outputs); err != nil {
		return "", fmt.Errorf("%s script: %w", spec.Name, err)
	}
	return code, nil
}

func (g *Generator) complete(ctx context.Context, mc config.ModelConfig, system, prompt, stage string) (string, error) {
	resp, err := g.Client.Complete(ctx, llm.Request{
		Provider:    mc.Provider,
		Model:       mc.Model,
		System:      system,
		Prompt:      prompt,
		Temperature: mc.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("generate %s script: %w", stage, err)
	}
	if g.OnLLMCall != nil {
		model := resp.Model
		if model == "" {
			model = mc.Model
		}
		g.OnLLMCall(mc.Provider, model, resp.InputTokens, resp.OutputTokens)
	}
	code := llm.ExtractRCode(resp.Text)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%s: model response contained no extractable R code", stage)
	}
	return code, nil
}
