package script

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"reelsmith/internal/faults"
	"reelsmith/pkg/prompts"
)

const (
	// wordsPerSecond sizes the script request to the target runtime.
	wordsPerSecond = 2
	// maxPromptLen caps generated prompts to what the image API accepts.
	maxPromptLen = 1500
)

// Generator produces the narration script and per-segment generation
// prompts. With a nil LLM it degrades to the deterministic fallback
// prompt builders, which keeps the pipeline usable offline.
type Generator struct {
	llm     LLM
	prompts *prompts.Prompts
	retries int
}

func NewGenerator(llm LLM, p *prompts.Prompts, promptRetries int) *Generator {
	if promptRetries <= 0 {
		promptRetries = 2
	}
	return &Generator{llm: llm, prompts: p, retries: promptRetries}
}

// GenerateScript writes narration for topic sized to durationSeconds.
func (g *Generator) GenerateScript(ctx context.Context, topic string, durationSeconds int) (string, error) {
	if g.llm == nil {
		return "", faults.Newf(faults.KindFatal, "no script backend configured")
	}

	userPrompt, err := g.prompts.RenderScript(prompts.ScriptParams{
		Topic:     topic,
		WordCount: durationSeconds * wordsPerSecond,
		Duration:  durationSeconds,
	})
	if err != nil {
		return "", faults.New(faults.KindFatal, err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.retries; attempt++ {
		text, err := g.llm.Complete(ctx, g.prompts.System.Script, userPrompt)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			lastErr = fmt.Errorf("empty script")
			continue
		}
		return text, nil
	}
	return "", faults.New(faults.KindTransient, fmt.Errorf("generate script: %w", lastErr))
}

// ImagePrompt returns an image generation prompt for one segment.
func (g *Generator) ImagePrompt(ctx context.Context, segmentText string) (string, error) {
	if g.llm == nil {
		return FallbackImagePrompt(segmentText), nil
	}
	userPrompt, err := g.prompts.RenderImage(prompts.SegmentParams{Text: segmentText})
	if err != nil {
		return "", faults.New(faults.KindFatal, err)
	}
	return g.generatePrompt(ctx, g.prompts.System.Image, userPrompt)
}

// AnimationPrompt returns a camera-motion prompt for one segment.
func (g *Generator) AnimationPrompt(ctx context.Context, segmentText string) (string, error) {
	if g.llm == nil {
		return FallbackAnimationPrompt(segmentText), nil
	}
	userPrompt, err := g.prompts.RenderAnimation(prompts.SegmentParams{Text: segmentText})
	if err != nil {
		return "", faults.New(faults.KindFatal, err)
	}
	return g.generatePrompt(ctx, g.prompts.System.Animation, userPrompt)
}

// generatePrompt retries malformed completions up to the budget, then
// fails with a validation classification.
func (g *Generator) generatePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retries; attempt++ {
		raw, err := g.llm.Complete(ctx, systemPrompt, userPrompt)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", faults.New(faults.KindTransient, err)
		}

		prompt, err := sanitizePrompt(raw)
		if err == nil {
			return prompt, nil
		}
		lastErr = err
		slog.Debug("Malformed prompt, retrying", "attempt", attempt, "error", err)
	}
	return "", faults.New(faults.KindValidation,
		fmt.Errorf("after %d attempts: %w", g.retries, lastErr))
}

// sanitizePrompt rejects completions that are not a single usable
// prompt line.
func sanitizePrompt(raw string) (string, error) {
	prompt := strings.TrimSpace(raw)
	prompt = strings.Trim(prompt, `"`)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	if strings.Contains(prompt, "\n") {
		return "", fmt.Errorf("multi-line prompt")
	}
	if len(prompt) > maxPromptLen {
		return "", fmt.Errorf("prompt too long: %d chars", len(prompt))
	}
	return prompt, nil
}
