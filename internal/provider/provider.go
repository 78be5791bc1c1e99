// Package provider contains the outbound LLM clients: a chat-completions
// client used for extraction and synthesis, and a web-search-augmented
// research client that returns cited content.
package provider

import (
	"context"
	"fmt"
)

// ModelInfo describes a configured model and its pricing.
type ModelInfo struct {
	Name            string
	APIName         string
	MaxTokens       int
	Temperature     float64
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// CompletionProvider generates text from a prompt and reports token usage.
type CompletionProvider interface {
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (text string, inputTokens int64, outputTokens int64, err error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ResearchQuery is one structured request to the research provider.
type ResearchQuery struct {
	Query         string
	SystemPrompt  string
	SearchDomains []string
	Recency       string
}

// ResearchResult is the provider's answer: content, the URLs it cited,
// token usage and a dollar cost estimate.
type ResearchResult struct {
	Content      string
	Citations    []string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ResearchProvider executes web-search-augmented research queries.
type ResearchProvider interface {
	Name() string
	Execute(ctx context.Context, q ResearchQuery) (ResearchResult, error)
}

func costFor(info ModelInfo, inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

func lookupModel(models map[string]ModelInfo, name string) (ModelInfo, error) {
	m, ok := models[name]
	if !ok {
		return ModelInfo{}, fmt.Errorf("model %s not configured", name)
	}
	return m, nil
}
