package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// PerplexityConfig configures the web-search research client.
type PerplexityConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Pricing per 1K tokens for the configured model.
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// PerplexityProvider talks to a Perplexity-compatible search-augmented
// completions API. Responses carry the URLs the model consulted.
type PerplexityProvider struct {
	config PerplexityConfig
	client *http.Client
}

// NewPerplexityProvider builds the research client.
func NewPerplexityProvider(cfg PerplexityConfig) *PerplexityProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "sonar"
	}
	if cfg.CostPer1KInput == 0 {
		cfg.CostPer1KInput = 0.001
	}
	if cfg.CostPer1KOutput == 0 {
		cfg.CostPer1KOutput = 0.001
	}
	return &PerplexityProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies the provider in session records.
func (p *PerplexityProvider) Name() string { return "perplexity" }

// Execute runs one research query and returns content plus citations.
func (p *PerplexityProvider) Execute(ctx context.Context, q ResearchQuery) (ResearchResult, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("PERPLEXITY_API_KEY")
	}
	if apiKey == "" {
		return ResearchResult{}, fmt.Errorf("Perplexity API key not configured")
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model              string    `json:"model"`
		Messages           []chatMsg `json:"messages"`
		SearchDomainFilter []string  `json:"search_domain_filter,omitempty"`
		SearchRecency      string    `json:"search_recency_filter,omitempty"`
	}

	messages := make([]chatMsg, 0, 2)
	if q.SystemPrompt != "" {
		messages = append(messages, chatMsg{Role: "system", Content: q.SystemPrompt})
	}
	messages = append(messages, chatMsg{Role: "user", Content: q.Query})

	body, err := json.Marshal(chatReq{
		Model:              p.config.Model,
		Messages:           messages,
		SearchDomainFilter: q.SearchDomains,
		SearchRecency:      q.Recency,
	})
	if err != nil {
		return ResearchResult{}, fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return ResearchResult{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return ResearchResult{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ResearchResult{}, fmt.Errorf("Perplexity status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Citations []string `json:"citations"`
		Usage     struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ResearchResult{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return ResearchResult{}, fmt.Errorf("no choices")
	}

	inTokens := int64(out.Usage.PromptTokens)
	outTokens := int64(out.Usage.CompletionTokens)
	info := ModelInfo{CostPer1KInput: p.config.CostPer1KInput, CostPer1KOutput: p.config.CostPer1KOutput}
	return ResearchResult{
		Content:      out.Choices[0].Message.Content,
		Citations:    append([]string(nil), out.Citations...),
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostUSD:      costFor(info, inTokens, outTokens),
	}, nil
}
