// Package findings converts raw research content into structured
// findings. A model-assisted extractor is tried first; any failure
// falls back to the deterministic rule-based path so a query that
// produced content always has a chance of yielding findings.
package findings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prospectlabs/scout/internal/provider"
	"github.com/prospectlabs/scout/internal/research"
)

// ExtractionInput carries everything one completed query produced.
type ExtractionInput struct {
	SessionID   string
	CompanyID   string
	CompanyName string
	Template    research.QueryTemplate
	Content     string
	Citations   []string
}

// Extractor drives both extraction paths.
type Extractor struct {
	llm              provider.CompletionProvider
	model            string
	minSectionLength int
	maxTags          int
	logger           *log.Logger
}

// NewExtractor builds an extractor. llm may be nil, in which case only
// the rule-based path runs.
func NewExtractor(llm provider.CompletionProvider, model string, minSectionLength int, logger *log.Logger) *Extractor {
	if minSectionLength <= 0 {
		minSectionLength = 200
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[FINDINGS] ", log.LstdFlags)
	}
	return &Extractor{
		llm:              llm,
		model:            model,
		minSectionLength: minSectionLength,
		maxTags:          10,
		logger:           logger,
	}
}

// Extract turns one query result into zero or more findings. It never
// returns an error: model-path failures are logged and the rule-based
// fallback runs instead. The second return value is the extraction
// LLM spend in dollars (zero on the rule path).
func (e *Extractor) Extract(ctx context.Context, in ExtractionInput) ([]research.Finding, float64) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, 0
	}

	if e.llm != nil {
		found, cost, err := e.extractWithModel(ctx, in)
		if err == nil {
			return found, cost
		}
		e.logger.Printf("session %s: model extraction failed (%v), falling back to rules", in.SessionID, err)
		return e.extractWithRules(in), cost
	}
	return e.extractWithRules(in), 0
}

// modelFinding is the strict JSON shape requested from the model.
type modelFinding struct {
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	FindingType     string   `json:"finding_type"`
	ConfidenceScore float64  `json:"confidence_score"`
	PriorityLevel   string   `json:"priority_level"`
	Tags            []string `json:"tags"`
}

func (e *Extractor) extractWithModel(ctx context.Context, in ExtractionInput) ([]research.Finding, float64, error) {
	prompt := fmt.Sprintf(`You are extracting structured findings from company research about %s.

RESEARCH CONTENT:
%s

Extract the distinct, concrete insights. Respond ONLY with a strict JSON array (no prose, no markdown fences) of objects with keys:
{"title": string, "content": string, "finding_type": string one of [problem_identified, market_opportunity, competitive_insight, tech_trend, business_model, funding_status, team_insight, product_analysis], "confidence_score": number 0..1, "priority_level": string one of [low, medium, high], "tags": [string]}
Return [] if the content holds no concrete insight.
`, in.CompanyName, in.Content)

	out, inTok, outTok, err := e.llm.GenerateWithTokens(ctx, prompt, e.model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  1500,
	})
	cost := 0.0
	if err == nil {
		cost = e.llm.CalculateCost(inTok, outTok, e.model)
	}
	if err != nil {
		return nil, 0, err
	}

	var parsed []modelFinding
	if err := json.Unmarshal([]byte(extractFirstJSONArray(out)), &parsed); err != nil {
		return nil, cost, fmt.Errorf("parse extraction output: %w", err)
	}

	now := time.Now()
	result := make([]research.Finding, 0, len(parsed))
	for _, mf := range parsed {
		if strings.TrimSpace(mf.Title) == "" && strings.TrimSpace(mf.Content) == "" {
			continue
		}
		result = append(result, research.Finding{
			ID:         uuid.NewString(),
			SessionID:  in.SessionID,
			CompanyID:  in.CompanyID,
			Type:       normalizeFindingType(mf.FindingType),
			Title:      defaultTitle(mf.Title, mf.Content),
			Content:    mf.Content,
			Confidence: clamp01(mf.ConfidenceScore),
			Priority:   normalizePriority(mf.PriorityLevel),
			Citations:  append([]string(nil), in.Citations...),
			Tags:       capTags(mf.Tags, e.maxTags),
			Metadata: map[string]interface{}{
				"extraction_method": "llm",
				"template_id":       in.Template.ID,
			},
			CreatedAt: now,
		})
	}
	return result, cost, nil
}

// normalizeFindingType defaults unknown categories instead of dropping
// the whole finding.
func normalizeFindingType(raw string) research.FindingType {
	ft := research.FindingType(strings.TrimSpace(strings.ToLower(raw)))
	if ft.Validate() != nil {
		return research.FindingProblemIdentified
	}
	return ft
}

func normalizePriority(raw string) research.Priority {
	p := research.Priority(strings.TrimSpace(strings.ToLower(raw)))
	if p.Validate() != nil {
		return research.PriorityMedium
	}
	return p
}

func defaultTitle(title, content string) string {
	title = strings.TrimSpace(title)
	if title != "" {
		return title
	}
	return truncateFirstSentence(content, 80)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func capTags(tags []string, max int) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == max {
			break
		}
	}
	return out
}

// extractFirstJSONArray finds the first top-level JSON array in a
// string, tolerating prose or markdown fences around it.
func extractFirstJSONArray(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '[' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == ']' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
