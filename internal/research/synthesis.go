package research

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prospectlabs/scout/internal/provider"
)

var riskKeywords = []string{
	"risk", "concern", "threat", "decline", "churn", "lawsuit", "breach",
	"outage", "layoff", "competition from", "losing",
}

var nextStepKeywords = []string{
	"should", "recommend", "consider", "opportunity to", "next step",
	"worth exploring", "could benefit",
}

// Synthesizer rolls a session's findings into a narrative summary. It
// is a pure read-only consumer of findings; a failed summary call
// degrades to a templated summary instead of failing anything.
type Synthesizer struct {
	llm    provider.CompletionProvider
	model  string
	logger *log.Logger
}

// NewSynthesizer builds a synthesizer. llm may be nil, which forces the
// templated summary.
func NewSynthesizer(llm provider.CompletionProvider, model string, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(os.Stdout, "[SYNTHESIS] ", log.LstdFlags)
	}
	return &Synthesizer{llm: llm, model: model, logger: logger}
}

// Generate produces the synthesis for a completed set of findings.
// The second return value is the summary LLM spend in dollars.
func (s *Synthesizer) Generate(ctx context.Context, sessionID, companyName string, findings []Finding) (Synthesis, float64) {
	byCategory := make(map[FindingType][]Finding)
	for _, f := range findings {
		byCategory[f.Type] = append(byCategory[f.Type], f)
	}

	syn := Synthesis{
		SessionID:     sessionID,
		CompanyName:   companyName,
		ByCategory:    byCategory,
		Opportunities: deriveOpportunities(findings),
		RiskFactors:   matchSentences(findings, riskKeywords, 5),
		NextSteps:     matchSentences(findings, nextStepKeywords, 5),
		Confidence:    meanConfidence(findings),
		GeneratedAt:   time.Now(),
	}

	summary, cost := s.executiveSummary(ctx, companyName, findings)
	syn.ExecutiveSummary = summary
	return syn, cost
}

func (s *Synthesizer) executiveSummary(ctx context.Context, companyName string, findings []Finding) (string, float64) {
	if s.llm == nil || len(findings) == 0 {
		return templatedSummary(companyName, findings), 0
	}

	var sb strings.Builder
	for i, f := range findings {
		if i >= 20 {
			break
		}
		fmt.Fprintf(&sb, "- [%s/%s] %s: %s\n", f.Type, f.Priority, f.Title, truncateFirstSentence(f.Content, 160))
	}
	prompt := fmt.Sprintf(`You are summarizing research findings about %s for a sales and partnerships audience.

FINDINGS:
%s
Write a concise executive summary (3-5 sentences, plain prose, no markdown, no preamble) of what matters most about this company right now.`, companyName, sb.String())

	out, inTok, outTok, err := s.llm.GenerateWithTokens(ctx, prompt, s.model, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  400,
	})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			s.logger.Printf("executive summary call failed (%v), using templated summary", err)
		}
		return templatedSummary(companyName, findings), 0
	}
	return strings.TrimSpace(out), s.llm.CalculateCost(inTok, outTok, s.model)
}

func templatedSummary(companyName string, findings []Finding) string {
	if len(findings) == 0 {
		return fmt.Sprintf("Research on %s completed without extractable findings.", companyName)
	}
	counts := make(map[FindingType]int)
	for _, f := range findings {
		counts[f.Type]++
	}
	types := make([]string, 0, len(counts))
	for t, n := range counts {
		types = append(types, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(t), "_", " ")))
	}
	sort.Strings(types)
	highCount := 0
	for _, f := range findings {
		if f.Priority == PriorityHigh || f.Priority == PriorityCritical {
			highCount++
		}
	}
	return fmt.Sprintf("Research on %s produced %d findings (%s), %d of them high priority, with overall confidence %.2f.",
		companyName, len(findings), strings.Join(types, ", "), highCount, meanConfidence(findings))
}

// deriveOpportunities lists the titles of high and critical findings.
func deriveOpportunities(findings []Finding) []string {
	var out []string
	for _, f := range findings {
		if f.Priority == PriorityHigh || f.Priority == PriorityCritical {
			out = append(out, f.Title)
		}
	}
	return out
}

// matchSentences pulls sentences containing any of the keywords out of
// the finding bodies, capped at max.
func matchSentences(findings []Finding, keywords []string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range findings {
		for _, sentence := range splitSentences(f.Content) {
			lower := strings.ToLower(sentence)
			for _, kw := range keywords {
				if !strings.Contains(lower, kw) {
					continue
				}
				if seen[sentence] {
					break
				}
				seen[sentence] = true
				out = append(out, sentence)
				if len(out) == max {
					return out
				}
				break
			}
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s := strings.TrimSpace(text[start : i+1])
			if len(s) > 10 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); len(s) > 10 {
		out = append(out, s)
	}
	return out
}

func meanConfidence(findings []Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range findings {
		sum += f.Confidence
	}
	return sum / float64(len(findings))
}

func truncateFirstSentence(text string, max int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if idx := strings.IndexAny(text, ".!?"); idx > 0 && idx < max {
		return text[:idx]
	}
	if len(text) > max {
		return strings.TrimSpace(text[:max]) + "..."
	}
	return text
}
