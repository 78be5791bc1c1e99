package findings

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/prospectlabs/scout/internal/research"
)

var highPriorityKeywords = []string{
	"outage", "breach", "security incident", "lawsuit", "layoff", "shutdown",
	"acquisition", "acquired", "urgent", "critical issue", "churn",
}

var mediumPriorityKeywords = []string{
	"funding", "raised", "hiring", "launch", "expansion", "migration",
	"partnership", "growth", "new product", "restructur",
}

var problemKeywords = []string{
	"problem", "challenge", "struggling", "pain point", "bottleneck",
	"difficulty", "issue with", "limitation",
}

var technologyTags = []string{
	"go", "golang", "python", "java", "typescript", "javascript", "rust", "ruby",
	"react", "kubernetes", "docker", "terraform", "aws", "gcp", "azure",
	"postgres", "postgresql", "mysql", "redis", "kafka", "elasticsearch",
	"graphql", "grpc", "machine learning", "llm", "microservices",
}

var businessTags = []string{
	"saas", "b2b", "b2c", "enterprise", "marketplace", "subscription",
	"freemium", "self-serve", "api-first", "open source", "venture capital",
	"series a", "series b", "series c", "ipo", "profitability",
}

// extractWithRules is the deterministic offline path: section the
// content, then derive title, confidence, priority and tags per section.
func (e *Extractor) extractWithRules(in ExtractionInput) []research.Finding {
	sections := splitSections(in.Content, e.minSectionLength)
	if len(sections) == 0 {
		return nil
	}

	now := time.Now()
	out := make([]research.Finding, 0, len(sections))
	for _, sec := range sections {
		out = append(out, research.Finding{
			ID:         uuid.NewString(),
			SessionID:  in.SessionID,
			CompanyID:  in.CompanyID,
			Type:       ruleFindingType(sec, in.Template.Category),
			Title:      deriveTitle(sec),
			Content:    sec,
			Confidence: ruleConfidence(sec, len(in.Citations)),
			Priority:   rulePriority(sec),
			Citations:  append([]string(nil), in.Citations...),
			Tags:       extractTags(sec, e.maxTags),
			Metadata: map[string]interface{}{
				"extraction_method": "rules",
				"template_id":       in.Template.ID,
			},
			CreatedAt: now,
		})
	}
	return out
}

// splitSections cuts content on markdown headers or blank-line
// paragraph breaks, dropping fragments below the minimum length.
func splitSections(content string, minLength int) []string {
	lines := strings.Split(content, "\n")
	var sections []string
	var current []string

	flush := func() {
		sec := strings.TrimSpace(strings.Join(current, "\n"))
		if len(sec) >= minLength {
			sections = append(sections, sec)
		}
		current = current[:0]
	}

	blankRun := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
			blankRun = 0
			current = append(current, line)
			continue
		}
		if trimmed == "" {
			blankRun++
			if blankRun >= 2 {
				flush()
			}
			continue
		}
		blankRun = 0
		current = append(current, line)
	}
	flush()
	return sections
}

// deriveTitle prefers a header line, then a numbered or bulleted lead,
// then a truncated first sentence.
func deriveTitle(section string) string {
	lines := strings.Split(section, "\n")
	first := strings.TrimSpace(lines[0])

	if strings.HasPrefix(first, "#") {
		return strings.TrimSpace(strings.TrimLeft(first, "# "))
	}
	if t := trimListMarker(first); t != "" {
		return truncateFirstSentence(t, 80)
	}
	return truncateFirstSentence(first, 80)
}

func trimListMarker(line string) string {
	for _, marker := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(line[len(marker):])
		}
	}
	// numbered lead like "1. " or "2) "
	i := 0
	for i < len(line) && unicode.IsDigit(rune(line[i])) {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
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

// ruleConfidence starts from a floor and adds a diminishing bonus per
// citation plus small lexical bonuses for concrete language.
func ruleConfidence(section string, citationCount int) float64 {
	confidence := 0.35
	for i := 0; i < citationCount; i++ {
		confidence += 0.08 * math.Pow(0.6, float64(i))
	}
	lower := strings.ToLower(section)
	if strings.ContainsAny(section, "0123456789") {
		confidence += 0.05
	}
	if strings.Contains(lower, "specific") || strings.Contains(lower, "recent") {
		confidence += 0.05
	}
	return clamp01(confidence)
}

func rulePriority(section string) research.Priority {
	lower := strings.ToLower(section)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(lower, kw) {
			return research.PriorityHigh
		}
	}
	for _, kw := range mediumPriorityKeywords {
		if strings.Contains(lower, kw) {
			return research.PriorityMedium
		}
	}
	return research.PriorityLow
}

// ruleFindingType maps the originating template's category to a finding
// type; explicit problem language overrides the mapping.
func ruleFindingType(section string, category research.TemplateCategory) research.FindingType {
	lower := strings.ToLower(section)
	for _, kw := range problemKeywords {
		if strings.Contains(lower, kw) {
			return research.FindingProblemIdentified
		}
	}
	switch category {
	case research.CategoryTechnical:
		return research.FindingTechTrend
	case research.CategoryBusiness:
		return research.FindingBusinessModel
	case research.CategoryTeam:
		return research.FindingTeamInsight
	case research.CategoryCompetitive:
		return research.FindingCompetitiveInsight
	case research.CategoryMarket:
		return research.FindingMarketOpportunity
	case research.CategoryFunding:
		return research.FindingFundingStatus
	}
	return research.FindingProblemIdentified
}

func extractTags(section string, max int) []string {
	lower := strings.ToLower(section)
	var tags []string
	seen := make(map[string]bool)
	for _, dict := range [][]string{technologyTags, businessTags} {
		for _, term := range dict {
			if seen[term] || !containsTerm(lower, term) {
				continue
			}
			seen[term] = true
			tags = append(tags, term)
			if len(tags) == max {
				return tags
			}
		}
	}
	return tags
}

// containsTerm does word-boundary matching so short tags like "go" do
// not fire inside unrelated words.
func containsTerm(lower, term string) bool {
	for start := 0; ; {
		idx := strings.Index(lower[start:], term)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(term)
		beforeOK := idx == 0 || !isWordChar(lower[idx-1])
		afterOK := end == len(lower) || !isWordChar(lower[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
