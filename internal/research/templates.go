package research

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TemplateRegistry maintains the in-memory catalogue of query templates.
// The built-in catalog is loaded once at construction; entries are
// immutable afterward.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]QueryTemplate
}

// NewTemplateRegistry constructs a registry pre-loaded with the built-in
// research templates.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]QueryTemplate)}
	for _, tpl := range builtinTemplates() {
		r.templates[tpl.ID] = tpl
	}
	return r
}

// Get returns the template registered under id.
func (r *TemplateRegistry) Get(id string) (QueryTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[id]
	return tpl, ok
}

// List returns all registered templates sorted by id.
func (r *TemplateRegistry) List() []QueryTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QueryTemplate, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve renders a template against a validated variable binding.
// Required variables are checked before any substitution happens.
func (r *TemplateRegistry) Resolve(id string, vars Variables) (ResolvedQuery, error) {
	tpl, ok := r.Get(id)
	if !ok {
		return ResolvedQuery{}, &ConfigError{Field: "template_ids", Reason: fmt.Sprintf("unknown template id %q", id)}
	}
	if err := vars.Validate(); err != nil {
		return ResolvedQuery{}, err
	}

	bindings := map[string]string{
		"company_name": vars.CompanyName,
		"industry":     orUnknown(vars.Industry),
		"size":         orUnknown(vars.Size),
		"stage":        orUnknown(vars.Stage),
		"location":     orUnknown(vars.Location),
		"competitors":  joinOrUnknown(vars.Competitors),
		"technologies": joinOrUnknown(vars.Technologies),
		"focus_areas":  joinOrUnknown(vars.FocusAreas),
	}

	query, err := substitute(tpl.Prompt, bindings)
	if err != nil {
		return ResolvedQuery{}, fmt.Errorf("template %s: %w", id, err)
	}
	system, err := substitute(tpl.SystemPrompt, bindings)
	if err != nil {
		return ResolvedQuery{}, fmt.Errorf("template %s: %w", id, err)
	}

	return ResolvedQuery{Template: tpl, Query: query, SystemPrompt: system}, nil
}

// substitute replaces {{key}} placeholders from the binding map and
// rejects placeholders that have no binding, so a malformed template
// fails loudly instead of leaking raw braces into a provider query.
func substitute(text string, bindings map[string]string) (string, error) {
	pairs := make([]string, 0, len(bindings)*2)
	for key, val := range bindings {
		pairs = append(pairs, "{{"+key+"}}", val)
	}
	out := strings.NewReplacer(pairs...).Replace(text)
	if i := strings.Index(out, "{{"); i >= 0 {
		end := strings.Index(out[i:], "}}")
		if end < 0 {
			end = len(out) - i
		} else {
			end += 2
		}
		return "", fmt.Errorf("unbound placeholder %s", out[i:i+end])
	}
	return out, nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

func joinOrUnknown(values []string) string {
	if len(values) == 0 {
		return "unknown"
	}
	return strings.Join(values, ", ")
}

const researchSystemPrompt = "You are a company research analyst. Ground every claim in the web sources you consult and cite them. Be specific: prefer numbers, dates, names and direct quotes over generalities."

func builtinTemplates() []QueryTemplate {
	return []QueryTemplate{
		{
			ID:           "tech-stack",
			Name:         "Technology Stack",
			Category:     CategoryTechnical,
			SystemPrompt: researchSystemPrompt,
			Prompt: "What technologies, programming languages, frameworks and infrastructure does {{company_name}} use? " +
				"Look at their engineering blog, open source repositories, and job postings. Known technologies so far: {{technologies}}.",
			FocusAreas:    []string{"languages", "frameworks", "infrastructure", "open source"},
			SearchDomains: []string{"github.com", "stackshare.io"},
			Recency:       "year",
			Priority:      PriorityHigh,
		},
		{
			ID:           "eng-challenges",
			Name:         "Engineering Challenges",
			Category:     CategoryTechnical,
			SystemPrompt: researchSystemPrompt,
			Prompt: "What engineering or scaling problems has {{company_name}} publicly discussed? " +
				"Search engineering blog posts, conference talks and incident writeups for concrete technical pain points.",
			FocusAreas: []string{"scaling", "reliability", "migrations", "technical debt"},
			Recency:    "year",
			Priority:   PriorityHigh,
		},
		{
			ID:           "business-model",
			Name:         "Business Model",
			Category:     CategoryBusiness,
			SystemPrompt: researchSystemPrompt,
			Prompt: "How does {{company_name}} make money? Describe their pricing, customer segments and revenue model. " +
				"They operate in the {{industry}} industry at the {{stage}} stage.",
			FocusAreas: []string{"pricing", "revenue model", "customer segments"},
			Priority:   PriorityMedium,
		},
		{
			ID:           "product-landscape",
			Name:         "Product Landscape",
			Category:     CategoryBusiness,
			SystemPrompt: researchSystemPrompt,
			Prompt: "What products does {{company_name}} offer, what is their flagship, and what have they launched or " +
				"deprecated in the last year? Include customer-visible quality signals such as reviews or status pages.",
			FocusAreas: []string{"product lines", "launches", "quality signals"},
			Recency:    "year",
			Priority:   PriorityMedium,
		},
		{
			ID:           "hiring-signals",
			Name:         "Hiring Signals",
			Category:     CategoryTeam,
			SystemPrompt: researchSystemPrompt,
			Prompt: "What is {{company_name}} hiring for right now? Analyze open roles, required skills and team growth " +
				"areas from job boards and their careers page. Location context: {{location}}.",
			FocusAreas:    []string{"open roles", "skills", "growth areas"},
			SearchDomains: []string{"linkedin.com", "greenhouse.io", "lever.co"},
			Recency:       "month",
			Priority:      PriorityHigh,
		},
		{
			ID:           "leadership-team",
			Name:         "Leadership & Team",
			Category:     CategoryTeam,
			SystemPrompt: researchSystemPrompt,
			Prompt: "Who are the founders and key executives at {{company_name}}? Note recent leadership changes, " +
				"notable hires or departures, and public statements about team priorities.",
			FocusAreas: []string{"founders", "executives", "leadership changes"},
			Priority:   PriorityLow,
		},
		{
			ID:           "competitive-position",
			Name:         "Competitive Position",
			Category:     CategoryCompetitive,
			SystemPrompt: researchSystemPrompt,
			Prompt: "Who competes with {{company_name}} and how do they differentiate? Known competitors: {{competitors}}. " +
				"Compare positioning, feature coverage and pricing where public data exists.",
			FocusAreas: []string{"competitors", "differentiation", "positioning"},
			Priority:   PriorityMedium,
		},
		{
			ID:           "market-trends",
			Name:         "Market Trends",
			Category:     CategoryMarket,
			SystemPrompt: researchSystemPrompt,
			Prompt: "What market trends affect {{company_name}} in the {{industry}} industry? " +
				"Identify tailwinds, headwinds and regulatory shifts with recent supporting evidence.",
			FocusAreas: []string{"tailwinds", "headwinds", "regulation"},
			Recency:    "month",
			Priority:   PriorityMedium,
		},
		{
			ID:           "funding-history",
			Name:         "Funding History",
			Category:     CategoryFunding,
			SystemPrompt: researchSystemPrompt,
			Prompt: "Summarize the funding history of {{company_name}}: rounds, amounts, investors, valuation signals " +
				"and any recent fundraising or acquisition news.",
			FocusAreas:    []string{"rounds", "investors", "valuation"},
			SearchDomains: []string{"crunchbase.com", "techcrunch.com"},
			Recency:       "year",
			Priority:      PriorityHigh,
		},
		{
			ID:           "recent-news",
			Name:         "Recent News",
			Category:     CategoryMarket,
			SystemPrompt: researchSystemPrompt,
			Prompt: "What significant news involving {{company_name}} was published in the last three months? " +
				"Cover partnerships, outages, lawsuits, expansions and notable press coverage.",
			FocusAreas: []string{"partnerships", "incidents", "press"},
			Recency:    "month",
			Priority:   PriorityMedium,
		},
	}
}
