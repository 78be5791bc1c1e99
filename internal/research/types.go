package research

import (
	"fmt"
	"time"
)

// TemplateCategory classifies what aspect of a company a template investigates.
type TemplateCategory string

const (
	CategoryTechnical   TemplateCategory = "technical"
	CategoryBusiness    TemplateCategory = "business"
	CategoryTeam        TemplateCategory = "team"
	CategoryCompetitive TemplateCategory = "competitive"
	CategoryMarket      TemplateCategory = "market"
	CategoryFunding     TemplateCategory = "funding"
)

// Validate reports whether the category is one of the known values.
func (c TemplateCategory) Validate() error {
	switch c {
	case CategoryTechnical, CategoryBusiness, CategoryTeam, CategoryCompetitive, CategoryMarket, CategoryFunding:
		return nil
	}
	return fmt.Errorf("unknown template category: %q", string(c))
}

// Priority ranks templates and findings.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Validate reports whether the priority is one of the known values.
func (p Priority) Validate() error {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return nil
	}
	return fmt.Errorf("unknown priority: %q", string(p))
}

// SessionStatus is the lifecycle state of a research session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusCancelled  SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from the status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FindingType is the closed set of insight categories the extraction
// pipeline can produce.
type FindingType string

const (
	FindingProblemIdentified  FindingType = "problem_identified"
	FindingMarketOpportunity  FindingType = "market_opportunity"
	FindingCompetitiveInsight FindingType = "competitive_insight"
	FindingTechTrend          FindingType = "tech_trend"
	FindingBusinessModel      FindingType = "business_model"
	FindingFundingStatus      FindingType = "funding_status"
	FindingTeamInsight        FindingType = "team_insight"
	FindingProductAnalysis    FindingType = "product_analysis"
)

// Validate reports whether the finding type is one of the known values.
func (f FindingType) Validate() error {
	switch f {
	case FindingProblemIdentified, FindingMarketOpportunity, FindingCompetitiveInsight,
		FindingTechTrend, FindingBusinessModel, FindingFundingStatus,
		FindingTeamInsight, FindingProductAnalysis:
		return nil
	}
	return fmt.Errorf("unknown finding type: %q", string(f))
}

// SourceType is the heuristic classification of a citation URL.
type SourceType string

const (
	SourceCodeHost      SourceType = "code_host"
	SourceBlog          SourceType = "blog"
	SourceJobPosting    SourceType = "job_posting"
	SourceDocumentation SourceType = "documentation"
	SourceNews          SourceType = "news"
	SourceOther         SourceType = "other"
)

// SourceRecency is the heuristic age bucket of a citation.
type SourceRecency string

const (
	RecencyRecent   SourceRecency = "recent"
	RecencyModerate SourceRecency = "moderate"
	RecencyOlder    SourceRecency = "older"
)

// QueryTemplate is a pre-authored research prompt plus routing metadata.
// Templates are loaded once into the registry and never mutated.
type QueryTemplate struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Category      TemplateCategory `json:"category"`
	SystemPrompt  string           `json:"system_prompt"`
	Prompt        string           `json:"prompt"`
	FocusAreas    []string         `json:"focus_areas,omitempty"`
	SearchDomains []string         `json:"search_domains,omitempty"`
	Recency       string           `json:"recency,omitempty"` // provider recency filter, e.g. "month"
	Priority      Priority         `json:"priority"`
}

// Variables is the validated binding context for template resolution.
// CompanyName is required; everything else is optional color.
type Variables struct {
	CompanyName  string   `json:"company_name"`
	Industry     string   `json:"industry,omitempty"`
	Size         string   `json:"size,omitempty"`
	Stage        string   `json:"stage,omitempty"`
	Location     string   `json:"location,omitempty"`
	Competitors  []string `json:"competitors,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	FocusAreas   []string `json:"focus_areas,omitempty"`
}

// Validate checks the required bindings before any substitution happens.
func (v Variables) Validate() error {
	if v.CompanyName == "" {
		return &ConfigError{Field: "variables.company_name", Reason: "company name is required"}
	}
	return nil
}

// ResolvedQuery is a template rendered against a variable binding,
// ready to send to the research provider.
type ResolvedQuery struct {
	Template     QueryTemplate
	Query        string
	SystemPrompt string
}

// Session is one end-to-end research run for a single company.
type Session struct {
	ID          string                 `json:"id"`
	CompanyID   string                 `json:"company_id"`
	InitiatedBy string                 `json:"initiated_by"`
	Type        string                 `json:"type"`
	Status      SessionStatus          `json:"status"`
	Query       string                 `json:"query"`
	Provider    string                 `json:"provider"`
	CostUSD     float64                `json:"cost_usd"`
	TokensUsed  int64                  `json:"tokens_used"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// SourceDetail is the classification of a single citation URL.
type SourceDetail struct {
	URL     string        `json:"url"`
	Domain  string        `json:"domain"`
	Type    SourceType    `json:"type"`
	Recency SourceRecency `json:"recency"`
}

// QuerySourceInfo summarizes the sources behind one completed query.
// Derived once when the query completes; never mutated afterward.
type QuerySourceInfo struct {
	TemplateName string         `json:"template_name"`
	SourceCount  int            `json:"source_count"`
	Sources      []SourceDetail `json:"sources"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Finding is one structured insight extracted from a completed query.
// Citations are always a copy of (or subset of) the originating query
// result's citations.
type Finding struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	CompanyID  string                 `json:"company_id"`
	Type       FindingType            `json:"finding_type"`
	Title      string                 `json:"title"`
	Content    string                 `json:"content"`
	Confidence float64                `json:"confidence_score"` // 0.0 to 1.0
	Priority   Priority               `json:"priority_level"`
	Citations  []string               `json:"citations,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Verified   bool                   `json:"verified"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Synthesis is a narrative rollup over a session's accumulated findings.
// Purely derived and recomputable; never authoritative state.
type Synthesis struct {
	SessionID        string                    `json:"session_id"`
	CompanyName      string                    `json:"company_name"`
	ExecutiveSummary string                    `json:"executive_summary"`
	ByCategory       map[FindingType][]Finding `json:"findings_by_category"`
	Opportunities    []string                  `json:"actionable_opportunities"`
	RiskFactors      []string                  `json:"risk_factors"`
	NextSteps        []string                  `json:"next_steps"`
	Confidence       float64                   `json:"overall_confidence"`
	GeneratedAt      time.Time                 `json:"generated_at"`
}

// SessionConfig carries the caller-supplied options for one session.
// Zero values inherit the process defaults from config.ResearchConfig.
type SessionConfig struct {
	TemplateIDs          []string      `json:"template_ids"`
	Variables            Variables     `json:"variables"`
	Priority             Priority      `json:"priority,omitempty"`
	MaxConcurrentQueries int           `json:"max_concurrent_queries,omitempty"`
	MaxCostUSD           float64       `json:"max_cost_usd,omitempty"`
	QueryTimeout         time.Duration `json:"query_timeout,omitempty"`
	EnableSynthesis      bool          `json:"enable_synthesis,omitempty"`
	SaveToDatabase       bool          `json:"save_to_database,omitempty"`
}

// ConfigError is a synchronous validation failure raised before any
// session state exists.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid research config: %s: %s", e.Field, e.Reason)
}

// Company is the identity/context record served by a CompanyDirectory.
type Company struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Industry string `json:"industry,omitempty"`
	Size     string `json:"size,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Location string `json:"location,omitempty"`
}
