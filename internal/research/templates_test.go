package research

import (
	"errors"
	"strings"
	"testing"
)

func TestBuiltinCatalogCoversAllCategories(t *testing.T) {
	reg := NewTemplateRegistry()
	all := reg.List()
	if len(all) < 8 {
		t.Fatalf("expected at least 8 built-in templates, got %d", len(all))
	}
	seen := map[TemplateCategory]bool{}
	for _, tpl := range all {
		if err := tpl.Category.Validate(); err != nil {
			t.Fatalf("template %s: %v", tpl.ID, err)
		}
		if err := tpl.Priority.Validate(); err != nil {
			t.Fatalf("template %s: %v", tpl.ID, err)
		}
		if tpl.Prompt == "" || tpl.SystemPrompt == "" {
			t.Fatalf("template %s has empty prompt components", tpl.ID)
		}
		seen[tpl.Category] = true
	}
	for _, cat := range []TemplateCategory{
		CategoryTechnical, CategoryBusiness, CategoryTeam,
		CategoryCompetitive, CategoryMarket, CategoryFunding,
	} {
		if !seen[cat] {
			t.Errorf("no built-in template for category %s", cat)
		}
	}
}

func TestResolveSubstitutesVariables(t *testing.T) {
	reg := NewTemplateRegistry()
	resolved, err := reg.Resolve("tech-stack", Variables{
		CompanyName:  "Acme Robotics",
		Technologies: []string{"Go", "Postgres"},
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(resolved.Query, "Acme Robotics") {
		t.Fatalf("company name not substituted: %q", resolved.Query)
	}
	if !strings.Contains(resolved.Query, "Go, Postgres") {
		t.Fatalf("technologies not substituted: %q", resolved.Query)
	}
	if strings.Contains(resolved.Query, "{{") {
		t.Fatalf("unresolved placeholder remains: %q", resolved.Query)
	}
	if resolved.Template.ID != "tech-stack" {
		t.Fatalf("unexpected template on resolved query: %s", resolved.Template.ID)
	}
}

func TestResolveDefaultsMissingOptionalVariables(t *testing.T) {
	reg := NewTemplateRegistry()
	resolved, err := reg.Resolve("business-model", Variables{CompanyName: "Acme"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(resolved.Query, "unknown") {
		t.Fatalf("missing optional variables should render as unknown: %q", resolved.Query)
	}
}

func TestResolveRejectsMissingCompanyName(t *testing.T) {
	reg := NewTemplateRegistry()
	_, err := reg.Resolve("tech-stack", Variables{})
	if err == nil {
		t.Fatalf("expected error without company name")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

func TestResolveUnknownTemplate(t *testing.T) {
	reg := NewTemplateRegistry()
	_, err := reg.Resolve("no-such-template", Variables{CompanyName: "Acme"})
	if err == nil {
		t.Fatalf("expected error for unknown template id")
	}
}

func TestSubstituteRejectsUnboundPlaceholder(t *testing.T) {
	_, err := substitute("research {{company_name}} and {{mystery}}", map[string]string{
		"company_name": "Acme",
	})
	if err == nil {
		t.Fatalf("expected unbound placeholder error")
	}
}
