package budget

import "testing"

func TestConfigValidate(t *testing.T) {
	neg := float64(-1)
	cfg := Config{MaxCostUSD: &neg}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}

	negTokens := int64(-100)
	cfg = Config{MaxTokens: &negTokens}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected token validation error")
	}
}

func TestMergeClone(t *testing.T) {
	cost := float64(5)
	tokens := int64(2000)
	base := Config{MaxCostUSD: &cost}
	override := Config{MaxTokens: &tokens}
	merged := Merge(base, override)
	if merged.MaxCostUSD == nil || *merged.MaxCostUSD != cost {
		t.Fatalf("expected max cost to persist")
	}
	if merged.MaxTokens == nil || *merged.MaxTokens != tokens {
		t.Fatalf("expected token override")
	}
	// ensure clone
	*merged.MaxCostUSD = 99
	if *base.MaxCostUSD != cost {
		t.Fatalf("merged config should be isolated from base")
	}
}

func TestMonitorAdd(t *testing.T) {
	maxCost := 5.0
	maxTokens := int64(1000)
	cfg := Config{MaxCostUSD: &maxCost, MaxTokens: &maxTokens}
	mon := NewMonitor(cfg)
	if err := mon.Add(2.5, 400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mon.Add(3.0, 700); err == nil {
		t.Fatalf("expected token budget breach")
	}
	cost, tokens, _ := mon.Usage()
	if cost != 5.5 || tokens != 1100 {
		t.Fatalf("usage should record spend past the limit, got $%.2f %d tokens", cost, tokens)
	}
}

func TestMonitorCostExceeded(t *testing.T) {
	mon := NewMonitor(Limit(2.0))
	if mon.CostExceeded() {
		t.Fatalf("fresh monitor should not be exceeded")
	}
	_ = mon.Add(1.5, 100)
	if mon.CostExceeded() {
		t.Fatalf("under the ceiling should not be exceeded")
	}
	_ = mon.Add(0.5, 100)
	if !mon.CostExceeded() {
		t.Fatalf("reaching the ceiling exactly should gate dispatch")
	}

	unlimited := NewMonitor(Config{})
	_ = unlimited.Add(100, 1000)
	if unlimited.CostExceeded() {
		t.Fatalf("no-limit monitor should never be exceeded")
	}
}
