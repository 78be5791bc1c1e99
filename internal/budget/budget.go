package budget

import "fmt"

// Config defines the spend guardrails for a research session.
// Nil pointers mean no limit of that kind.
type Config struct {
	MaxCostUSD *float64
	MaxTokens  *int64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCostUSD != nil && *c.MaxCostUSD < 0 {
		return fmt.Errorf("max_cost_usd cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	var clone Config
	if c.MaxCostUSD != nil {
		v := *c.MaxCostUSD
		clone.MaxCostUSD = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	return clone
}

// Merge overlays non-nil values from override onto base.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxCostUSD != nil {
		v := *override.MaxCostUSD
		result.MaxCostUSD = &v
	}
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	return result
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	if c.MaxCostUSD != nil && *c.MaxCostUSD != 0 {
		return false
	}
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	return true
}

// Limit is a convenience for building a cost-only config.
func Limit(maxCostUSD float64) Config {
	return Config{MaxCostUSD: &maxCostUSD}
}
