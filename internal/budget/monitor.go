package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks accumulated session spend against configured limits.
// Completed queries are always recorded in full; the ceiling gates
// whether new work may be dispatched, it never claws back spend that
// already happened.
type Monitor struct {
	config     Config
	costUsed   float64
	tokensUsed int64
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
	}
}

// Add records incremental cost and tokens unconditionally, returning an
// error if the accumulated total now sits above a limit.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	if m.config.MaxCostUSD != nil && m.costUsed > *m.config.MaxCostUSD {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.config.MaxCostUSD),
		}
	}
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		}
	}
	return nil
}

// CostExceeded reports whether accumulated cost has reached or passed
// the ceiling. Used as the dispatch-time gate before each query.
func (m *Monitor) CostExceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.MaxCostUSD != nil && *m.config.MaxCostUSD > 0 && m.costUsed >= *m.config.MaxCostUSD
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, time.Since(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
