// Package telemetry provides metrics and cost tracking for research
// sessions, exposed over a Prometheus /metrics endpoint.
package telemetry

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prospectlabs/scout/config"
)

// Telemetry provides monitoring and cost tracking for the orchestrator.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	registry    *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	queriesTotal     *prometheus.CounterVec
	findingsTotal    *prometheus.CounterVec
	costTotal        prometheus.Counter
	tokensTotal      prometheus.Counter
	queryDuration    prometheus.Histogram
}

// Metrics holds aggregate counters readable by operators and tests.
type Metrics struct {
	mu sync.RWMutex

	SessionsStarted   int64
	SessionsCompleted int64
	SessionsFailed    int64
	SessionsCancelled int64

	QueriesExecuted int64
	QueriesFailed   int64
	FindingsCreated int64

	AverageSessionTime time.Duration
}

// CostTracker tracks spend per provider, model and operation.
type CostTracker struct {
	mu sync.RWMutex

	ProviderCosts  map[string]float64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64

	TotalCost   float64
	TotalTokens int64
}

// SessionEvent records one finished research session.
type SessionEvent struct {
	SessionID  string
	CompanyID  string
	Status     string
	Duration   time.Duration
	Queries    int
	Failed     int
	Findings   int
	Cost       float64
	TokensUsed int64
}

// QueryEvent records one executed template query.
type QueryEvent struct {
	SessionID  string
	TemplateID string
	Success    bool
	Reason     string
	Duration   time.Duration
	Cost       float64
	TokensUsed int64
	Provider   string
}

// New creates a telemetry instance and registers its collectors.
func New(cfg config.TelemetryConfig) *Telemetry {
	registry := prometheus.NewRegistry()
	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: registry,
		metrics:  &Metrics{},
		costTracker: &CostTracker{
			ProviderCosts:  make(map[string]float64),
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_sessions_started_total",
			Help: "Research sessions started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_sessions_finished_total",
			Help: "Research sessions finished, by terminal status.",
		}, []string{"status"}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_queries_total",
			Help: "Template queries executed, by result.",
		}, []string{"result"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_findings_total",
			Help: "Findings produced, by extraction method.",
		}, []string{"method"}),
		costTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_cost_usd_total",
			Help: "Accumulated provider spend in dollars.",
		}),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_tokens_total",
			Help: "Accumulated token usage.",
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_query_duration_seconds",
			Help:    "Wall-clock duration of template queries.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	registry.MustRegister(
		t.sessionsStarted, t.sessionsFinished, t.queriesTotal,
		t.findingsTotal, t.costTotal, t.tokensTotal, t.queryDuration,
	)
	return t
}

// ServeMetrics starts the Prometheus endpoint when telemetry is enabled.
func (t *Telemetry) ServeMetrics() {
	if !t.config.Enabled || t.config.MetricsPort <= 0 {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", t.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Printf("metrics server error: %v", err)
		}
	}()
}

// RecordSessionStart counts a new session.
func (t *Telemetry) RecordSessionStart(sessionID, companyID string) {
	t.metrics.mu.Lock()
	t.metrics.SessionsStarted++
	t.metrics.mu.Unlock()
	t.sessionsStarted.Inc()
}

// RecordSessionEvent records a finished session.
func (t *Telemetry) RecordSessionEvent(event SessionEvent) {
	t.metrics.mu.Lock()
	switch event.Status {
	case "completed":
		t.metrics.SessionsCompleted++
	case "failed":
		t.metrics.SessionsFailed++
	case "cancelled":
		t.metrics.SessionsCancelled++
	}
	finished := t.metrics.SessionsCompleted + t.metrics.SessionsFailed + t.metrics.SessionsCancelled
	if finished == 1 {
		t.metrics.AverageSessionTime = event.Duration
	} else if finished > 1 {
		total := t.metrics.AverageSessionTime*time.Duration(finished-1) + event.Duration
		t.metrics.AverageSessionTime = total / time.Duration(finished)
	}
	t.metrics.mu.Unlock()

	t.sessionsFinished.WithLabelValues(event.Status).Inc()

	if t.config.CostTracking {
		t.costTracker.mu.Lock()
		t.costTracker.OperationCosts["session"] += event.Cost
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
		t.costTracker.mu.Unlock()
		t.costTotal.Add(event.Cost)
		t.tokensTotal.Add(float64(event.TokensUsed))
	}

	t.logger.Printf("session %s finished: status=%s queries=%d failed=%d findings=%d cost=$%.4f duration=%v",
		event.SessionID, event.Status, event.Queries, event.Failed, event.Findings, event.Cost, event.Duration)
}

// RecordQueryEvent records one template query.
func (t *Telemetry) RecordQueryEvent(event QueryEvent) {
	t.metrics.mu.Lock()
	if event.Success {
		t.metrics.QueriesExecuted++
	} else {
		t.metrics.QueriesFailed++
	}
	t.metrics.mu.Unlock()

	result := "success"
	if !event.Success {
		result = event.Reason
		if result == "" {
			result = "error"
		}
	}
	t.queriesTotal.WithLabelValues(result).Inc()
	if event.Duration > 0 {
		t.queryDuration.Observe(event.Duration.Seconds())
	}

	if t.config.CostTracking && event.Cost > 0 {
		t.costTracker.mu.Lock()
		t.costTracker.ProviderCosts[event.Provider] += event.Cost
		t.costTracker.OperationCosts["query"] += event.Cost
		t.costTracker.mu.Unlock()
	}
}

// RecordFindings counts findings produced by one extraction.
func (t *Telemetry) RecordFindings(method string, count int) {
	if count <= 0 {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.FindingsCreated += int64(count)
	t.metrics.mu.Unlock()
	t.findingsTotal.WithLabelValues(method).Add(float64(count))
}

// RecordModelCost attributes extraction or synthesis spend to a model.
func (t *Telemetry) RecordModelCost(model, operation string, cost float64) {
	if !t.config.CostTracking || cost <= 0 {
		return
	}
	t.costTracker.mu.Lock()
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.OperationCosts[operation] += cost
	t.costTracker.mu.Unlock()
}

// GetMetrics returns a copy of the aggregate counters.
func (t *Telemetry) GetMetrics() Metrics {
	t.metrics.mu.RLock()
	defer t.metrics.mu.RUnlock()
	return Metrics{
		SessionsStarted:    t.metrics.SessionsStarted,
		SessionsCompleted:  t.metrics.SessionsCompleted,
		SessionsFailed:     t.metrics.SessionsFailed,
		SessionsCancelled:  t.metrics.SessionsCancelled,
		QueriesExecuted:    t.metrics.QueriesExecuted,
		QueriesFailed:      t.metrics.QueriesFailed,
		FindingsCreated:    t.metrics.FindingsCreated,
		AverageSessionTime: t.metrics.AverageSessionTime,
	}
}

// CostSummary is a point-in-time view of accumulated spend.
type CostSummary struct {
	ProviderCosts  map[string]float64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// GetCostSummary returns a copy of the cost tracker state.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	summary := CostSummary{
		ProviderCosts:  make(map[string]float64, len(t.costTracker.ProviderCosts)),
		ModelCosts:     make(map[string]float64, len(t.costTracker.ModelCosts)),
		OperationCosts: make(map[string]float64, len(t.costTracker.OperationCosts)),
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
	}
	for k, v := range t.costTracker.ProviderCosts {
		summary.ProviderCosts[k] = v
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		summary.OperationCosts[k] = v
	}
	return summary
}
