// Package orchestrator drives the research session lifecycle: batched
// concurrency-capped query execution, phase-level progress reporting,
// finding extraction and the optional synthesis rollup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/budget"
	"github.com/prospectlabs/scout/internal/findings"
	"github.com/prospectlabs/scout/internal/progress"
	"github.com/prospectlabs/scout/internal/provider"
	"github.com/prospectlabs/scout/internal/research"
	"github.com/prospectlabs/scout/internal/telemetry"
)

const (
	failureReasonCostLimit = "cost limit exceeded"
	failureReasonTimeout   = "timeout"
)

var orchestratorTracer trace.Tracer = otel.Tracer("scout/internal/orchestrator")

var errQueryTimeout = errors.New(failureReasonTimeout)

// FindingExtractor is the extraction pipeline contract.
type FindingExtractor interface {
	Extract(ctx context.Context, in findings.ExtractionInput) ([]research.Finding, float64)
}

// SessionStore is the slice of persistence the orchestrator needs.
// All calls are best-effort; errors are logged and swallowed.
type SessionStore interface {
	SaveSession(ctx context.Context, session research.Session) error
	UpdateSession(ctx context.Context, session research.Session) error
	SaveFinding(ctx context.Context, finding research.Finding) error
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry    *research.TemplateRegistry
	Provider    provider.ResearchProvider
	Extractor   FindingExtractor
	Synthesizer *research.Synthesizer
	Tracker     *progress.Tracker
	Storage     SessionStore              // optional
	Directory   research.CompanyDirectory // optional
	Telemetry   *telemetry.Telemetry
	Logger      *log.Logger
}

// Orchestrator coordinates research sessions end to end.
type Orchestrator struct {
	cfg       config.ResearchConfig
	registry  *research.TemplateRegistry
	provider  provider.ResearchProvider
	extractor FindingExtractor
	synth     *research.Synthesizer
	tracker   *progress.Tracker
	storage   SessionStore
	directory research.CompanyDirectory
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is the in-memory record for one session. Status
// transitions are serialized through its mutex; terminal states are
// final.
type sessionState struct {
	mu        sync.Mutex
	session   research.Session
	synthesis *research.Synthesis
	cancelled bool
	terminal  bool
}

// SessionResults is the point-in-time result view for one session.
type SessionResults struct {
	Session   research.Session
	Findings  []research.Finding
	Synthesis *research.Synthesis
}

// New builds an orchestrator.
func New(cfg config.ResearchConfig, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("template registry is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("research provider is required")
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("finding extractor is required")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("progress tracker is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[ORCHESTRATOR] ", log.LstdFlags)
	}
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 3
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 90 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  deps.Registry,
		provider:  deps.Provider,
		extractor: deps.Extractor,
		synth:     deps.Synthesizer,
		tracker:   deps.Tracker,
		storage:   deps.Storage,
		directory: deps.Directory,
		telemetry: deps.Telemetry,
		logger:    logger,
		sessions:  make(map[string]*sessionState),
	}, nil
}

// sessionSettings are the effective limits for one session after
// applying config defaults.
type sessionSettings struct {
	maxConcurrent   int
	maxCostUSD      float64
	queryTimeout    time.Duration
	enableSynthesis bool
	save            bool
}

func (o *Orchestrator) effectiveSettings(cfg research.SessionConfig) sessionSettings {
	s := sessionSettings{
		maxConcurrent:   cfg.MaxConcurrentQueries,
		maxCostUSD:      cfg.MaxCostUSD,
		queryTimeout:    cfg.QueryTimeout,
		enableSynthesis: cfg.EnableSynthesis || o.cfg.EnableSynthesis,
		save:            cfg.SaveToDatabase || o.cfg.SaveToDatabase,
	}
	if s.maxConcurrent <= 0 {
		s.maxConcurrent = o.cfg.MaxConcurrentQueries
	}
	if s.maxCostUSD <= 0 {
		s.maxCostUSD = o.cfg.MaxCostUSD
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = o.cfg.QueryTimeout
	}
	return s
}

// StartSession validates the configuration, creates the session and
// spawns the run loop. It returns immediately with the initial
// progress snapshot; no query has been dispatched yet.
func (o *Orchestrator) StartSession(ctx context.Context, companyID, initiator string, cfg research.SessionConfig) (string, progress.Progress, error) {
	if len(cfg.TemplateIDs) == 0 {
		return "", progress.Progress{}, &research.ConfigError{Field: "template_ids", Reason: "at least one template id is required"}
	}
	cfg.Variables = o.enrichVariables(ctx, companyID, cfg.Variables)
	if err := cfg.Variables.Validate(); err != nil {
		return "", progress.Progress{}, err
	}

	resolved := make([]research.ResolvedQuery, 0, len(cfg.TemplateIDs))
	for _, id := range cfg.TemplateIDs {
		rq, err := o.registry.Resolve(id, cfg.Variables)
		if err != nil {
			return "", progress.Progress{}, err
		}
		resolved = append(resolved, rq)
	}

	sessionID := uuid.NewString()
	now := time.Now()
	session := research.Session{
		ID:          sessionID,
		CompanyID:   companyID,
		InitiatedBy: initiator,
		Type:        "company_research",
		Status:      research.StatusPending,
		Query:       fmt.Sprintf("Company research: %s (%d templates)", cfg.Variables.CompanyName, len(resolved)),
		Provider:    o.provider.Name(),
		Metadata: map[string]interface{}{
			"template_ids": cfg.TemplateIDs,
			"priority":     string(cfg.Priority),
			"company_name": cfg.Variables.CompanyName,
		},
		StartedAt: now,
	}

	settings := o.effectiveSettings(cfg)
	if settings.save && o.storage != nil {
		if err := o.storage.SaveSession(ctx, session); err != nil {
			o.logger.Printf("session %s: initial persist failed: %v", sessionID, err)
		}
	}

	initial := o.tracker.StartTracking(sessionID, len(resolved))

	st := &sessionState{session: session}
	o.mu.Lock()
	o.sessions[sessionID] = st
	o.mu.Unlock()

	if o.telemetry != nil {
		o.telemetry.RecordSessionStart(sessionID, companyID)
	}

	go o.run(st, sessionID, cfg.Variables.CompanyName, resolved, settings)

	return sessionID, initial, nil
}

// enrichVariables fills unset variables from the company directory
// record. Caller-supplied values always win.
func (o *Orchestrator) enrichVariables(ctx context.Context, companyID string, vars research.Variables) research.Variables {
	if o.directory == nil || companyID == "" {
		return vars
	}
	company, ok, err := o.directory.Lookup(ctx, companyID)
	if err != nil {
		o.logger.Printf("company %s: directory lookup failed: %v", companyID, err)
		return vars
	}
	if !ok {
		return vars
	}
	seed := research.VariablesFromCompany(company)
	if vars.CompanyName == "" {
		vars.CompanyName = seed.CompanyName
	}
	if vars.Industry == "" {
		vars.Industry = seed.Industry
	}
	if vars.Size == "" {
		vars.Size = seed.Size
	}
	if vars.Stage == "" {
		vars.Stage = seed.Stage
	}
	if vars.Location == "" {
		vars.Location = seed.Location
	}
	return vars
}

// run is the supervised session driver. Panics and fatal errors are
// captured into a failed terminal state instead of escaping.
func (o *Orchestrator) run(st *sessionState, sessionID, companyName string, resolved []research.ResolvedQuery, settings sessionSettings) {
	ctx, span := orchestratorTracer.Start(context.Background(), "research.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.company", companyName),
			attribute.Int("session.templates", len(resolved)),
		))
	defer span.End()

	startedAt := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session driver panic: %v", r)
			o.logger.Printf("session %s: %v", sessionID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.finish(st, sessionID, research.StatusFailed, err.Error(), startedAt)
		}
	}()

	o.transition(st, sessionID, research.StatusInProgress, "")

	monitor := budget.NewMonitor(budget.Limit(settings.maxCostUSD))

	for start := 0; start < len(resolved); start += settings.maxConcurrent {
		if o.isCancelled(st) {
			break
		}
		end := start + settings.maxConcurrent
		if end > len(resolved) {
			end = len(resolved)
		}
		batch := resolved[start:end]

		var wg sync.WaitGroup
		for _, rq := range batch {
			wg.Add(1)
			go func(rq research.ResolvedQuery) {
				defer wg.Done()
				o.executeTemplate(ctx, st, sessionID, rq, monitor, settings)
			}(rq)
		}
		wg.Wait()
	}

	status := research.StatusCompleted
	if o.isCancelled(st) {
		status = research.StatusCancelled
	}

	if status == research.StatusCompleted && settings.enableSynthesis && o.synth != nil {
		o.runSynthesis(ctx, st, sessionID, companyName, monitor)
	}

	span.SetAttributes(attribute.String("session.status", string(status)))
	o.finish(st, sessionID, status, "", startedAt)

	if settings.save && o.storage != nil {
		o.persistResults(ctx, st, sessionID)
	}
}

// executeTemplate runs one template through its six progress phases.
// Any panic or error stays inside this boundary.
func (o *Orchestrator) executeTemplate(ctx context.Context, st *sessionState, sessionID string, rq research.ResolvedQuery, monitor *budget.Monitor, settings sessionSettings) {
	name := rq.Template.Name
	queryStart := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("session %s: template %s panicked: %v", sessionID, rq.Template.ID, r)
			o.recordFailure(st, sessionID, rq, fmt.Sprintf("internal error: %v", r), queryStart)
		}
	}()

	ctx, span := orchestratorTracer.Start(ctx, "research.query",
		trace.WithAttributes(
			attribute.String("template.id", rq.Template.ID),
			attribute.String("template.category", string(rq.Template.Category)),
		))
	defer span.End()

	// Phase 1: analysis
	o.phase(sessionID, fmt.Sprintf("Analyzing: %s", name), name, true)

	// Dispatch gate: the ceiling is only checked here, never mid-call,
	// so one in-flight call may legitimately overshoot the budget.
	if monitor.CostExceeded() {
		span.SetStatus(codes.Error, failureReasonCostLimit)
		o.recordFailure(st, sessionID, rq, failureReasonCostLimit, queryStart)
		return
	}

	// Phase 2: source discovery
	o.phase(sessionID, fmt.Sprintf("Discovering sources: %s", name), "", false)

	// Phase 3: data gathering
	o.phase(sessionID, fmt.Sprintf("Gathering data: %s", name), "", false)

	result, err := o.callProvider(ctx, rq, settings.queryTimeout)
	if err != nil {
		reason := err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		o.recordFailure(st, sessionID, rq, reason, queryStart)
		return
	}

	if err := monitor.Add(result.CostUSD, result.InputTokens+result.OutputTokens); err != nil {
		// Spend is recorded in full; only future dispatches are gated.
		o.logger.Printf("session %s: %v", sessionID, err)
	}

	// Phase 4: result received
	o.phase(sessionID, fmt.Sprintf("Processing results: %s", name), "", false)
	_ = o.tracker.Update(sessionID, progress.Patch{
		AddCostUSD: result.CostUSD,
		AddTokens:  result.InputTokens + result.OutputTokens,
	})
	o.addSpend(st, result.CostUSD, result.InputTokens+result.OutputTokens)

	// Phase 5: source classification
	o.phase(sessionID, fmt.Sprintf("Classifying sources: %s", name), "", false)
	sourceInfo := research.BuildQuerySourceInfo(name, result.Citations)
	_ = o.tracker.Update(sessionID, progress.Patch{AppendQuerySource: &sourceInfo})

	extracted, extractionCost := o.extractor.Extract(ctx, findings.ExtractionInput{
		SessionID:   sessionID,
		CompanyID:   o.sessionCompanyID(st),
		CompanyName: o.sessionCompanyName(st),
		Template:    rq.Template,
		Content:     result.Content,
		Citations:   result.Citations,
	})
	if extractionCost > 0 {
		if err := monitor.Add(extractionCost, 0); err != nil {
			o.logger.Printf("session %s: %v", sessionID, err)
		}
		_ = o.tracker.Update(sessionID, progress.Patch{AddCostUSD: extractionCost})
		o.addSpend(st, extractionCost, 0)
		if o.telemetry != nil {
			o.telemetry.RecordModelCost("extraction", "extraction", extractionCost)
		}
	}

	if settings.save && o.storage != nil {
		for _, f := range extracted {
			if err := o.storage.SaveFinding(context.WithoutCancel(ctx), f); err != nil {
				o.logger.Printf("session %s: persist finding %s failed: %v", sessionID, f.ID, err)
			}
		}
	}

	// Phase 6: completion
	label := fmt.Sprintf("Completed: %s", name)
	o.pacingDelay()
	_ = o.tracker.Update(sessionID, progress.Patch{
		CurrentQuery:      &label,
		CompletedDelta:    1,
		RemoveActiveQuery: name,
		AppendFindings:    extracted,
	})

	span.SetAttributes(
		attribute.Int("query.citations", len(result.Citations)),
		attribute.Int("query.findings", len(extracted)),
		attribute.Float64("query.cost_usd", result.CostUSD),
	)
	span.SetStatus(codes.Ok, "completed")

	if o.telemetry != nil {
		o.telemetry.RecordQueryEvent(telemetry.QueryEvent{
			SessionID:  sessionID,
			TemplateID: rq.Template.ID,
			Success:    true,
			Duration:   time.Since(queryStart),
			Cost:       result.CostUSD,
			TokensUsed: result.InputTokens + result.OutputTokens,
			Provider:   o.provider.Name(),
		})
		method := "rules"
		if len(extracted) > 0 {
			if m, ok := extracted[0].Metadata["extraction_method"].(string); ok {
				method = m
			}
		}
		o.telemetry.RecordFindings(method, len(extracted))
	}
}

// callProvider races the provider call against the per-call timeout.
// The result channel is buffered so a late response is dropped rather
// than leaking the goroutine.
func (o *Orchestrator) callProvider(ctx context.Context, rq research.ResolvedQuery, timeout time.Duration) (provider.ResearchResult, error) {
	type callResult struct {
		res provider.ResearchResult
		err error
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		res, err := o.provider.Execute(callCtx, provider.ResearchQuery{
			Query:         rq.Query,
			SystemPrompt:  rq.SystemPrompt,
			SearchDomains: rq.Template.SearchDomains,
			Recency:       rq.Template.Recency,
		})
		ch <- callResult{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return provider.ResearchResult{}, r.err
		}
		return r.res, nil
	case <-timer.C:
		return provider.ResearchResult{}, errQueryTimeout
	}
}

func (o *Orchestrator) runSynthesis(ctx context.Context, st *sessionState, sessionID, companyName string, monitor *budget.Monitor) {
	snap, ok := o.tracker.Get(sessionID)
	if !ok {
		return
	}
	syn, cost := o.synth.Generate(ctx, sessionID, companyName, snap.Findings)
	if cost > 0 {
		if err := monitor.Add(cost, 0); err != nil {
			o.logger.Printf("session %s: %v", sessionID, err)
		}
		_ = o.tracker.Update(sessionID, progress.Patch{AddCostUSD: cost})
		o.addSpend(st, cost, 0)
		if o.telemetry != nil {
			o.telemetry.RecordModelCost("synthesis", "synthesis", cost)
		}
	}
	st.mu.Lock()
	st.synthesis = &syn
	st.mu.Unlock()
}

// phase publishes one progress phase label, with the pacing delay that
// keeps transitions observable to subscribers.
func (o *Orchestrator) phase(sessionID, label, addActive string, first bool) {
	if !first {
		o.pacingDelay()
	}
	patch := progress.Patch{CurrentQuery: &label}
	if addActive != "" {
		patch.AddActiveQuery = addActive
	}
	_ = o.tracker.Update(sessionID, patch)
}

func (o *Orchestrator) pacingDelay() {
	if o.cfg.PhaseDelay > 0 {
		time.Sleep(o.cfg.PhaseDelay)
	}
}

// recordFailure counts one failed template and emits telemetry.
func (o *Orchestrator) recordFailure(st *sessionState, sessionID string, rq research.ResolvedQuery, reason string, startedAt time.Time) {
	label := fmt.Sprintf("Failed: %s (%s)", rq.Template.Name, reason)
	_ = o.tracker.Update(sessionID, progress.Patch{
		CurrentQuery:      &label,
		FailedDelta:       1,
		RemoveActiveQuery: rq.Template.Name,
	})
	if o.telemetry != nil {
		o.telemetry.RecordQueryEvent(telemetry.QueryEvent{
			SessionID:  sessionID,
			TemplateID: rq.Template.ID,
			Success:    false,
			Reason:     normalizeFailureReason(reason),
			Duration:   time.Since(startedAt),
			Provider:   o.provider.Name(),
		})
	}
}

func normalizeFailureReason(reason string) string {
	switch {
	case reason == failureReasonCostLimit:
		return failureReasonCostLimit
	case reason == failureReasonTimeout:
		return failureReasonTimeout
	case strings.HasPrefix(reason, "internal error"):
		return "internal error"
	default:
		return "provider error"
	}
}

// transition moves the session to a non-terminal status. Terminal
// states are never overwritten.
func (o *Orchestrator) transition(st *sessionState, sessionID string, status research.SessionStatus, errMsg string) {
	st.mu.Lock()
	if st.terminal {
		st.mu.Unlock()
		return
	}
	st.session.Status = status
	st.mu.Unlock()

	patch := progress.Patch{Status: &status}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	_ = o.tracker.Update(sessionID, patch)
}

// finish performs the terminal transition exactly once.
func (o *Orchestrator) finish(st *sessionState, sessionID string, status research.SessionStatus, errMsg string, startedAt time.Time) {
	st.mu.Lock()
	if st.terminal {
		st.mu.Unlock()
		return
	}
	st.terminal = true
	st.session.Status = status
	st.session.CompletedAt = time.Now()
	session := st.session
	st.mu.Unlock()

	patch := progress.Patch{Status: &status}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	_ = o.tracker.Update(sessionID, patch)

	snap, _ := o.tracker.Get(sessionID)
	if o.telemetry != nil {
		o.telemetry.RecordSessionEvent(telemetry.SessionEvent{
			SessionID:  sessionID,
			CompanyID:  session.CompanyID,
			Status:     string(status),
			Duration:   time.Since(startedAt),
			Queries:    snap.CompletedQueries + snap.FailedQueries,
			Failed:     snap.FailedQueries,
			Findings:   len(snap.Findings),
			Cost:       session.CostUSD,
			TokensUsed: session.TokensUsed,
		})
	}
	o.logger.Printf("session %s: %s (%d/%d queries, %d findings, $%.4f)",
		sessionID, status, snap.CompletedQueries, snap.TotalQueries, len(snap.Findings), session.CostUSD)
}

// persistResults writes the final session record. Errors are logged
// and swallowed; in-memory state stays authoritative.
func (o *Orchestrator) persistResults(ctx context.Context, st *sessionState, sessionID string) {
	st.mu.Lock()
	session := st.session
	st.mu.Unlock()
	if err := o.storage.UpdateSession(context.WithoutCancel(ctx), session); err != nil {
		o.logger.Printf("session %s: final persist failed: %v", sessionID, err)
	}
}

func (o *Orchestrator) addSpend(st *sessionState, cost float64, tokens int64) {
	st.mu.Lock()
	st.session.CostUSD += cost
	st.session.TokensUsed += tokens
	st.mu.Unlock()
}

func (o *Orchestrator) isCancelled(st *sessionState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

func (o *Orchestrator) sessionCompanyID(st *sessionState) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session.CompanyID
}

func (o *Orchestrator) sessionCompanyName(st *sessionState) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if name, ok := st.session.Metadata["company_name"].(string); ok {
		return name
	}
	return ""
}

func (o *Orchestrator) lookup(sessionID string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[sessionID]
}

// Cancel flags the session as cancelled. Cooperative: in-flight
// provider calls are not aborted, but no further batch is opened.
func (o *Orchestrator) Cancel(sessionID string) error {
	st := o.lookup(sessionID)
	if st == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	st.mu.Lock()
	if st.terminal {
		st.mu.Unlock()
		return nil
	}
	st.cancelled = true
	st.session.Status = research.StatusCancelled
	st.mu.Unlock()

	status := research.StatusCancelled
	_ = o.tracker.Update(sessionID, progress.Patch{Status: &status})
	return nil
}

// GetProgress returns the live snapshot for a session.
func (o *Orchestrator) GetProgress(sessionID string) (progress.Progress, bool) {
	return o.tracker.Get(sessionID)
}

// SubscribeProgress registers a listener for a session's updates.
func (o *Orchestrator) SubscribeProgress(sessionID string, fn progress.Listener) (progress.SubscriptionID, error) {
	return o.tracker.Subscribe(sessionID, fn)
}

// UnsubscribeProgress removes a previously registered listener.
func (o *Orchestrator) UnsubscribeProgress(sessionID string, id progress.SubscriptionID) {
	o.tracker.Unsubscribe(sessionID, id)
}

// GetSessionResults returns whatever exists for the session right now,
// terminal or not. Callers needing final results must check Status.
func (o *Orchestrator) GetSessionResults(sessionID string) (SessionResults, bool) {
	st := o.lookup(sessionID)
	if st == nil {
		return SessionResults{}, false
	}
	st.mu.Lock()
	session := st.session
	synthesis := st.synthesis
	st.mu.Unlock()

	var found []research.Finding
	if snap, ok := o.tracker.Get(sessionID); ok {
		found = snap.Findings
	}
	return SessionResults{Session: session, Findings: found, Synthesis: synthesis}, true
}

// Cleanup drops the session's progress state and listeners. Explicit
// by design; sessions are never expired automatically.
func (o *Orchestrator) Cleanup(sessionID string) {
	o.tracker.Cleanup(sessionID)
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
}
