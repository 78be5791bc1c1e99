package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/findings"
	"github.com/prospectlabs/scout/internal/progress"
	"github.com/prospectlabs/scout/internal/provider"
	"github.com/prospectlabs/scout/internal/research"
)

type stubProvider struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int

	delay     time.Duration
	costPer   float64
	failQuery string
	panicOn   string
	result    provider.ResearchResult
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Execute(ctx context.Context, q provider.ResearchQuery) (provider.ResearchResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, q.Query)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.panicOn != "" && strings.Contains(q.Query, s.panicOn) {
		panic("provider blew up")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failQuery != "" && strings.Contains(q.Query, s.failQuery) {
		return provider.ResearchResult{}, errors.New("upstream unavailable")
	}

	res := s.result
	if res.Content == "" {
		res.Content = "The company migrated its platform to Kubernetes and expanded the engineering team."
		res.Citations = []string{"https://acme.dev/blog/platform", "https://news.ycombinator.com/item?id=1"}
		res.InputTokens = 100
		res.OutputTokens = 200
	}
	res.CostUSD = s.costPer
	return res, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubExtractor struct {
	mu    sync.Mutex
	calls int
	cost  float64
}

func (s *stubExtractor) Extract(ctx context.Context, in findings.ExtractionInput) ([]research.Finding, float64) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return []research.Finding{{
		ID:         fmt.Sprintf("f-%s", in.Template.ID),
		SessionID:  in.SessionID,
		CompanyID:  in.CompanyID,
		Type:       research.FindingTechTrend,
		Title:      "Kubernetes migration",
		Content:    in.Content,
		Confidence: 0.6,
		Priority:   research.PriorityMedium,
		Citations:  in.Citations,
		Metadata:   map[string]interface{}{"extraction_method": "rules"},
		CreatedAt:  time.Now(),
	}}, s.cost
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestOrchestrator(t *testing.T, cfg config.ResearchConfig, p provider.ResearchProvider, ex FindingExtractor) *Orchestrator {
	t.Helper()
	if ex == nil {
		ex = &stubExtractor{}
	}
	o, err := New(cfg, Deps{
		Registry:  research.NewTemplateRegistry(),
		Provider:  p,
		Extractor: ex,
		Tracker:   progress.NewTracker(testLogger()),
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func waitForTerminal(t *testing.T, o *Orchestrator, sessionID string) progress.Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := o.GetProgress(sessionID)
		if !ok {
			t.Fatalf("session %s not tracked", sessionID)
		}
		if snap.Status.IsTerminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal state", sessionID)
	return progress.Progress{}
}

func baseConfig() config.ResearchConfig {
	return config.ResearchConfig{
		MaxConcurrentQueries: 2,
		MaxCostUSD:           10.0,
		QueryTimeout:         2 * time.Second,
		PhaseDelay:           0,
	}
}

func baseSessionConfig(ids ...string) research.SessionConfig {
	return research.SessionConfig{
		TemplateIDs: ids,
		Variables:   research.Variables{CompanyName: "Acme"},
	}
}

func TestStartSessionValidation(t *testing.T) {
	o := newTestOrchestrator(t, baseConfig(), &stubProvider{}, nil)

	cases := []struct {
		name string
		cfg  research.SessionConfig
	}{
		{"no templates", research.SessionConfig{Variables: research.Variables{CompanyName: "Acme"}}},
		{"missing company name", research.SessionConfig{TemplateIDs: []string{"tech-stack"}}},
		{"unknown template", baseSessionConfig("tech-stack", "no-such-template")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := o.StartSession(context.Background(), "c1", "tester", tc.cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var cfgErr *research.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %T: %v", err, err)
			}
		})
	}
	if len(o.tracker.Tracked()) != 0 {
		t.Fatalf("validation failure must not create session state")
	}
}

func TestSessionCompletesAllQueries(t *testing.T) {
	p := &stubProvider{costPer: 0.01}
	o := newTestOrchestrator(t, baseConfig(), p, nil)

	id, initial, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("tech-stack", "eng-challenges", "business-model"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if initial.Status != research.StatusPending || initial.TotalQueries != 3 {
		t.Fatalf("unexpected initial snapshot: %+v", initial)
	}

	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", snap.Status, snap.ErrorMessage)
	}
	if snap.CompletedQueries != 3 || snap.FailedQueries != 0 {
		t.Fatalf("completed=%d failed=%d, want 3/0", snap.CompletedQueries, snap.FailedQueries)
	}
	if len(snap.Findings) != 3 {
		t.Fatalf("findings = %d, want 3", len(snap.Findings))
	}
	if len(snap.QuerySources) != 3 {
		t.Fatalf("query sources = %d, want 3", len(snap.QuerySources))
	}
	if snap.TotalCostUSD < 0.03-1e-9 {
		t.Fatalf("total cost = %f, want >= 0.03", snap.TotalCostUSD)
	}
	if len(snap.ActiveQueries) != 0 {
		t.Fatalf("active queries not drained: %v", snap.ActiveQueries)
	}
}

func TestBatchedConcurrencyCap(t *testing.T) {
	p := &stubProvider{delay: 30 * time.Millisecond}
	o := newTestOrchestrator(t, baseConfig(), p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("tech-stack", "eng-challenges", "business-model", "recent-news"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if p.callCount() != 4 {
		t.Fatalf("provider calls = %d, want 4", p.callCount())
	}
	if p.maxInFlight > 2 {
		t.Fatalf("max in-flight calls = %d, cap is 2", p.maxInFlight)
	}
}

func TestCostCeilingSkipsRemainingQueries(t *testing.T) {
	p := &stubProvider{costPer: 0.03}
	cfg := baseConfig()
	cfg.MaxConcurrentQueries = 1
	o := newTestOrchestrator(t, cfg, p, nil)

	sc := baseSessionConfig("tech-stack", "eng-challenges", "business-model", "recent-news")
	sc.MaxCostUSD = 0.05

	id, _, err := o.StartSession(context.Background(), "c1", "tester", sc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	// Two calls of $0.03 reach $0.06; the ceiling of $0.05 gates every
	// later dispatch without reaching the provider.
	if p.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.callCount())
	}
	if snap.CompletedQueries != 2 || snap.FailedQueries != 2 {
		t.Fatalf("completed=%d failed=%d, want 2/2", snap.CompletedQueries, snap.FailedQueries)
	}
	if !strings.Contains(snap.CurrentQuery, "cost limit exceeded") {
		t.Fatalf("last phase label %q should carry the skip reason", snap.CurrentQuery)
	}
}

func TestQueryTimeoutFailsWithoutRetry(t *testing.T) {
	p := &stubProvider{delay: 300 * time.Millisecond}
	cfg := baseConfig()
	cfg.QueryTimeout = 20 * time.Millisecond
	o := newTestOrchestrator(t, cfg, p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester", baseSessionConfig("tech-stack"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.FailedQueries != 1 || snap.CompletedQueries != 0 {
		t.Fatalf("completed=%d failed=%d, want 0/1", snap.CompletedQueries, snap.FailedQueries)
	}
	if p.callCount() != 1 {
		t.Fatalf("provider calls = %d, timed-out queries must not retry", p.callCount())
	}
	if !strings.Contains(snap.CurrentQuery, "timeout") {
		t.Fatalf("phase label %q should report the timeout", snap.CurrentQuery)
	}
}

func TestProviderFailureIsIsolated(t *testing.T) {
	p := &stubProvider{failQuery: "engineering"}
	cfg := baseConfig()
	cfg.MaxConcurrentQueries = 1
	o := newTestOrchestrator(t, cfg, p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("tech-stack", "eng-challenges", "business-model"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.CompletedQueries != 2 || snap.FailedQueries != 1 {
		t.Fatalf("completed=%d failed=%d, want 2/1", snap.CompletedQueries, snap.FailedQueries)
	}
	if len(snap.Findings) != 2 {
		t.Fatalf("findings = %d, want 2 from the surviving queries", len(snap.Findings))
	}
}

func TestProviderPanicIsIsolated(t *testing.T) {
	p := &stubProvider{panicOn: "funding"}
	cfg := baseConfig()
	cfg.MaxConcurrentQueries = 1
	o := newTestOrchestrator(t, cfg, p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("funding-history", "tech-stack"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.CompletedQueries != 1 || snap.FailedQueries != 1 {
		t.Fatalf("completed=%d failed=%d, want 1/1", snap.CompletedQueries, snap.FailedQueries)
	}
}

func TestCancelStopsFutureBatches(t *testing.T) {
	p := &stubProvider{delay: 50 * time.Millisecond}
	cfg := baseConfig()
	cfg.MaxConcurrentQueries = 1
	o := newTestOrchestrator(t, cfg, p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("tech-stack", "eng-challenges", "business-model", "recent-news"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := o.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}
	if p.callCount() >= 4 {
		t.Fatalf("provider calls = %d, cancellation should skip later batches", p.callCount())
	}
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	p := &stubProvider{}
	o := newTestOrchestrator(t, baseConfig(), p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester", baseSessionConfig("tech-stack"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if snap.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}

	if err := o.Cancel(id); err != nil {
		t.Fatalf("cancel after completion: %v", err)
	}
	after, _ := o.GetProgress(id)
	if after.Status != research.StatusCompleted {
		t.Fatalf("terminal status overwritten: %s", after.Status)
	}
	results, ok := o.GetSessionResults(id)
	if !ok || results.Session.Status != research.StatusCompleted {
		t.Fatalf("session record mutated after terminal state: %+v", results.Session)
	}
}

func TestProgressListenerSeesMonotonicCost(t *testing.T) {
	p := &stubProvider{costPer: 0.01}
	ex := &stubExtractor{cost: 0.002}
	cfg := baseConfig()
	cfg.MaxConcurrentQueries = 1
	o := newTestOrchestrator(t, cfg, p, ex)

	id, _, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("tech-stack", "eng-challenges"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var mu sync.Mutex
	var costs []float64
	var counts []int
	sub, err := o.SubscribeProgress(id, func(p progress.Progress) {
		mu.Lock()
		costs = append(costs, p.TotalCostUSD)
		counts = append(counts, p.CompletedQueries+p.FailedQueries)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer o.UnsubscribeProgress(id, sub)

	waitForTerminal(t, o, id)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(costs); i++ {
		if costs[i] < costs[i-1] {
			t.Fatalf("cost regressed at update %d: %f -> %f", i, costs[i-1], costs[i])
		}
		if counts[i] < counts[i-1] {
			t.Fatalf("finished count regressed at update %d: %d -> %d", i, counts[i-1], counts[i])
		}
	}
}

func TestFindingsCiteOriginatingResult(t *testing.T) {
	citations := []string{"https://acme.dev/blog/platform", "https://github.com/acme/platform"}
	p := &stubProvider{result: provider.ResearchResult{
		Content:      "Acme rebuilt its data pipeline on top of Kafka and documented the rollout in detail.",
		Citations:    citations,
		InputTokens:  50,
		OutputTokens: 80,
	}}
	o := newTestOrchestrator(t, baseConfig(), p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester", baseSessionConfig("tech-stack"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)
	if len(snap.Findings) == 0 {
		t.Fatalf("no findings produced")
	}
	allowed := make(map[string]bool, len(citations))
	for _, c := range citations {
		allowed[c] = true
	}
	for _, f := range snap.Findings {
		for _, c := range f.Citations {
			if !allowed[c] {
				t.Fatalf("finding cites %q, not part of the query result", c)
			}
		}
	}
}

func TestSynthesisAttachedToResults(t *testing.T) {
	p := &stubProvider{}
	cfg := baseConfig()
	cfg.EnableSynthesis = true
	o, err := New(cfg, Deps{
		Registry:    research.NewTemplateRegistry(),
		Provider:    p,
		Extractor:   &stubExtractor{},
		Synthesizer: research.NewSynthesizer(nil, "", testLogger()),
		Tracker:     progress.NewTracker(testLogger()),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	id, _, err := o.StartSession(context.Background(), "c1", "tester", baseSessionConfig("tech-stack"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTerminal(t, o, id)

	results, ok := o.GetSessionResults(id)
	if !ok {
		t.Fatalf("results missing")
	}
	if results.Synthesis == nil {
		t.Fatalf("synthesis not attached")
	}
	if results.Synthesis.ExecutiveSummary == "" {
		t.Fatalf("synthesis summary empty")
	}
	if !strings.Contains(results.Synthesis.ExecutiveSummary, "Acme") {
		t.Fatalf("summary %q should mention the company", results.Synthesis.ExecutiveSummary)
	}
}

func TestCleanupReleasesSessionState(t *testing.T) {
	p := &stubProvider{}
	o := newTestOrchestrator(t, baseConfig(), p, nil)

	id, _, err := o.StartSession(context.Background(), "c1", "tester", baseSessionConfig("tech-stack"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTerminal(t, o, id)

	o.Cleanup(id)
	if _, ok := o.GetProgress(id); ok {
		t.Fatalf("progress still tracked after cleanup")
	}
	if _, ok := o.GetSessionResults(id); ok {
		t.Fatalf("session results still available after cleanup")
	}
	if err := o.Cancel(id); err == nil {
		t.Fatalf("cancel after cleanup should report unknown session")
	}
}

func TestDirectorySeedsMissingVariables(t *testing.T) {
	p := &stubProvider{}
	o, err := New(baseConfig(), Deps{
		Registry:  research.NewTemplateRegistry(),
		Provider:  p,
		Extractor: &stubExtractor{},
		Tracker:   progress.NewTracker(testLogger()),
		Directory: research.NewStaticDirectory(research.Company{
			ID: "c1", Name: "Acme", Industry: "logistics", Stage: "growth",
		}),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	// Company name comes from the directory record, not the caller.
	id, _, err := o.StartSession(context.Background(), "c1", "tester", research.SessionConfig{
		TemplateIDs: []string{"business-model"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTerminal(t, o, id)

	results, ok := o.GetSessionResults(id)
	if !ok {
		t.Fatalf("results missing")
	}
	if results.Session.Metadata["company_name"] != "Acme" {
		t.Fatalf("company name not seeded from directory: %+v", results.Session.Metadata)
	}
	if !strings.Contains(p.calls[0], "Acme") || !strings.Contains(p.calls[0], "logistics") {
		t.Fatalf("resolved query missing directory context: %q", p.calls[0])
	}

	// Unknown company id with no caller variables still fails validation.
	if _, _, err := o.StartSession(context.Background(), "unknown", "tester", research.SessionConfig{
		TemplateIDs: []string{"business-model"},
	}); err == nil {
		t.Fatalf("expected validation error for unknown company")
	}
}

func TestSessionRecordCarriesSpend(t *testing.T) {
	p := &stubProvider{costPer: 0.02}
	ex := &stubExtractor{cost: 0.001}
	o := newTestOrchestrator(t, baseConfig(), p, ex)

	id, _, err := o.StartSession(context.Background(), "c1", "tester",
		baseSessionConfig("tech-stack", "eng-challenges"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := waitForTerminal(t, o, id)

	results, ok := o.GetSessionResults(id)
	if !ok {
		t.Fatalf("results missing")
	}
	want := 2*0.02 + 2*0.001
	if results.Session.CostUSD < want-1e-9 || results.Session.CostUSD > want+1e-9 {
		t.Fatalf("session cost = %f, want %f", results.Session.CostUSD, want)
	}
	if diff := results.Session.CostUSD - snap.TotalCostUSD; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("session cost %f disagrees with progress %f", results.Session.CostUSD, snap.TotalCostUSD)
	}
	if results.Session.TokensUsed != 600 {
		t.Fatalf("tokens = %d, want 600", results.Session.TokensUsed)
	}
}
