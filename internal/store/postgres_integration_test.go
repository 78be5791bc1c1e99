package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/research"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("scout"),
		tcPostgres.WithUsername("scout"),
		tcPostgres.WithPassword("scout"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	s, err := NewPostgres(ctx, config.PostgresConfig{
		Host: host, Port: port.Port(),
		User: "scout", Password: "scout", DBName: "scout",
		SSLMode: "disable", Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	sessionID := uuid.NewString()
	session := research.Session{
		ID:        sessionID,
		CompanyID: "c1",
		Status:    research.StatusPending,
		Provider:  "perplexity",
		Metadata:  map[string]interface{}{"template_count": float64(2)},
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("save session: %v", err)
	}

	session.Status = research.StatusCompleted
	session.CostUSD = 0.25
	session.TokensUsed = 4200
	session.CompletedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateSession(ctx, session); err != nil {
		t.Fatalf("update session: %v", err)
	}

	got, ok, err := s.GetSession(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if got.Status != research.StatusCompleted || got.CostUSD != 0.25 || got.TokensUsed != 4200 {
		t.Fatalf("unexpected session after update: %+v", got)
	}
	if got.CompletedAt.IsZero() {
		t.Fatalf("completed_at not persisted")
	}
	if got.Metadata["template_count"] != float64(2) {
		t.Fatalf("metadata not round-tripped: %+v", got.Metadata)
	}

	finding := research.Finding{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		CompanyID:  "c1",
		Type:       research.FindingTechTrend,
		Title:      "Moving to Kubernetes",
		Content:    "Migration in progress.",
		Confidence: 0.7,
		Priority:   research.PriorityMedium,
		Citations:  []string{"https://acme.dev/blog"},
		Tags:       []string{"kubernetes"},
		Metadata:   map[string]interface{}{"extraction_method": "rules"},
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveFinding(ctx, finding); err != nil {
		t.Fatalf("save finding: %v", err)
	}

	findings, err := s.ListFindings(ctx, sessionID)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Type != research.FindingTechTrend || f.Priority != research.PriorityMedium {
		t.Fatalf("enums not round-tripped: %+v", f)
	}
	if len(f.Citations) != 1 || f.Citations[0] != "https://acme.dev/blog" {
		t.Fatalf("citations not round-tripped: %+v", f.Citations)
	}

	if _, ok, err := s.GetSession(ctx, "no-such-id"); err != nil || ok {
		t.Fatalf("missing session should be ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}
