package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/research"
)

// PostgresStore persists sessions and findings in Postgres.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgres opens the connection and ensures the schema exists.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, err
	}
	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &PostgresStore{DB: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS research_sessions (
    id           TEXT PRIMARY KEY,
    company_id   TEXT NOT NULL,
    initiated_by TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    query        TEXT NOT NULL DEFAULT '',
    provider     TEXT NOT NULL DEFAULT '',
    cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
    tokens_used  BIGINT NOT NULL DEFAULT 0,
    metadata     JSONB,
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS research_findings (
    id               TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
    company_id       TEXT NOT NULL,
    finding_type     TEXT NOT NULL,
    title            TEXT NOT NULL,
    content          TEXT NOT NULL,
    confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    priority_level   TEXT NOT NULL,
    citations        TEXT[],
    tags             TEXT[],
    metadata         JSONB,
    verified         BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_findings_session ON research_findings(session_id);
CREATE INDEX IF NOT EXISTS idx_research_sessions_company ON research_sessions(company_id);
`)
	return err
}

// SaveSession inserts or replaces the session record.
func (s *PostgresStore) SaveSession(ctx context.Context, session research.Session) error {
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_sessions (id, company_id, initiated_by, type, status, query, provider, cost_usd, tokens_used, metadata, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
  status       = EXCLUDED.status,
  cost_usd     = EXCLUDED.cost_usd,
  tokens_used  = EXCLUDED.tokens_used,
  metadata     = EXCLUDED.metadata,
  completed_at = EXCLUDED.completed_at;
`, session.ID, session.CompanyID, session.InitiatedBy, session.Type, string(session.Status),
		session.Query, session.Provider, session.CostUSD, session.TokensUsed, metadata,
		session.StartedAt, nullableTime(session.CompletedAt))
	return err
}

// UpdateSession upserts with the same semantics as SaveSession.
func (s *PostgresStore) UpdateSession(ctx context.Context, session research.Session) error {
	return s.SaveSession(ctx, session)
}

// GetSession fetches one session. The bool reports existence.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (research.Session, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, company_id, initiated_by, type, status, query, provider, cost_usd, tokens_used, metadata, started_at, completed_at
FROM research_sessions WHERE id=$1`, id)

	var (
		session       research.Session
		status        string
		metadataBytes []byte
		completedAt   sql.NullTime
	)
	err := row.Scan(&session.ID, &session.CompanyID, &session.InitiatedBy, &session.Type, &status,
		&session.Query, &session.Provider, &session.CostUSD, &session.TokensUsed, &metadataBytes,
		&session.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return research.Session{}, false, nil
	}
	if err != nil {
		return research.Session{}, false, err
	}
	session.Status = research.SessionStatus(status)
	if completedAt.Valid {
		session.CompletedAt = completedAt.Time
	}
	if len(metadataBytes) > 0 {
		_ = json.Unmarshal(metadataBytes, &session.Metadata)
	}
	return session, true, nil
}

// SaveFinding inserts one finding; re-saving the same id updates the
// verification flag and metadata only.
func (s *PostgresStore) SaveFinding(ctx context.Context, f research.Finding) error {
	metadata, err := marshalMetadata(f.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_findings (id, session_id, company_id, finding_type, title, content, confidence_score, priority_level, citations, tags, metadata, verified, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  metadata = EXCLUDED.metadata,
  verified = EXCLUDED.verified;
`, f.ID, f.SessionID, f.CompanyID, string(f.Type), f.Title, f.Content, f.Confidence,
		string(f.Priority), pq.Array(f.Citations), pq.Array(f.Tags), metadata, f.Verified, f.CreatedAt)
	return err
}

// ListFindings returns a session's findings in creation order.
func (s *PostgresStore) ListFindings(ctx context.Context, sessionID string) ([]research.Finding, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, company_id, finding_type, title, content, confidence_score, priority_level, citations, tags, metadata, verified, created_at
FROM research_findings WHERE session_id=$1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []research.Finding
	for rows.Next() {
		var (
			f             research.Finding
			findingType   string
			priority      string
			citations     pq.StringArray
			tags          pq.StringArray
			metadataBytes []byte
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.CompanyID, &findingType, &f.Title, &f.Content,
			&f.Confidence, &priority, &citations, &tags, &metadataBytes, &f.Verified, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Type = research.FindingType(findingType)
		f.Priority = research.Priority(priority)
		f.Citations = []string(citations)
		f.Tags = []string(tags)
		if len(metadataBytes) > 0 {
			_ = json.Unmarshal(metadataBytes, &f.Metadata)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.DB.Close() }

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
