package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/research"
)

// RedisStore keeps sessions and findings as JSON blobs. It is the
// fallback backend when Postgres is unreachable; records live for the
// life of the Redis instance, no TTL is applied.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects and verifies the instance is reachable.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(id string) string         { return "scout:session:" + id }
func findingsKey(sessionID string) string { return "scout:findings:" + sessionID }

// SaveSession stores the session JSON under its key.
func (s *RedisStore) SaveSession(ctx context.Context, session research.Session) error {
	b, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(session.ID), b, 0).Err()
}

// UpdateSession overwrites the stored session.
func (s *RedisStore) UpdateSession(ctx context.Context, session research.Session) error {
	return s.SaveSession(ctx, session)
}

// GetSession fetches one session. The bool reports existence.
func (s *RedisStore) GetSession(ctx context.Context, id string) (research.Session, bool, error) {
	b, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return research.Session{}, false, nil
	}
	if err != nil {
		return research.Session{}, false, err
	}
	var session research.Session
	if err := json.Unmarshal(b, &session); err != nil {
		return research.Session{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, true, nil
}

// SaveFinding appends the finding to the session's list.
func (s *RedisStore) SaveFinding(ctx context.Context, f research.Finding) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	return s.client.RPush(ctx, findingsKey(f.SessionID), b).Err()
}

// ListFindings returns a session's findings in append order.
func (s *RedisStore) ListFindings(ctx context.Context, sessionID string) ([]research.Finding, error) {
	entries, err := s.client.LRange(ctx, findingsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]research.Finding, 0, len(entries))
	for _, entry := range entries {
		var f research.Finding
		if err := json.Unmarshal([]byte(entry), &f); err != nil {
			return nil, fmt.Errorf("unmarshal finding: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
