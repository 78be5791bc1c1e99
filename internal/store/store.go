// Package store persists sessions and findings. Persistence is
// best-effort: the orchestrator logs and swallows storage errors, so
// in-memory progress stays authoritative for a running session.
package store

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/research"
)

// Storage is the persistence contract for sessions and findings.
type Storage interface {
	SaveSession(ctx context.Context, session research.Session) error
	UpdateSession(ctx context.Context, session research.Session) error
	GetSession(ctx context.Context, id string) (research.Session, bool, error)
	SaveFinding(ctx context.Context, finding research.Finding) error
	ListFindings(ctx context.Context, sessionID string) ([]research.Finding, error)
	Close() error
}

// New builds a Storage from config, preferring Postgres and falling
// back to Redis when Postgres is unavailable or unconfigured.
func New(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (Storage, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[STORE] ", log.LstdFlags)
	}

	if cfg.Postgres.Validate() == nil {
		pg, err := NewPostgres(ctx, cfg.Postgres)
		if err == nil {
			return pg, nil
		}
		logger.Printf("postgres unavailable (%v), trying redis", err)
	}

	if cfg.Redis.Validate() == nil {
		rd, err := NewRedis(ctx, cfg.Redis)
		if err == nil {
			logger.Printf("using redis storage fallback")
			return rd, nil
		}
		logger.Printf("redis unavailable: %v", err)
	}

	return nil, fmt.Errorf("no usable storage backend configured")
}

// Migrate applies database migrations from the given directory.
// dir example: file://migrations
func Migrate(dir string, dsn string, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return fmt.Errorf("no database DSN provided")
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
}
