// Package engine drives migration jobs: it paginates a remote source result
// set, transforms each row through the job's field mapping, inserts rows into
// the destination under per-environment concurrency budgets, and durably
// records the outcome of every row and every attempt so jobs can be resumed,
// retried, or audited after a crash.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/repository"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

// Client is the remote entity API surface the engine drives. *imis.Client
// satisfies it; tests substitute stubs.
type Client interface {
	FetchQueryPage(ctx context.Context, env models.Environment, queryPath string, limit, offset int64) (*imis.Page, error)
	FetchEntityPage(ctx context.Context, env models.Environment, entityType string, limit, offset int64) (*imis.Page, error)
	InsertEntity(ctx context.Context, env models.Environment, entityType, parentEntityType, parentID string, properties map[string]interface{}) ([]string, error)
	InsertCustomEndpoint(ctx context.Context, env models.Environment, path string, payload interface{}) ([]string, error)
	FetchIdentityFields(ctx context.Context, env models.Environment, entityType string) ([]string, error)
}

// Config tunes the page-fetch retry schedule. Insert retries belong to the
// remote client and are configured there.
type Config struct {
	FetchRetries   uint64
	InitialBackoff time.Duration
}

type Engine struct {
	jobs     repository.JobRepository
	rows     repository.RowRepository
	envs     repository.EnvironmentRepository
	sessions session.Store
	client   Client
	cfg      Config
	logger   zerolog.Logger
}

func NewEngine(
	jobs repository.JobRepository,
	rows repository.RowRepository,
	envs repository.EnvironmentRepository,
	sessions session.Store,
	client Client,
	cfg Config,
	logger zerolog.Logger,
) *Engine {
	if cfg.FetchRetries == 0 {
		cfg.FetchRetries = 5
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Engine{
		jobs:     jobs,
		rows:     rows,
		envs:     envs,
		sessions: sessions,
		client:   client,
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}
