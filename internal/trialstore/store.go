// Package trialstore is the durable trial store: the single source of truth
// for studies, their trials and their scenario settings. Optimization
// workers append trials; the service reads them.
package trialstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/budget-optimizer/pkg/types"
)

// Store is implemented by every backend.
//
// Guarantees:
//   - AppendTrial assigns the next sequence number atomically per study
//     (1, 2, 3, ...) and a reader never observes a partially written trial.
//   - A deleted study rejects further appends with types.ErrNotFound.
//   - ListStudies never fails; an unreachable backend yields an empty list.
//   - Backend failures on write paths wrap types.ErrPersistenceUnavailable.
type Store interface {
	CreateStudy(ctx context.Context, name string) error
	HasStudy(ctx context.Context, name string) (bool, error)
	LoadStudy(ctx context.Context, name string) (*types.Study, error)
	AppendTrial(ctx context.Context, trial types.Trial) (types.Trial, error)
	ListStudies(ctx context.Context) []string
	DeleteStudy(ctx context.Context, name string) error

	SaveSettings(ctx context.Context, settings types.ScenarioSettings) error
	LoadSettings(ctx context.Context, name string) (types.ScenarioSettings, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLedger   = "ledger"
)

// DSNEnv overrides Config.DSN when set.
const DSNEnv = "OPTIMIZER_STORAGE_DSN"

// Config selects and configures a backend.
type Config struct {
	Backend      string `yaml:"backend"`        // sqlite | postgres | ledger
	DSN          string `yaml:"dsn"`            // sqlite file path or postgres URL
	Dir          string `yaml:"dir"`            // ledger root directory
	SyncOnAppend bool   `yaml:"sync_on_append"` // ledger: fsync every trial
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		cfg.DSN = dsn
	}

	switch cfg.Backend {
	case "", BackendSQLite:
		if cfg.DSN == "" {
			cfg.DSN = "data/studies.db"
		}
		return OpenSQLite(ctx, cfg.DSN, logger)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	case BackendLedger:
		if cfg.Dir == "" {
			cfg.Dir = "data/ledger"
		}
		return NewLedgerStore(cfg.Dir, cfg.SyncOnAppend, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// BestTrial loads the study and returns its best completed trial, or nil
// when no trial has completed yet.
func BestTrial(ctx context.Context, s Store, name string) (*types.Trial, error) {
	study, err := s.LoadStudy(ctx, name)
	if err != nil {
		return nil, err
	}
	return study.BestTrial(), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, types.ErrPersistenceUnavailable, err)
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", types.ErrNotFound, name)
}

func alreadyExists(name string) error {
	return fmt.Errorf("%w: %q", types.ErrAlreadyExists, name)
}
