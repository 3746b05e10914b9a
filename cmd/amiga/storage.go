package main

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/config"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/cost"
	"github.com/mjfuentes/amiga-sub003/internal/db"
	"github.com/mjfuentes/amiga-sub003/internal/session"
	"github.com/mjfuentes/amiga-sub003/internal/task/repository"
	"github.com/mjfuentes/amiga-sub003/internal/task/repository/sqlite"
	"github.com/mjfuentes/amiga-sub003/internal/worktree"
)

// storageSet bundles everything the service persists: the SQLite repository,
// the session map, the cost ledger and the worktree manager. Close tears the
// set down in reverse construction order.
type storageSet struct {
	DB        *db.Pool
	Repo      *sqlite.Repository
	Sessions  *session.Store
	Ledger    *cost.Ledger
	Worktrees *worktree.Manager

	cleanups []func() error
}

func provideStorage(cfg *config.Config, log *logger.Logger) (*storageSet, error) {
	s := &storageSet{}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// SQLite pool: single writer connection plus a small read pool.
	pool, err := db.Open(cfg.Store.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.DB = pool
	s.cleanups = append(s.cleanups, pool.Close)
	log.Info("Database opened", zap.String("path", cfg.Store.DBPath()))

	repo, repoCleanup, err := repository.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		s.Close(log)
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	s.Repo = repo
	s.cleanups = append(s.cleanups, repoCleanup)

	sessions, err := session.NewStore(cfg.Store.SessionsFile(), log)
	if err != nil {
		s.Close(log)
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s.Sessions = sessions

	// Model prices: the bundled defaults apply when no price file is
	// deployed; a present-but-broken file is a configuration error.
	prices, err := cost.LoadPrices(cfg.Budget.PricesPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.Close(log)
			return nil, fmt.Errorf("failed to load model prices: %w", err)
		}
		log.Info("Price file not found, using built-in prices",
			zap.String("path", cfg.Budget.PricesPath))
		prices = nil
	}
	ledger, err := cost.NewLedger(cfg.Store.CostFile(), prices, cost.Limits{
		DailyUSD:   cfg.Budget.DailyLimitUSD,
		MonthlyUSD: cfg.Budget.MonthlyLimitUSD,
	}, log)
	if err != nil {
		s.Close(log)
		return nil, fmt.Errorf("failed to open cost ledger: %w", err)
	}
	s.Ledger = ledger
	s.cleanups = append(s.cleanups, func() error {
		ledger.Stop()
		return nil
	})

	worktrees, err := worktree.NewManager(worktree.Config{
		Root:       cfg.Workspace.Root,
		RepoPath:   cfg.Workspace.RepoPath,
		BaseBranch: cfg.Workspace.BaseBranch,
	}, log)
	if err != nil {
		s.Close(log)
		return nil, fmt.Errorf("failed to initialize worktree manager: %w", err)
	}
	s.Worktrees = worktrees

	return s, nil
}

// Close runs the accumulated cleanups newest-first.
func (s *storageSet) Close(log *logger.Logger) {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := s.cleanups[i](); err != nil {
			log.Error("Storage cleanup error", zap.Error(err))
		}
	}
	s.cleanups = nil
}
