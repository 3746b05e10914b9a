package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/config"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/hooks"
	"github.com/mjfuentes/amiga-sub003/internal/metrics"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/dispatcher"
	"github.com/mjfuentes/amiga-sub003/internal/orchestrator/pool"
	"github.com/mjfuentes/amiga-sub003/internal/ratelimit"
	"github.com/mjfuentes/amiga-sub003/internal/runner"
	taskservice "github.com/mjfuentes/amiga-sub003/internal/task/service"
)

const metricsInterval = 2 * time.Second

// serviceSet bundles the long-running components. Start order is ingestor
// before orchestrator so hook streams are watched before any agent can write
// to them; Stop reverses it.
type serviceSet struct {
	Tasks        *taskservice.Service
	Orchestrator *orchestrator.Service
	Ingestor     *hooks.Ingestor
	Metrics      *metrics.Publisher
}

func provideServices(cfg *config.Config, storage *storageSet, eventBus bus.EventBus, log *logger.Logger) (*serviceSet, error) {
	// Agent subprocess runner. The control URL points agents back at the
	// local activity endpoint; hook executables find the stream root through
	// the sessions dir.
	agentRunner, err := runner.New(runner.Config{
		AgentBinary: cfg.Runner.AgentBinary,
		LogsDir:     cfg.Store.LogsDir(),
		SessionsDir: cfg.Store.HookSessionsDir(),
		ControlURL:  fmt.Sprintf("http://127.0.0.1:%d/internal/v1", cfg.Server.Port),
		Timeout:     cfg.Runner.Timeout(),
		KillGrace:   cfg.Runner.KillGrace(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize runner: %w", err)
	}

	workerPool := pool.New(pool.Config{Workers: cfg.Pool.Workers}, log)

	rateGate := ratelimit.NewGate(ratelimit.Config{
		UserPerMinute:   cfg.Rate.UserPerMinute,
		UserPerHour:     cfg.Rate.UserPerHour,
		GlobalPerSecond: cfg.Rate.GlobalPerSecond,
	})

	// Routing LM. The service cannot answer or classify anything without it,
	// so a missing key is a startup error rather than a degraded mode.
	lm, err := dispatcher.NewAnthropicLM(cfg.SmallLM.APIKey, cfg.SmallLM.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize routing model (set ANTHROPIC_API_KEY): %w", err)
	}
	dsp := dispatcher.New(lm, storage.Ledger, log)

	tasks := taskservice.NewService(storage.Repo, storage.Worktrees, storage.Ledger, eventBus, taskservice.Config{
		RepoPath:        cfg.Workspace.RepoPath,
		TaskEstimateUSD: cfg.Budget.TaskEstimateUSD,
	}, log)

	orch := orchestrator.NewService(orchestrator.Config{
		AgentAPIKey:   cfg.SmallLM.APIKey,
		SweepInterval: cfg.Runner.SweepInterval(),
		StallAfter:    cfg.Runner.StallAfter(),
	}, tasks, storage.Sessions, dsp, agentRunner, rateGate, workerPool, storage.Repo, eventBus, log)

	ingestor, err := hooks.New(hooks.Config{
		Root:  cfg.Store.HookSessionsDir(),
		Model: cfg.Runner.Model,
	}, storage.Repo, storage.Ledger, eventBus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hook ingestor: %w", err)
	}

	publisher := metrics.New(metricsInterval, storage.Repo, storage.Ledger, orch, eventBus, log)

	return &serviceSet{
		Tasks:        tasks,
		Orchestrator: orch,
		Ingestor:     ingestor,
		Metrics:      publisher,
	}, nil
}

func (s *serviceSet) Start(ctx context.Context, log *logger.Logger) error {
	if err := s.Ingestor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hook ingestor: %w", err)
	}
	if err := s.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := s.Metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics publisher: %w", err)
	}
	return nil
}

func (s *serviceSet) Stop(log *logger.Logger) {
	s.Metrics.Stop()
	if err := s.Orchestrator.Stop(); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}
	s.Ingestor.Stop()
}
