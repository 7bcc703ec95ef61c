package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reza/kalda/internal/config"
	"github.com/reza/kalda/internal/logger"
	"github.com/reza/kalda/pkg/agent"
	"github.com/reza/kalda/pkg/control"
	"github.com/reza/kalda/pkg/events"
	"github.com/reza/kalda/pkg/llm"
	"github.com/reza/kalda/pkg/memory"
	"github.com/reza/kalda/pkg/scheduler"
	"github.com/reza/kalda/pkg/tools"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the kalda daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context())
		},
	}
}

func runStart(ctx context.Context) error {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log.Info().Str("version", Version).Msg("kalda starting")

	store, err := memory.Open(filepath.Join(cfg.DataDir, "memory"), memory.StoreOptions{Logger: log})
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer func() {
		if err := store.SaveAll(); err != nil {
			log.Error().Err(err).Msg("final memory flush failed")
		}
	}()

	registry := tools.NewRegistry(log)
	if err := memory.RegisterTools(registry, store); err != nil {
		return fmt.Errorf("register memory tools: %w", err)
	}

	client, err := llm.New(llm.Config{
		BaseURL:        cfg.API.BaseURL,
		APIKey:         cfg.API.APIKey,
		Model:          cfg.API.Model,
		MaxRetries:     cfg.API.MaxRetries,
		RetryBaseDelay: cfg.API.RetryBaseDelay,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("build completion client: %w", err)
	}

	sink := &events.LogSink{Logger: log}

	runner, err := agent.New(agent.Config{
		Client:        client,
		Tools:         registry,
		Store:         store,
		Events:        sink,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		WorkingDir:    cfg.Agent.WorkingDir,
		MaxIterations: cfg.Agent.MaxIterations,
		ContextBudget: cfg.Agent.ContextBudget,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	policy, err := scheduler.ParseFailurePolicy(cfg.Control.FailurePolicy)
	if err != nil {
		return err
	}
	sched := scheduler.New(cfg.Schedule, policy, log)

	goals, err := control.NewGoals(cfg.GoalsFile, log)
	if err != nil {
		return fmt.Errorf("load goals: %w", err)
	}

	loop, err := control.NewLoop(control.Config{
		Runner:           runner,
		Scheduler:        sched,
		Goals:            goals,
		Store:            store,
		Events:           sink,
		Logger:           log,
		GoalInterval:     cfg.Control.GoalInterval,
		ScheduleInterval: cfg.Control.ScheduleInterval,
		IdleInterval:     cfg.Control.IdleInterval,
		HeartbeatIdle:    cfg.Control.HeartbeatIdle,
	})
	if err != nil {
		return fmt.Errorf("build control loop: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := goals.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("goals watcher stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("kalda stopped")
	return nil
}
