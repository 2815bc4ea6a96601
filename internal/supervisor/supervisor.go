// Package supervisor implements the top-level bot lifecycle spec.md §4.1
// describes: fetch this bot's configuration once, then repeatedly launch
// the heartbeat and worker, bounded by RunTimeout, checking
// bot_run_timed_out() after each worker exit to decide whether to shut
// down.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/config"
	"github.com/pingubot/pingubot/internal/heartbeat"
)

// MaxRunTimeout is the cap spec.md §4.1 places on RUN_TIMEOUT (2^31/1000
// seconds, the largest duration a millisecond-resolution timer can hold).
const MaxRunTimeout = (1<<31 - 1) * time.Millisecond

// WorkerFunc runs the task loop until ctx is cancelled.
type WorkerFunc func(ctx context.Context) error

// Supervisor owns one bot process's top-level loop.
type Supervisor struct {
	client    api.Client
	logger    *slog.Logger
	cfg       *config.Config
	heartbeat *heartbeat.Monitor
	worker    WorkerFunc
}

// New constructs a Supervisor.
func New(client api.Client, logger *slog.Logger, cfg *config.Config,
	monitor *heartbeat.Monitor, worker WorkerFunc) *Supervisor {

	return &Supervisor{client: client, logger: logger, cfg: cfg, heartbeat: monitor, worker: worker}
}

// Run fetches and persists this bot's configuration, then loops launching
// the heartbeat and worker until ctx is cancelled or BotRunTimedOut reports
// true. A worker error is logged and the next cycle starts.
func (s *Supervisor) Run(ctx context.Context) error {
	botID, err := s.client.GetBot(ctx, s.cfg.Bot.Name)
	if err != nil {
		return fmt.Errorf("fetching bot identity: %w", err)
	}

	rawConfig, err := s.client.GetBotConfig(ctx, botID)
	if err != nil {
		return fmt.Errorf("fetching bot config: %w", err)
	}
	botConfig, err := config.ParseBotConfig(rawConfig)
	if err != nil {
		return err
	}
	if err := config.WriteBotConfig(s.cfg.WorkDir, botConfig); err != nil {
		return err
	}

	runTimeout := s.cfg.Bot.RunTimeout
	if runTimeout <= 0 || runTimeout > MaxRunTimeout {
		runTimeout = MaxRunTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.runOneCycle(ctx, runTimeout); err != nil {
			return err
		}

		timedOut, err := s.client.BotRunTimedOut(ctx, botID)
		if err != nil {
			s.logger.Warn("checking bot_run_timed_out failed", "error", err)
			continue
		}
		if timedOut {
			s.logger.Info("bot run timed out; shutting down")
			return nil
		}
	}
}

func (s *Supervisor) runOneCycle(ctx context.Context, runTimeout time.Duration) error {
	cycleCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(cycleCtx)
	group.Go(func() error {
		s.heartbeat.Run(groupCtx)
		return nil
	})

	var workerExitCode int
	group.Go(func() error {
		err := s.worker(groupCtx)
		switch {
		case err == nil:
			workerExitCode = 0
		default:
			workerExitCode = 1
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("supervisor cycle: %w", err)
	}

	switch workerExitCode {
	case 0:
		s.logger.Info("worker exited normally")
	case 1:
		s.logger.Error("worker exited with a fatal error")
	default:
		s.logger.Warn("worker exited", "code", workerExitCode)
	}
	return nil
}
