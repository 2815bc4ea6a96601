// Package worker implements the task loop: fetch one task from the control
// plane, lease it, overlay its job's environment, and dispatch it to a
// registered handler, exactly as spec.md §4.3 describes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/config"
	"github.com/pingubot/pingubot/internal/dispatcher"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/metrics"
)

// FailWait bounds wait_next_loop's random backoff when no task is
// available or a job's CPU architecture doesn't match this bot.
const FailWait = 30 * time.Second

// LeaseExtendInterval is how often a held task's lease is renewed.
const LeaseExtendInterval = 2 * time.Minute

// Loop drives the task loop for one bot process.
type Loop struct {
	client     api.Client
	dispatcher *dispatcher.Dispatcher
	env        *env.Environment
	logger     *slog.Logger
	cpuArch    string
	workDir    string
	metrics    *metrics.Registry
}

// New constructs a Loop. m may be nil, in which case task outcomes are not
// counted.
func New(client api.Client, d *dispatcher.Dispatcher, e *env.Environment,
	logger *slog.Logger, cfg *config.Config, m *metrics.Registry) *Loop {

	return &Loop{
		client: client, dispatcher: d, env: e, logger: logger,
		cpuArch: cfg.Bot.CPUArch, workDir: cfg.WorkDir, metrics: m,
	}
}

// Run repeats the task loop until ctx is cancelled, returning nil on normal
// cancellation. A termination-listed error returns it to the caller so the
// supervisor can log a fatal exit code; a hang-listed error blocks until ctx
// is cancelled and then returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.WorkerUp.Set(1)
		defer l.metrics.WorkerUp.Set(0)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.iterate(ctx); err != nil {
			if isTerminationError(err) {
				return err
			}
			if isHangError(err) {
				l.logger.Error("hang-listed error observed; blocking for operator inspection", "error", err)
				<-ctx.Done()
				return nil
			}
			l.logger.Warn("task loop iteration failed", "error", err)
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	l.env.Reset()

	task, err := l.client.GetTask(ctx)
	if err != nil {
		return &boterrors.APIError{Op: "GetTask", Err: err}
	}
	if task == nil {
		waitNextLoop(ctx)
		return nil
	}

	leaseCtx, cancelLease := context.WithCancel(ctx)
	defer cancelLease()
	go l.extendLeasePeriodically(leaseCtx, task.ID)
	defer func() {
		if err := l.client.ReleaseLease(ctx, task.ID); err != nil {
			l.logger.Warn("failed to release task lease", "task_id", task.ID, "error", err)
		}
	}()

	l.env.Set("TASK_ID", task.ID)

	if err := l.processCommand(ctx, task); err != nil {
		var already *boterrors.AlreadyRunning
		if errors.As(err, &already) {
			l.logger.Info("task already owned by another bot; leaving its status untouched",
				"task_id", task.ID, "error", err)
			return err
		}
		if _, statusErr := l.client.UpdateTaskStatus(ctx, task.ID, api.TaskStatusError); statusErr != nil {
			l.logger.Warn("failed to mark task as errored", "task_id", task.ID, "error", statusErr)
		}
		l.countOutcome(task.Command, "error")
		return err
	}
	l.countOutcome(task.Command, "success")
	return nil
}

func (l *Loop) countOutcome(command, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.TasksProcessed.WithLabelValues(command, outcome).Inc()
}

func (l *Loop) extendLeasePeriodically(ctx context.Context, taskID string) {
	ticker := time.NewTicker(LeaseExtendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.client.ExtendLease(ctx, taskID); err != nil {
				l.logger.Warn("failed to extend task lease", "task_id", taskID, "error", err)
			}
		}
	}
}

func (l *Loop) processCommand(ctx context.Context, task *api.Task) error {
	job, err := l.client.GetJob(ctx, task.JobID)
	if err != nil {
		return &boterrors.APIError{Op: "GetJob", Err: err}
	}
	if job == nil {
		return &boterrors.BadState{Reason: fmt.Sprintf("task %s refers to unknown job %s", task.ID, task.JobID)}
	}

	project, err := l.client.GetProject(ctx, job.ProjectID)
	if err != nil {
		return &boterrors.APIError{Op: "GetProject", Err: err}
	}
	if project == nil {
		return &boterrors.BadState{Reason: fmt.Sprintf("job %s refers to unknown project %s", job.ID, job.ProjectID)}
	}

	if err := config.WriteProjectConfig(l.workDir, &config.ProjectConfig{
		Name: project.Name, RepoURL: project.RepoURL, BucketName: project.BucketName,
		BugTrackerURL: project.BugTrackerURL,
	}); err != nil {
		return fmt.Errorf("writing project config: %w", err)
	}

	l.env.Set("JOB_ID", job.ID)
	l.env.Set("TASK_NAME", task.Command)
	l.env.Set("TASK_ARGUMENT", task.Argument)
	l.env.Overlay(job.EnvironmentString)

	if job.CPUArch != "" && l.cpuArch != "" && !strings.EqualFold(job.CPUArch, l.cpuArch) {
		l.logger.Info("requeueing task for CPU architecture mismatch",
			"task_id", task.ID, "job_arch", job.CPUArch, "bot_arch", l.cpuArch)
		waitNextLoop(ctx)
		return nil
	}

	return l.dispatcher.Dispatch(ctx, task, job)
}

func waitNextLoop(ctx context.Context) {
	d := time.Duration(1+rand.Intn(int(FailWait.Seconds()))) * time.Second
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func isTerminationError(err error) bool {
	return matchesList(err, boterrors.BotErrorTerminationList)
}

func isHangError(err error) bool {
	return matchesList(err, boterrors.BotErrorHangList)
}

func matchesList(err error, substrings []string) bool {
	msg := err.Error()
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	var unwrapped error = err
	for {
		unwrapped = errors.Unwrap(unwrapped)
		if unwrapped == nil {
			return false
		}
		msg = unwrapped.Error()
		for _, s := range substrings {
			if strings.Contains(msg, s) {
				return true
			}
		}
	}
}
