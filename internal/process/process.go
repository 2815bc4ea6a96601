// Package process launches, times out, and terminates external processes on
// behalf of task handlers. It exposes a bounded worker pool plus a
// thread-safe result queue so the two-stage blackbox fuzzing path (§4.8) can
// fan a testcase batch out across several runners and collect results
// without synchronizing on the main task-loop goroutine.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pingubot/pingubot/internal/env"
)

// Sentinel return codes mirroring the source's FUZZER_TIMEOUT/
// FUZZER_EXECUTION_FAILED constants.
const (
	TimeoutExitCode          = -1
	ExecutionFailedExitCode  = -2
	DefaultOutputLimitBytes  = 10 << 20 // 10 MiB, matches typical stdout caps.
)

// Result is the outcome of running one subprocess.
type Result struct {
	ReturnCode int
	Duration   time.Duration
	Output     []byte
	TimedOut   bool
}

// Options configures a single Run call.
type Options struct {
	// Argv is the command and its arguments. Argv[0] is resolved via
	// exec.LookPath semantics.
	Argv []string
	// Dir is the working directory; empty means the caller's cwd.
	Dir string
	// Timeout bounds wall-clock execution; zero means no timeout.
	Timeout time.Duration
	// Env, if non-nil, is snapshotted onto the spawned process in place of
	// the caller's own environment.
	Env *env.Environment
	// OutputLimit caps how many bytes of combined stdout/stderr are
	// retained; zero uses DefaultOutputLimitBytes.
	OutputLimit int
}

// limitedWriter keeps only the first limit bytes written to it, matching the
// source's "capture output but don't let an infinite-looping fuzz target
// exhaust memory" behavior.
type limitedWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
	} else {
		w.buf.Write(p)
	}
	return len(p), nil
}

// Run executes opts.Argv, enforcing opts.Timeout by killing the started
// process if it does not exit in time; processes it spawned are not
// signalled. It never returns a non-nil error for a timeout, a non-zero
// exit, or a failure to start: those are reported through Result, the last
// as ExecutionFailedExitCode. A non-nil error means opts.Argv was empty.
func Run(ctx context.Context, opts Options) (Result, error) {
	if len(opts.Argv) == 0 {
		return Result{}, fmt.Errorf("process: empty argv")
	}

	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimitBytes
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env.Snapshot()
	}

	out := &limitedWriter{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return Result{
			ReturnCode: ExecutionFailedExitCode,
			Duration:   time.Since(start),
			Output:     out.buf.Bytes(),
		}, nil
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			ReturnCode: TimeoutExitCode,
			Duration:   duration,
			Output:     out.buf.Bytes(),
			TimedOut:   true,
		}, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{
				ReturnCode: exitErr.ExitCode(),
				Duration:   duration,
				Output:     out.buf.Bytes(),
			}, nil
		}
		return Result{
			ReturnCode: ExecutionFailedExitCode,
			Duration:   duration,
			Output:     out.buf.Bytes(),
		}, nil
	}

	return Result{
		ReturnCode: 0,
		Duration:   duration,
		Output:     out.buf.Bytes(),
	}, nil
}

// Task is one unit of work submitted to a Pool: an argv plus an identifier
// the caller uses to correlate a Result back to its origin (e.g. a testcase
// path).
type Task struct {
	ID   string
	Opts Options
}

// Outcome pairs a Task's ID with its Result (or launch error).
type Outcome struct {
	ID     string
	Result Result
	Err    error
}

// Pool runs tasks across a bounded number of concurrent goroutines and
// collects their outcomes on a thread-safe queue, modeling the source's
// multiprocessing-plus-queue two-stage blackbox fan-out (§5).
type Pool struct {
	concurrency int
}

// NewPool constructs a Pool bounded to concurrency simultaneous runners.
// concurrency <= 0 is treated as 1.
func NewPool(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{concurrency: concurrency}
}

// RunAll runs every task, returning one Outcome per task in arbitrary order.
// Each task runs under its own threadTimeout (when positive), derived from
// ctx; a task that exceeds it is killed and reported with TimedOut set.
// RunAll returns once every task has finished.
func (p *Pool) RunAll(ctx context.Context, tasks []Task, threadTimeout time.Duration) []Outcome {
	results := make(chan Outcome, len(tasks))
	sem := make(chan struct{}, p.concurrency)

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()

			taskCtx := ctx
			var cancel context.CancelFunc
			if threadTimeout > 0 {
				taskCtx, cancel = context.WithTimeout(ctx, threadTimeout)
				defer cancel()
			}

			res, err := Run(taskCtx, t.Opts)
			results <- Outcome{ID: t.ID, Result: res, Err: err}
		}(t)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]Outcome, 0, len(tasks))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// TerminateHungThreads is a no-op marker retained for call-site clarity: in
// this runtime, context cancellation (via exec.CommandContext) already kills
// stragglers when their per-task timeout fires, so there is no separate
// "stale process" sweep to perform after Pool.RunAll returns. Kept as a
// named function so callers mirroring the source's two-pass
// (run, then terminate_hung_threads) structure have an explicit place to
// call it.
func TerminateHungThreads() {}

// JoinArgs renders argv the way logs/diagnostics want to display it.
func JoinArgs(argv []string) string {
	return strings.Join(argv, " ")
}
