// Package boterrors defines the small error taxonomy the worker maps every
// failure onto. Handlers never swallow an error silently: they wrap it in
// one of these types (or let it propagate as-is) and the task loop decides
// whether to terminate, hang, or retry by matching the resulting message
// against BotErrorTerminationList / BotErrorHangList.
package boterrors

import "fmt"

// InvalidTestcase indicates the task refers to a testcase that was removed
// from the API between being scheduled and being picked up.
type InvalidTestcase struct {
	TestcaseID string
}

func (e *InvalidTestcase) Error() string {
	return fmt.Sprintf("testcase %s no longer exists", e.TestcaseID)
}

// InvalidFuzzer indicates the fuzzer referenced by a task no longer exists.
type InvalidFuzzer struct {
	FuzzerName string
}

func (e *InvalidFuzzer) Error() string {
	return fmt.Sprintf("fuzzer %q no longer exists", e.FuzzerName)
}

// BuildNotFound indicates no build could be located for (Job, Revision).
type BuildNotFound struct {
	JobID    string
	Revision string
}

func (e *BuildNotFound) Error() string {
	return fmt.Sprintf("no build found for job %s at revision %s", e.JobID,
		e.Revision)
}

// BuildSetup indicates a build was located but failed to unpack/initialize.
type BuildSetup struct {
	JobID    string
	Revision string
	Reason   string
}

func (e *BuildSetup) Error() string {
	return fmt.Sprintf("build setup failed for job %s at revision %s: %s",
		e.JobID, e.Revision, e.Reason)
}

// BadBuild indicates a build exists but crashes on startup or otherwise
// cannot be used to run a testcase. In bisection, a BadBuild revision is
// removed from the working revision list and the search continues.
type BadBuild struct {
	JobID    string
	Revision string
}

func (e *BadBuild) Error() string {
	return fmt.Sprintf("build for job %s at revision %s is unusable (bad "+
		"build)", e.JobID, e.Revision)
}

// BadState indicates an invariant the bot assumes was violated, e.g. a job
// with no platform. Fatal for the task that observed it.
type BadState struct {
	Reason string
}

func (e *BadState) Error() string {
	return fmt.Sprintf("invalid bot state: %s", e.Reason)
}

// BadConfig, ConfigParseError and InvalidConfigKey are fatal at boot.
type BadConfig struct {
	File   string
	Reason string
}

func (e *BadConfig) Error() string {
	return fmt.Sprintf("bad config %q: %s", e.File, e.Reason)
}

type ConfigParseError struct {
	File string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("parsing config %q: %v", e.File, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

type InvalidConfigKey struct {
	File, Key string
}

func (e *InvalidConfigKey) Error() string {
	return fmt.Sprintf("invalid config key %q in %q", e.Key, e.File)
}

// AlreadyRunning indicates another bot already holds the single-writer lock
// for this (command, argument, job_id) triple; the handler must no-op.
type AlreadyRunning struct {
	Command, Argument, JobID string
}

func (e *AlreadyRunning) Error() string {
	return fmt.Sprintf("task (%s, %s, %s) is already running on another bot",
		e.Command, e.Argument, e.JobID)
}

// APIError wraps a failure talking to the control-plane API. It is always
// retryable unless the wrapped message matches the termination list.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control-plane API error during %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// TokenizationFailure, MinimizationDeadlineExceeded and NoCommand are local
// minimizer errors surfaced by the minimize task.
type TokenizationFailure struct {
	Reason string
}

func (e *TokenizationFailure) Error() string {
	return fmt.Sprintf("failed to tokenize testcase: %s", e.Reason)
}

type MinimizationDeadlineExceeded struct{}

func (e *MinimizationDeadlineExceeded) Error() string {
	return "minimization deadline exceeded"
}

type NoCommand struct{}

func (e *NoCommand) Error() string {
	return "no command available to run the minimized testcase"
}

// BotErrorTerminationList holds substrings that, when found in a task-loop
// error's message, cause the worker process to terminate instead of
// continuing the loop.
var BotErrorTerminationList = []string{
	"bad config",
	"invalid bot state",
}

// BotErrorHangList holds substrings that, when found in a task-loop error's
// message, cause the worker to block until its context is cancelled so an
// operator can inspect the machine instead of silently retrying.
var BotErrorHangList = []string{
	"out of memory",
	"disk full",
}
