// Package symbolize implements the "symbolize" task (spec.md §4.16):
// escalating the ASan redzone until the observed crash_state stabilizes,
// then re-running against symbolized debug/release builds to recover full
// symbol information.
package symbolize

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/stackanalyzer"
)

// MinRedzone and MaxRedzone bound the escalation spec.md §4.16 describes,
// doubling at each step until crash_state stabilizes.
const (
	MinRedzone = 16
	MaxRedzone = 1024
)

// StackFrameCount is malloc_context_size for the symbolized rerun.
const StackFrameCount = 128

// Handler runs the symbolize task for one testcase.
type Handler struct {
	Client          api.Client
	Env             *env.Environment
	Builds          *build.Fetcher
	Revisions       *revisions.List
	Logger          *slog.Logger
	SymbolizedBuild *build.Fetcher // optional; nil if no symbolized build track exists
	IsTSan          bool
	TSanHistorySize int
}

// Run re-derives testcaseID's crash_type/address/state/stacktrace using an
// escalated redzone and (when available) a symbolized build.
func (h *Handler) Run(ctx context.Context, job *api.Job, testcaseID string) error {
	tc, err := h.Client.GetTestcase(ctx, testcaseID)
	if err != nil {
		return fmt.Errorf("load testcase %s: %w", testcaseID, err)
	}
	if tc == nil {
		return &boterrors.InvalidTestcase{TestcaseID: testcaseID}
	}

	idx := h.Revisions.IndexOf(tc.CrashRevision)
	if idx < 0 {
		return &boterrors.BadState{Reason: fmt.Sprintf("no revision labeled %d in revision list", tc.CrashRevision)}
	}
	rev := h.Revisions.At(idx)

	b, err := h.Builds.Fetch(ctx, job.ID, rev.Label)
	if err != nil {
		return fmt.Errorf("fetch primary build: %w", err)
	}

	stableState, stableOutput, redzone, err := h.escalateRedzone(ctx, b, tc)
	if err != nil {
		return fmt.Errorf("escalate redzone: %w", err)
	}

	finalOutput := stableOutput
	if h.SymbolizedBuild != nil {
		if symBuild, err := h.SymbolizedBuild.Fetch(ctx, job.ID, rev.Label); err == nil {
			if out, err := h.runSymbolized(ctx, symBuild, tc, redzone); err == nil && out != "" {
				finalOutput = out
			}
		}
	}

	result := stackanalyzer.Analyze(finalOutput)
	if result.CrashState == "" {
		result = stackanalyzer.Analyze(stableOutput)
	}
	tc.CrashType = result.CrashType
	tc.CrashAddress = result.CrashAddress
	tc.CrashState = coalesce(result.CrashState, stableState)
	tc.CrashStacktrace = result.SymbolizedStacktrace
	tc.Redzone = redzone
	tc.CrashRevision = rev.Number

	return h.Client.UpdateTestcase(ctx, tc)
}

// escalateRedzone doubles the redzone from MinRedzone to MaxRedzone,
// re-running the testcase at each size until crash_state stops changing
// between two consecutive sizes (or the ceiling is reached).
func (h *Handler) escalateRedzone(ctx context.Context, b *build.Build, tc *api.Testcase) (string, string, int, error) {
	var lastState, lastOutput string
	redzone := MinRedzone

	for redzone <= MaxRedzone {
		h.Env.Set("REDZONE", strconv.Itoa(redzone))
		output, err := h.runOnce(ctx, b.AppPath, tc)
		if err != nil {
			return "", "", redzone, err
		}
		state := stackanalyzer.Analyze(output).CrashState

		if redzone > MinRedzone && state == lastState && state != "" {
			return state, output, redzone, nil
		}
		lastState, lastOutput = state, output
		redzone *= 2
	}
	return lastState, lastOutput, MaxRedzone, nil
}

func (h *Handler) runSymbolized(ctx context.Context, b *build.Build, tc *api.Testcase, redzone int) (string, error) {
	h.Env.Set("REDZONE", strconv.Itoa(redzone))
	h.Env.Set("STACK_FRAME_COUNT", strconv.Itoa(StackFrameCount))
	h.Env.Set("SYMBOLIZE_INLINE_FRAMES", "1")
	if h.IsTSan && h.TSanHistorySize > 0 {
		h.Env.Set("TSAN_OPTIONS", fmt.Sprintf("history_size=%d", h.TSanHistorySize))
	}
	return h.runOnce(ctx, b.AppPath, tc)
}

func (h *Handler) runOnce(ctx context.Context, appPath string, tc *api.Testcase) (string, error) {
	timeout := time.Duration(h.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	argv := []string{appPath}
	if tc.MinimizedArguments != "" {
		argv = append(argv, tc.MinimizedArguments)
	}
	argv = append(argv, tc.AbsolutePath)

	res, err := process.Run(ctx, process.Options{Argv: argv, Env: h.Env, Timeout: timeout})
	if err != nil {
		return "", err
	}
	return string(res.Output), nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
