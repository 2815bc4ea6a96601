// Package analyze implements the "analyze" task (spec.md §4.12): turning a
// user-uploaded testcase into a fully classified Testcase row, or closing
// it out as invalid/unreproducible.
package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/engine"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/followup"
	"github.com/pingubot/pingubot/internal/github"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/stackanalyzer"
	"github.com/pingubot/pingubot/internal/testcase"
)

// CrashRetries bounds how many times a testcase is re-run looking for a
// crash, per spec.md §4.12 step 4's "run testcase with retries".
const CrashRetries = 4

// FailWait is the backoff between a failed build setup and requeuing,
// matching the task-wide FAIL_WAIT constant spec.md §4.12 step 3 reuses.
const FailWait = 30 * time.Second

// Handler runs the analyze task for one testcase.
type Handler struct {
	Client       api.Client
	Env          *env.Environment
	Materializer *testcase.Materializer
	Builds       *build.Fetcher
	Revisions    *revisions.List
	Engines      *engine.Registry
	Logger       *slog.Logger

	// Bugs files a tracker issue for each newly confirmed, non-duplicate
	// crash. Optional: nil disables bug filing entirely.
	Bugs *github.Tracker
}

// Run implements spec.md §4.12's full analyze pipeline for the testcase
// named by testcaseID under job.
func (h *Handler) Run(ctx context.Context, job *api.Job, testcaseID string) error {
	tc, err := h.Client.GetTestcase(ctx, testcaseID)
	if err != nil {
		return fmt.Errorf("load testcase %s: %w", testcaseID, err)
	}
	if tc == nil {
		return &boterrors.InvalidTestcase{TestcaseID: testcaseID}
	}

	h.Env.Set("TEST_TIMEOUT", h.Env.GetOrDefault("TEST_TIMEOUT", "60"))
	h.Env.Set("CRASH_RETRIES", fmtInt(CrashRetries))

	if _, err := h.Materializer.Setup(ctx, h.Env, tc, false); err != nil {
		return fmt.Errorf("materialize testcase: %w", err)
	}

	idx := h.Revisions.Nearest(tc.CrashRevision)
	if idx < 0 {
		return &boterrors.BadState{Reason: fmt.Sprintf("no revision <= %d available", tc.CrashRevision)}
	}
	rev := h.Revisions.At(idx)

	b, err := h.Builds.Fetch(ctx, job.ID, rev.Label)
	if err != nil {
		retried, _ := tc.AdditionalMetadata["analyze_build_setup_retried"].(bool)
		if retried {
			h.Logger.Warn("analyze build setup failed twice, closing invalid", "testcase", tc.ID, "error", err)
			tc.Status = api.TestcaseStatusInvalid
			return h.updateTestcase(ctx, tc)
		}
		h.Logger.Warn("analyze build setup failed, retrying after backoff", "testcase", tc.ID, "error", err)
		if tc.AdditionalMetadata == nil {
			tc.AdditionalMetadata = make(map[string]any)
		}
		tc.AdditionalMetadata["analyze_build_setup_retried"] = true
		if err := h.updateTestcase(ctx, tc); err != nil {
			return fmt.Errorf("record build setup retry: %w", err)
		}
		time.Sleep(FailWait)
		return h.Client.AddTask(ctx, "analyze", tc.ID, job.ID)
	}

	crashed, output, err := h.testForCrashWithRetries(ctx, b.AppPath, tc.AbsolutePath, tc.MinimizedArguments, CrashRetries)
	if err != nil {
		return fmt.Errorf("run testcase with retries: %w", err)
	}

	if !crashed {
		tc.Status = api.TestcaseStatusUnreproducible
		if err := h.updateTestcase(ctx, tc); err != nil {
			return fmt.Errorf("mark unreproducible: %w", err)
		}
		return followup.ScheduleImpact(ctx, h.Client, tc)
	}

	result := stackanalyzer.Analyze(output)
	tc.CrashType = result.CrashType
	tc.CrashAddress = result.CrashAddress
	tc.CrashState = result.CrashState
	tc.CrashStacktrace = result.SymbolizedStacktrace
	tc.SecurityFlag = isSecurityCrash(result.CrashType)
	if tc.SecurityFlag {
		tc.SecuritySeverity = securitySeverity(result.CrashType)
	}
	tc.CrashRevision = rev.Number
	tc.Status = api.TestcaseStatusProcessed

	reproducible, _, err := h.testForCrashWithRetries(ctx, b.AppPath, tc.AbsolutePath, tc.MinimizedArguments, CrashRetries)
	if err != nil {
		return fmt.Errorf("re-check reproducibility: %w", err)
	}
	tc.OneTimeCrasherFlag = !reproducible

	existing, err := h.Client.FindTestcase(ctx, job.ID, tc.CrashType, tc.CrashState, tc.SecurityFlag)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil && existing.ID != tc.ID {
		tc.Status = api.TestcaseStatusDuplicate
	}

	if err := h.updateTestcase(ctx, tc); err != nil {
		return fmt.Errorf("save analyzed testcase: %w", err)
	}

	if tc.Status == api.TestcaseStatusDuplicate {
		return nil
	}

	if h.Bugs != nil {
		if err := h.fileBugReport(ctx, tc); err != nil {
			h.Logger.Warn("filing bug report failed", "testcase", tc.ID, "error", err)
		}
	}

	projectJobs, err := h.Client.ListJobs(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("list project jobs for variant fan-out: %w", err)
	}
	isEngineJob := func(j *api.Job) bool { _, ok := h.Engines.Get(j.Platform); return ok }
	compatible := followup.CompatibleJobs(projectJobs, job, isEngineJob)
	return followup.ScheduleForNewTestcase(ctx, h.Client, tc, compatible)
}

// fileBugReport opens a tracker issue for tc's crash signature and records
// it on the testcase, unless a matching issue is already open.
func (h *Handler) fileBugReport(ctx context.Context, tc *api.Testcase) error {
	report, err := h.Bugs.FileBugReport(tc, tc.CrashStacktrace)
	if err != nil {
		return fmt.Errorf("file bug report: %w", err)
	}
	if report == nil {
		return nil
	}
	tc.BugInformation = github.FormatBugInformation(report)
	return h.updateTestcase(ctx, tc)
}

// updateTestcase validates tc's additional_metadata blob against the fixed
// schema before persisting it.
func (h *Handler) updateTestcase(ctx context.Context, tc *api.Testcase) error {
	if err := crash.ValidateAdditionalMetadata(tc.AdditionalMetadata); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return h.Client.UpdateTestcase(ctx, tc)
}

// testForCrashWithRetries re-runs argv against the built binary up to
// attempts times, returning true plus the crashing output on the first
// crash observed.
func (h *Handler) testForCrashWithRetries(ctx context.Context, appPath, testcasePath, args string, attempts int) (bool, string, error) {
	timeout := time.Duration(h.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	argv := []string{appPath}
	if args != "" {
		argv = append(argv, args)
	}
	argv = append(argv, testcasePath)

	for i := 0; i < attempts; i++ {
		res, err := process.Run(ctx, process.Options{Argv: argv, Env: h.Env, Timeout: timeout})
		if err != nil {
			return false, "", err
		}
		if res.ReturnCode != 0 {
			if out := string(res.Output); stackanalyzer.Analyze(out).CrashType != "" {
				return true, out, nil
			}
		}
	}
	return false, "", nil
}

// isSecurityCrash classifies a handful of memory-safety crash types as
// security-relevant, the same short list the stack analyzer's AddressSanitizer
// reports cover.
func isSecurityCrash(crashType string) bool {
	switch crashType {
	case "Heap-buffer-overflow", "Stack-buffer-overflow", "Global-buffer-overflow",
		"Use-after-free", "Use-after-poison", "heap-buffer-overflow":
		return true
	default:
		return false
	}
}

func securitySeverity(crashType string) string {
	switch crashType {
	case "Use-after-free", "Use-after-poison":
		return "High"
	default:
		return "Medium"
	}
}

func fmtInt(n int) string {
	return fmt.Sprintf("%d", n)
}
