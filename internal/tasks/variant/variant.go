// Package variant implements the "variant" task spec.md §4.11 schedules
// for every compatible, non-experimental job when a new testcase is
// created: does the same crashing input reproduce under a different job's
// build, and is the result the same crash_state (so it can be folded into
// the same bug rather than tracked separately).
package variant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/stackanalyzer"
	"github.com/pingubot/pingubot/internal/testcase"
)

// Handler runs the variant task: reproduce testcaseID under job (a
// different job than the one the testcase was originally filed against)
// and record the outcome as a TestcaseVariant row.
type Handler struct {
	Client       api.Client
	Env          *env.Environment
	Materializer *testcase.Materializer
	Builds       *build.Fetcher
	Revisions    *revisions.List
	Logger       *slog.Logger
}

// Run materializes testcaseID with isVariant=true (so the variant job's
// own APP_ARGS are kept and the testcase's minimized_arguments appended
// rather than replacing them), runs it against job's most recent known
// revision, and upserts the resulting TestcaseVariant.
func (h *Handler) Run(ctx context.Context, job *api.Job, testcaseID string) error {
	tc, err := h.Client.GetTestcase(ctx, testcaseID)
	if err != nil {
		return fmt.Errorf("load testcase %s: %w", testcaseID, err)
	}
	if tc == nil {
		return &boterrors.InvalidTestcase{TestcaseID: testcaseID}
	}

	mat, err := h.Materializer.Setup(ctx, h.Env, tc, true)
	if err != nil {
		return fmt.Errorf("materialize testcase for variant: %w", err)
	}

	if h.Revisions.Len() == 0 {
		return &boterrors.BadState{Reason: "variant task: empty revision list for job " + job.ID}
	}
	rev := h.Revisions.At(h.Revisions.Len() - 1)

	b, err := h.Builds.Fetch(ctx, job.ID, rev.Label)
	if err != nil {
		return fmt.Errorf("fetch variant build: %w", err)
	}

	timeout := time.Duration(h.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	argv := []string{b.AppPath}
	if tc.MinimizedArguments != "" {
		argv = append(argv, tc.MinimizedArguments)
	}
	argv = append(argv, mat.Path)

	res, err := process.Run(ctx, process.Options{Argv: argv, Env: h.Env, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("run testcase against variant job: %w", err)
	}

	v := &api.TestcaseVariant{TestcaseID: tc.ID, JobID: job.ID, Revision: rev.Number}
	if res.ReturnCode == 0 {
		v.Status = api.TestcaseStatusUnreproducible
	} else {
		result := stackanalyzer.Analyze(string(res.Output))
		v.Status = api.TestcaseStatusProcessed
		v.IsSimilar = result.CrashState != "" && result.CrashState == tc.CrashState
	}

	if err := h.Client.UpsertVariant(ctx, v); err != nil {
		return fmt.Errorf("upsert testcase variant: %w", err)
	}

	h.Logger.Info("variant task complete", "testcase", tc.ID, "job", job.ID, "similar", v.IsSimilar)
	return nil
}
