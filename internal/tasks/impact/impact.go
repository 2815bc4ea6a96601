// Package impact implements the "impact" task spec.md §4.11 schedules for
// every new testcase and after every regression/progression range write:
// confirming whether the crash still reproduces at the job's most recent
// known revision, so a bug report can state whether the issue is still
// live at head rather than already fixed.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/testcase"
)

// Handler runs the impact task for one testcase.
type Handler struct {
	Client       api.Client
	Env          *env.Environment
	Materializer *testcase.Materializer
	Builds       *build.Fetcher
	Revisions    *revisions.List
	Logger       *slog.Logger
}

// Run reproduces testcaseID at the job's head revision and records whether
// the crash still reproduces there under AdditionalMetadata.
func (h *Handler) Run(ctx context.Context, job *api.Job, testcaseID string) error {
	tc, err := h.Client.GetTestcase(ctx, testcaseID)
	if err != nil {
		return fmt.Errorf("load testcase %s: %w", testcaseID, err)
	}
	if tc == nil {
		return &boterrors.InvalidTestcase{TestcaseID: testcaseID}
	}

	if tc.OneTimeCrasherFlag {
		h.Logger.Info("skipping impact for one-time crasher", "testcase", tc.ID)
		return nil
	}

	mat, err := h.Materializer.Setup(ctx, h.Env, tc, false)
	if err != nil {
		return fmt.Errorf("materialize testcase for impact: %w", err)
	}

	if h.Revisions.Len() == 0 {
		return &boterrors.BadState{Reason: "impact task: empty revision list for job " + job.ID}
	}
	head := h.Revisions.At(h.Revisions.Len() - 1)

	b, err := h.Builds.Fetch(ctx, job.ID, head.Label)
	if err != nil {
		return fmt.Errorf("fetch head build: %w", err)
	}

	timeout := time.Duration(h.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	argv := []string{b.AppPath}
	if tc.MinimizedArguments != "" {
		argv = append(argv, tc.MinimizedArguments)
	}
	argv = append(argv, mat.Path)

	res, err := process.Run(ctx, process.Options{Argv: argv, Env: h.Env, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("run testcase at head: %w", err)
	}

	if tc.AdditionalMetadata == nil {
		tc.AdditionalMetadata = make(map[string]any)
	}
	tc.AdditionalMetadata["impact_extends_to_head"] = res.ReturnCode != 0
	tc.AdditionalMetadata["impact_head_revision"] = head.Number

	if err := crash.ValidateAdditionalMetadata(tc.AdditionalMetadata); err != nil {
		return fmt.Errorf("impact: %w", err)
	}
	if err := h.Client.UpdateTestcase(ctx, tc); err != nil {
		return fmt.Errorf("record impact result: %w", err)
	}

	h.Logger.Info("impact task complete", "testcase", tc.ID, "extends_to_head", tc.AdditionalMetadata["impact_extends_to_head"])
	return nil
}
