// Package unpack implements the "unpack" task: standalone materialisation
// of a testcase's stored blob onto local disk (spec.md §4.14's
// setup_testcase, exposed here as its own dispatcher command rather than a
// step another task runs inline), used when an operator or a follow-up task
// needs the testcase's files on disk without also re-running it.
package unpack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/testcase"
)

// Handler runs the unpack task for one testcase.
type Handler struct {
	Client       api.Client
	Env          *env.Environment
	Materializer *testcase.Materializer
	Logger       *slog.Logger
}

// Run materializes testcaseID's stored blob under the materializer's
// inputs directory, leaving it in place for whatever follow-up inspects
// it next.
func (h *Handler) Run(ctx context.Context, job *api.Job, testcaseID string) error {
	tc, err := h.Client.GetTestcase(ctx, testcaseID)
	if err != nil {
		return fmt.Errorf("load testcase %s: %w", testcaseID, err)
	}
	if tc == nil {
		return &boterrors.InvalidTestcase{TestcaseID: testcaseID}
	}

	mat, err := h.Materializer.Setup(ctx, h.Env, tc, false)
	if err != nil {
		return fmt.Errorf("unpack testcase: %w", err)
	}

	h.Logger.Info("testcase unpacked", "testcase", tc.ID, "path", mat.Path)
	return nil
}
