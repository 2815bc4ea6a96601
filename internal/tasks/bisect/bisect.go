// Package bisect implements the regression and progression bisection
// algorithm spec.md §4.13 describes: both tasks walk the same ordered
// revision list with the same binary search, differing only in which
// direction "crashes" means "found it".
package bisect

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/followup"
	"github.com/pingubot/pingubot/internal/github"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/stackanalyzer"
)

// Kind selects which bisection direction is being run.
type Kind int

const (
	Regression Kind = iota
	Progression
)

func (k Kind) String() string {
	if k == Regression {
		return "regression"
	}
	return "progression"
}

// ExtremeRevisionsToTest bounds the short-circuit probe regression runs
// around the known max/min revisions before falling back to binary search.
const ExtremeRevisionsToTest = 3

// RevisionsToTestForValidation and EarlierRevisionsToConsiderForValidation
// bound regression's post-search validation pass.
const (
	RevisionsToTestForValidation             = 2
	EarlierRevisionsToConsiderForValidation   = 10
)

// Deadline bounds how long one task invocation spends binary searching
// before requeuing itself, per spec.md §4.13 step 5's "on deadline, requeue
// self and exit."
const Deadline = 20 * time.Minute

// Handler runs one regression or progression task.
type Handler struct {
	Client    api.Client
	Env       *env.Environment
	Builds    *build.Fetcher
	Revisions *revisions.List
	Logger    *slog.Logger
	Kind      Kind

	// Bugs closes the tracker issue progression shows is fixed. Optional:
	// nil disables bug closing, and regression never uses it.
	Bugs *github.Tracker
}

// Run executes spec.md §4.13's shared algorithm for testcaseID under job.
func (h *Handler) Run(ctx context.Context, job *api.Job, testcaseID string) error {
	tc, err := h.Client.GetTestcase(ctx, testcaseID)
	if err != nil {
		return fmt.Errorf("load testcase %s: %w", testcaseID, err)
	}
	if tc == nil {
		return &boterrors.InvalidTestcase{TestcaseID: testcaseID}
	}

	minIdx := 0
	maxIdx := h.Revisions.Len() - 1
	if maxIdx <= minIdx {
		return &boterrors.BadState{Reason: "revision list has fewer than two entries"}
	}

	maxCrashes, err := h.testAtIndex(ctx, job, tc, maxIdx)
	if err != nil {
		return fmt.Errorf("bounds check at max revision: %w", err)
	}
	wantCrashAtMax := h.Kind == Regression
	if maxCrashes != wantCrashAtMax {
		retried, _ := tc.AdditionalMetadata["bisect_bounds_retried"].(bool)
		if retried {
			if h.Kind == Regression {
				tc.Regression = "NA"
			} else {
				tc.Fixed = "NA"
			}
			setMetadata(tc, "bisect_flaky", true)
			return h.updateTestcase(ctx, tc)
		}
		h.Logger.Warn("bisection bounds check disagreed with expectation, retrying once",
			"testcase", tc.ID, "kind", h.Kind)
		setMetadata(tc, "bisect_bounds_retried", true)
		if err := h.updateTestcase(ctx, tc); err != nil {
			return fmt.Errorf("record bounds check retry: %w", err)
		}
		return h.Client.AddTask(ctx, h.Kind.String(), tc.ID, tc.JobID)
	}

	if h.Kind == Regression {
		if narrowed, err := h.extremeRevisionsPass(ctx, job, tc, minIdx, maxIdx); err != nil {
			return fmt.Errorf("extreme revisions pass: %w", err)
		} else if narrowed {
			if err := h.updateTestcase(ctx, tc); err != nil {
				return err
			}
			return followup.ScheduleAfterRangeWrite(ctx, h.Client, tc)
		}
	}

	deadline := time.Now().Add(Deadline)
	for maxIdx-minIdx > 1 {
		if time.Now().After(deadline) {
			h.Logger.Info("bisection deadline reached, requeuing",
				"testcase", tc.ID, "kind", h.Kind)
			return h.Client.AddTask(ctx, h.Kind.String(), tc.ID, tc.JobID)
		}

		mid := revisions.Midpoint(minIdx, maxIdx)
		crashed, err := h.testAtIndex(ctx, job, tc, mid)
		var badBuild *boterrors.BadBuild
		if err != nil {
			if asBadBuild(err, &badBuild) {
				if err := h.Revisions.Remove(mid); err != nil {
					return err
				}
				maxIdx--
				continue
			}
			return fmt.Errorf("test at revision index %d: %w", mid, err)
		}

		if crashed == (h.Kind == Regression) {
			maxIdx = mid
		} else {
			minIdx = mid
		}
	}

	return h.finish(ctx, job, tc, minIdx, maxIdx)
}

func setMetadata(tc *api.Testcase, key string, value any) {
	if tc.AdditionalMetadata == nil {
		tc.AdditionalMetadata = make(map[string]any)
	}
	tc.AdditionalMetadata[key] = value
}

// updateTestcase validates tc's additional_metadata blob against the fixed
// schema before persisting it, so a malformed bookkeeping write never
// reaches the control plane.
func (h *Handler) updateTestcase(ctx context.Context, tc *api.Testcase) error {
	if err := crash.ValidateAdditionalMetadata(tc.AdditionalMetadata); err != nil {
		return fmt.Errorf("bisect: %w", err)
	}
	return h.Client.UpdateTestcase(ctx, tc)
}

func asBadBuild(err error, target **boterrors.BadBuild) bool {
	b, ok := err.(*boterrors.BadBuild)
	if ok {
		*target = b
	}
	return ok
}

// extremeRevisionsPass tests minIdx first: if the crash already reproduces
// there, it sets the regression range to 0:<min revision> and reports true.
// Otherwise it tests up to ExtremeRevisionsToTest revisions nearest maxIdx
// and reports false; those results do not narrow the bounds, so the binary
// search still runs over the full minIdx..maxIdx range.
func (h *Handler) extremeRevisionsPass(ctx context.Context, job *api.Job, tc *api.Testcase, minIdx, maxIdx int) (bool, error) {
	crashedAtMin, err := h.testAtIndex(ctx, job, tc, minIdx)
	if err != nil {
		return false, err
	}
	if crashedAtMin {
		tc.Regression = fmt.Sprintf("0:%d", h.Revisions.At(minIdx).Number)
		return true, nil
	}

	for _, idx := range h.Revisions.NearestIndices(maxIdx, ExtremeRevisionsToTest) {
		if idx <= minIdx || idx >= maxIdx {
			continue
		}
		crashed, err := h.testAtIndex(ctx, job, tc, idx)
		if err != nil {
			return false, err
		}
		if crashed {
			return false, nil
		}
	}
	return false, nil
}

// finish runs the validation pass (regression only) and writes the final
// range, scheduling the impact follow-up task.
func (h *Handler) finish(ctx context.Context, job *api.Job, tc *api.Testcase, minIdx, maxIdx int) error {
	rangeStr := fmt.Sprintf("%d:%d", h.Revisions.At(minIdx).Number, h.Revisions.At(maxIdx).Number)

	if h.Kind == Regression {
		if flaky, err := h.validationPass(ctx, job, tc, minIdx); err != nil {
			return fmt.Errorf("validation pass: %w", err)
		} else if flaky {
			tc.Regression = "NA"
			setMetadata(tc, "bisect_low_confidence", true)
			return h.updateTestcase(ctx, tc)
		}
		tc.Regression = rangeStr
	} else {
		tc.Fixed = rangeStr
	}

	if err := h.updateTestcase(ctx, tc); err != nil {
		return err
	}

	if h.Kind == Progression && tc.Fixed != "" && tc.Fixed != "NA" && h.Bugs != nil && tc.BugInformation != "" {
		if err := h.closeResolvedBug(tc); err != nil {
			h.Logger.Warn("closing resolved bug failed", "testcase", tc.ID, "error", err)
		}
	}

	return followup.ScheduleAfterRangeWrite(ctx, h.Client, tc)
}

// closeResolvedBug closes the tracker issue recorded in tc.BugInformation,
// now that progression has shown the crash no longer reproduces.
func (h *Handler) closeResolvedBug(tc *api.Testcase) error {
	report, err := github.ParseBugInformation(tc.BugInformation)
	if err != nil {
		return fmt.Errorf("parse bug information: %w", err)
	}
	return h.Bugs.CloseIfResolved(report)
}

// validationPass samples RevisionsToTestForValidation revisions from the
// most recent EarlierRevisionsToConsiderForValidation before minIdx; if any
// still crashes, the regression range is unreliable.
func (h *Handler) validationPass(ctx context.Context, job *api.Job, tc *api.Testcase, minIdx int) (bool, error) {
	lo := minIdx - EarlierRevisionsToConsiderForValidation
	if lo < 0 {
		lo = 0
	}
	span := minIdx - lo
	if span <= 0 {
		return false, nil
	}

	tried := map[int]bool{}
	for i := 0; i < RevisionsToTestForValidation && i < span; i++ {
		idx := lo + rand.Intn(span)
		if tried[idx] {
			continue
		}
		tried[idx] = true
		crashed, err := h.testAtIndex(ctx, job, tc, idx)
		if err != nil {
			return false, err
		}
		if crashed {
			return true, nil
		}
	}
	return false, nil
}

// testAtIndex fetches the build at the revision list's index i and runs
// the testcase against it, returning *boterrors.BadBuild if the build is
// unusable (spec.md §4.13's closing paragraph).
func (h *Handler) testAtIndex(ctx context.Context, job *api.Job, tc *api.Testcase, i int) (bool, error) {
	rev := h.Revisions.At(i)
	b, err := h.Builds.Fetch(ctx, job.ID, rev.Label)
	if err != nil {
		return false, &boterrors.BadBuild{JobID: job.ID, Revision: rev.Label}
	}

	timeout := time.Duration(h.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	argv := []string{b.AppPath}
	if tc.MinimizedArguments != "" {
		argv = append(argv, tc.MinimizedArguments)
	}
	argv = append(argv, tc.AbsolutePath)

	res, err := process.Run(ctx, process.Options{Argv: argv, Env: h.Env, Timeout: timeout})
	if err != nil {
		return false, err
	}
	if res.ReturnCode == 0 {
		return false, nil
	}
	return stackanalyzer.Analyze(string(res.Output)).CrashType != "", nil
}
