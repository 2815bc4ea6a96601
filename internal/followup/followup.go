// Package followup creates the dispatcher commands spec.md §4.11 schedules
// after a new testcase is created or a bisection range is written.
package followup

import (
	"context"
	"fmt"

	"github.com/pingubot/pingubot/internal/api"
)

// StandardCommands are the follow-up tasks enqueued, in order, for a newly
// created non-one-time-crasher testcase.
var StandardCommands = []string{"minimize", "regression", "impact", "progression"}

// ScheduleForNewTestcase enqueues StandardCommands for tc, plus one "variant"
// task per compatible job (same engine-vs-blackbox class, non-experimental,
// excluding tc's own job). For a one-time crasher, only "impact" is
// meaningful; every other command is instead recorded as NA on the testcase.
func ScheduleForNewTestcase(ctx context.Context, client api.Client, tc *api.Testcase,
	compatibleJobs []*api.Job) error {

	commands := StandardCommands
	if tc.OneTimeCrasherFlag {
		commands = []string{"impact"}
	}

	for _, command := range commands {
		if err := client.AddTask(ctx, command, tc.ID, tc.JobID); err != nil {
			return fmt.Errorf("scheduling %s task: %w", command, err)
		}
	}

	if tc.OneTimeCrasherFlag {
		tc.MinimizedKeys = "NA"
		tc.Fixed = "NA"
		tc.Regression = "NA"
		if err := client.UpdateTestcase(ctx, tc); err != nil {
			return fmt.Errorf("recording NA follow-ups: %w", err)
		}
		return nil
	}

	for _, job := range compatibleJobs {
		if job.ID == tc.JobID || job.Experimental {
			continue
		}
		if err := client.AddTask(ctx, "variant", tc.ID, job.ID); err != nil {
			return fmt.Errorf("scheduling variant task for job %s: %w", job.ID, err)
		}
	}
	return nil
}

// ScheduleImpact enqueues the impact task alone, used when a testcase fails
// to reproduce during analysis but still needs an impact assessment.
func ScheduleImpact(ctx context.Context, client api.Client, tc *api.Testcase) error {
	return client.AddTask(ctx, "impact", tc.ID, tc.JobID)
}

// ScheduleAfterRangeWrite enqueues the impact task once a regression or
// progression range has been written to a testcase.
func ScheduleAfterRangeWrite(ctx context.Context, client api.Client, tc *api.Testcase) error {
	return client.AddTask(ctx, "impact", tc.ID, tc.JobID)
}

// CompatibleJobs filters jobs to those in the same engine-vs-blackbox class
// as referenceJob (both builtin-engine or both blackbox), matching spec.md
// §4.11's variant-task eligibility rule. isEngineJob reports whether a job
// dispatches to a builtin engine.
func CompatibleJobs(jobs []*api.Job, referenceJob *api.Job, isEngineJob func(*api.Job) bool) []*api.Job {
	wantEngine := isEngineJob(referenceJob)
	var out []*api.Job
	for _, j := range jobs {
		if isEngineJob(j) == wantEngine {
			out = append(out, j)
		}
	}
	return out
}
