// Package minimize implements the "minimize" task (spec.md §2): shrinking
// a crashing testcase to the smallest input that still reproduces the
// crash, via a chunked delta-debugging bisection applied to a byte slice.
package minimize

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
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

// MaxPredicateRuns bounds how many times the crash predicate is invoked
// during one minimization pass, so a pathological input can't stall the
// task indefinitely.
const MaxPredicateRuns = 1024

// Deadline bounds the whole minimize attempt; on expiry the best reduction
// found so far is kept.
const Deadline = 15 * time.Minute

// Handler runs the minimize task for one testcase.
type Handler struct {
	Client       api.Client
	Env          *env.Environment
	Materializer *testcase.Materializer
	Builds       *build.Fetcher
	Revisions    *revisions.List
	Logger       *slog.Logger
}

// Run shrinks testcaseID's input data to a minimal crashing sequence of
// bytes, keeping crash_state constant as the reduction proceeds.
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
		return fmt.Errorf("materialize testcase: %w", err)
	}

	idx := h.Revisions.IndexOf(tc.CrashRevision)
	if idx < 0 {
		return &boterrors.BadState{Reason: fmt.Sprintf("no revision labeled %d in revision list", tc.CrashRevision)}
	}
	rev := h.Revisions.At(idx)

	b, err := h.Builds.Fetch(ctx, job.ID, rev.Label)
	if err != nil {
		return fmt.Errorf("fetch build: %w", err)
	}

	original, err := os.ReadFile(mat.Path)
	if err != nil {
		return fmt.Errorf("read testcase data: %w", err)
	}

	m := &minimizer{h: h, ctx: ctx, appPath: b.AppPath, tc: tc, deadline: time.Now().Add(Deadline)}
	baseline, err := m.crashState(original)
	if err != nil {
		return fmt.Errorf("establish baseline crash: %w", err)
	}
	if baseline == "" {
		return &boterrors.BadState{Reason: "testcase no longer reproduces; cannot minimize"}
	}
	m.targetState = baseline

	reduced, err := m.run(original)
	if err != nil {
		return fmt.Errorf("minimize input: %w", err)
	}

	if err := os.WriteFile(mat.Path, reduced, 0o644); err != nil {
		return fmt.Errorf("write minimized testcase: %w", err)
	}
	tc.ArchiveState &^= api.ArchiveStateMinimized

	return h.Client.UpdateTestcase(ctx, tc)
}

// minimizer runs the chunked-bisection reduction: split the byte slice
// into shrinking chunks, dropping any chunk whose removal still reproduces
// the original crash_state.
type minimizer struct {
	h           *Handler
	ctx         context.Context
	appPath     string
	tc          *api.Testcase
	targetState string
	deadline    time.Time
	predRuns    int
}

func (m *minimizer) run(data []byte) ([]byte, error) {
	chunks := [][]byte{data}
	for {
		if time.Now().After(m.deadline) {
			m.h.Logger.Info("minimize deadline reached, keeping best reduction so far", "testcase", m.tc.ID)
			break
		}
		next, changed, err := m.splitPass(chunks)
		if err != nil {
			return nil, err
		}
		chunks = next
		if !changed {
			break
		}
	}
	return bytes.Join(chunks, nil), nil
}

// splitPass tries to drop each chunk, then splits the chunks that survive
// into halves and tries dropping each half.
func (m *minimizer) splitPass(chunks [][]byte) ([][]byte, bool, error) {
	changed := false

	var kept [][]byte
	for i := range chunks {
		without := without(chunks, i)
		ok, err := m.reproduces(without)
		if err != nil {
			return nil, false, err
		}
		if ok {
			changed = true
			continue
		}
		kept = append(kept, chunks[i])
	}
	chunks = kept

	var split [][]byte
	for _, c := range chunks {
		if len(c) <= 1 {
			split = append(split, c)
			continue
		}
		half := len(c) / 2
		a, b := c[:half], c[half:]
		split = append(split, a, b)
		changed = true
	}

	return split, changed, nil
}

func without(chunks [][]byte, skip int) [][]byte {
	out := make([][]byte, 0, len(chunks)-1)
	for i, c := range chunks {
		if i == skip {
			continue
		}
		out = append(out, c)
	}
	return out
}

// reproduces reports whether the concatenation of chunks still reaches
// m.targetState.
func (m *minimizer) reproduces(chunks [][]byte) (bool, error) {
	if m.predRuns >= MaxPredicateRuns {
		return false, nil
	}
	m.predRuns++

	candidate := bytes.Join(chunks, nil)
	if len(candidate) == 0 {
		return false, nil
	}
	state, err := m.crashState(candidate)
	if err != nil {
		return false, err
	}
	return state != "" && state == m.targetState, nil
}

// crashState runs data against appPath once and returns the observed
// crash_state, or "" if it didn't crash.
func (m *minimizer) crashState(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "pingubot-minimize-*")
	if err != nil {
		return "", err
	}
	path := tmp.Name()
	defer os.Remove(path)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	timeout := time.Duration(m.h.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	argv := []string{m.appPath}
	if m.tc.MinimizedArguments != "" {
		argv = append(argv, m.tc.MinimizedArguments)
	}
	argv = append(argv, path)

	res, err := process.Run(m.ctx, process.Options{Argv: argv, Env: m.h.Env, Timeout: timeout})
	if err != nil {
		return "", err
	}
	if res.ReturnCode == 0 {
		return "", nil
	}
	return stackanalyzer.Analyze(string(res.Output)).CrashState, nil
}
