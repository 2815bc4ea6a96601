// Package gofuzz implements the engine.Engine contract by driving `go test
// -fuzz` as a subprocess and parsing its GODEBUG=fuzzdebug=1 diagnostic
// output.
package gofuzz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pingubot/pingubot/internal/engine"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/process"
)

// EngineName is the name the engine registers itself under.
const EngineName = "gofuzz"

var coverageRe = regexp.MustCompile(`initial coverage bits:\s+([0-9]+)`)

// Engine drives the stdlib `go test -fuzz` fuzzing engine as a subprocess.
type Engine struct{}

// New constructs a gofuzz Engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return EngineName }

func (e *Engine) Prepare(ctx context.Context, corpusDir, targetPath,
	buildDir, projectID, fuzzTargetID string) (*engine.FuzzOptions, error) {

	return &engine.FuzzOptions{
		Arguments:  []string{fmt.Sprintf("-run=^%s$", fuzzTargetID), fmt.Sprintf("-fuzz=^%s$", fuzzTargetID)},
		Strategies: map[string]string{},
		CorpusDir:  corpusDir,
	}, nil
}

func (e *Engine) Fuzz(ctx context.Context, targetPath string, opts *engine.FuzzOptions,
	testcaseDir, artifactsDir string, maxTime time.Duration) (*engine.FuzzResult, error) {

	argv := append([]string{"go", "test"}, opts.Arguments...)
	argv = append(argv,
		fmt.Sprintf("-fuzztime=%ds", int(maxTime.Seconds())),
		fmt.Sprintf("-test.fuzzcachedir=%s", opts.CorpusDir))

	fuzzEnv := env.New()
	fuzzEnv.Set("GODEBUG", "fuzzdebug=1")
	res, err := process.Run(ctx, process.Options{
		Argv:    argv,
		Dir:     targetPath,
		Timeout: maxTime,
		Env:     fuzzEnv,
	})
	if err != nil {
		return nil, fmt.Errorf("gofuzz: launch failed: %w", err)
	}

	out := string(res.Output)
	result := &engine.FuzzResult{
		Logs:         out,
		Command:      argv,
		TimeExecuted: res.Duration,
		Stats:        map[string]float64{},
	}

	if m := coverageRe.FindStringSubmatch(out); len(m) == 2 {
		if bits, err := strconv.Atoi(m[1]); err == nil {
			result.Stats["coverage_bits"] = float64(bits)
		}
	}

	if crashDir, ok := findFuzzCrashDir(opts.CorpusDir); ok {
		entries, _ := os.ReadDir(crashDir)
		for _, ent := range entries {
			result.Crashes = append(result.Crashes, engine.FuzzCrash{
				InputPath: filepath.Join(crashDir, ent.Name()),
				Logs:      out,
			})
		}
	}

	return result, nil
}

func (e *Engine) Reproduce(ctx context.Context, targetPath, inputPath string,
	arguments []string, maxTime time.Duration) (*engine.ReproduceResult, error) {

	argv := append([]string{"go", "run", targetPath}, arguments...)
	argv = append(argv, inputPath)

	res, err := process.Run(ctx, process.Options{Argv: argv, Timeout: maxTime})
	if err != nil {
		return nil, fmt.Errorf("gofuzz: reproduce launch failed: %w", err)
	}
	return &engine.ReproduceResult{
		Output:       string(res.Output),
		TimeExecuted: res.Duration,
		Crashed:      res.ReturnCode != 0,
	}, nil
}

func (e *Engine) MinimizeCorpus(ctx context.Context, targetPath string, arguments []string,
	inputDirs []string, outputDir, reproducersDir string, maxTime time.Duration) (*engine.MinimizeResult, error) {

	argv := []string{"go", "test"}
	argv = append(argv, arguments...)
	argv = append(argv, fmt.Sprintf("-fuzztime=%ds", int(maxTime.Seconds())))

	res, err := process.Run(ctx, process.Options{
		Argv:    argv,
		Dir:     targetPath,
		Timeout: maxTime,
	})
	if err != nil {
		return nil, fmt.Errorf("gofuzz: minimize launch failed: %w", err)
	}

	return &engine.MinimizeResult{
		Logs:  string(res.Output),
		Stats: map[string]float64{"exit_code": float64(res.ReturnCode)},
	}, nil
}

func (e *Engine) AdditionalProcessingTimeout(opts *engine.FuzzOptions) time.Duration {
	return 5 * time.Second
}

// findFuzzCrashDir looks for the `testdata/fuzz/<Target>` directory `go
// test -fuzz` writes failing corpus entries into.
func findFuzzCrashDir(corpusDir string) (string, bool) {
	base := filepath.Join(strings.TrimSuffix(corpusDir, "/"), "testdata", "fuzz")
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		return base, true
	}
	return "", false
}
