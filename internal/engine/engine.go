// Package engine defines the fuzzing-engine contract (spec.md §4.7) and a
// process-wide registry engines register themselves into at bot startup,
// mirroring the way the source looks engines up by name.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FuzzOptions is what Prepare selects: the arguments/strategies the engine
// will run with and the corpus directory it resolved to.
type FuzzOptions struct {
	Arguments  []string
	Strategies map[string]string
	CorpusDir  string
}

// FuzzCrash is one crashing input discovered during a Fuzz call.
type FuzzCrash struct {
	InputPath string
	Logs      string
}

// FuzzResult is what one Fuzz call produces.
type FuzzResult struct {
	Logs         string
	Command      []string
	Crashes      []FuzzCrash
	Stats        map[string]float64
	TimeExecuted time.Duration
}

// ReproduceResult is what Reproduce produces.
type ReproduceResult struct {
	Output       string
	TimeExecuted time.Duration
	Crashed      bool
}

// MinimizeResult is what MinimizeCorpus produces.
type MinimizeResult struct {
	Logs  string
	Stats map[string]float64
}

// Engine is the contract every fuzzing engine implementation satisfies.
// Engines are looked up by name from a Registry populated at bot startup.
type Engine interface {
	Name() string
	Prepare(ctx context.Context, corpusDir, targetPath, buildDir, projectID, fuzzTargetID string) (*FuzzOptions, error)
	Fuzz(ctx context.Context, targetPath string, opts *FuzzOptions, testcaseDir, artifactsDir string, maxTime time.Duration) (*FuzzResult, error)
	Reproduce(ctx context.Context, targetPath, inputPath string, arguments []string, maxTime time.Duration) (*ReproduceResult, error)
	MinimizeCorpus(ctx context.Context, targetPath string, arguments []string, inputDirs []string, outputDir, reproducersDir string, maxTime time.Duration) (*MinimizeResult, error)
	// AdditionalProcessingTimeout is deducted from FUZZ_TEST_TIMEOUT before
	// the engine runs, per spec.md §4.7.
	AdditionalProcessingTimeout(opts *FuzzOptions) time.Duration
}

// Registry is a concurrency-safe name -> Engine lookup table.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds e under its own Name(), overwriting any previous
// registration of the same name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get looks up an engine by name.
func (r *Registry) Get(name string) (Engine, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// MustGet looks up an engine by name, returning an error instead of a bool.
func (r *Registry) MustGet(name string) (Engine, error) {
	e, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("engine: no engine registered under name %q", name)
	}
	return e, nil
}
