package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubEngine struct{ name string }

func (s *stubEngine) Name() string { return s.name }
func (s *stubEngine) Prepare(ctx context.Context, corpusDir, targetPath, buildDir, projectID, fuzzTargetID string) (*FuzzOptions, error) {
	return &FuzzOptions{}, nil
}
func (s *stubEngine) Fuzz(ctx context.Context, targetPath string, opts *FuzzOptions, testcaseDir, artifactsDir string, maxTime time.Duration) (*FuzzResult, error) {
	return &FuzzResult{}, nil
}
func (s *stubEngine) Reproduce(ctx context.Context, targetPath, inputPath string, arguments []string, maxTime time.Duration) (*ReproduceResult, error) {
	return &ReproduceResult{}, nil
}
func (s *stubEngine) MinimizeCorpus(ctx context.Context, targetPath string, arguments []string, inputDirs []string, outputDir, reproducersDir string, maxTime time.Duration) (*MinimizeResult, error) {
	return &MinimizeResult{}, nil
}
func (s *stubEngine) AdditionalProcessingTimeout(opts *FuzzOptions) time.Duration { return 0 }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEngine{name: "gofuzz"})

	e, ok := r.Get("gofuzz")
	require.True(t, ok)
	require.Equal(t, "gofuzz", e.Name())

	_, err := r.MustGet("missing")
	require.Error(t, err)
}
