package corpuspruning

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/engine"
	"github.com/pingubot/pingubot/internal/stats"
	"github.com/pingubot/pingubot/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine's MinimizeCorpus writes one reproducer named "crash-1" on every
// call, and its Reproduce treats any input whose name starts with "crash-"
// as a real crasher.
type fakeEngine struct {
	minimizeCalls int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Prepare(ctx context.Context, corpusDir, targetPath, buildDir, projectID, fuzzTargetID string) (*engine.FuzzOptions, error) {
	return &engine.FuzzOptions{CorpusDir: corpusDir}, nil
}

func (f *fakeEngine) Fuzz(ctx context.Context, targetPath string, opts *engine.FuzzOptions, testcaseDir, artifactsDir string, maxTime time.Duration) (*engine.FuzzResult, error) {
	return &engine.FuzzResult{}, nil
}

func (f *fakeEngine) Reproduce(ctx context.Context, targetPath, inputPath string, arguments []string, maxTime time.Duration) (*engine.ReproduceResult, error) {
	base := filepath.Base(inputPath)
	if len(base) >= 6 && base[:6] == "crash-" {
		return &engine.ReproduceResult{Crashed: true, Output: "panic: boom\nmain.crash(\n"}, nil
	}
	return &engine.ReproduceResult{Crashed: false}, nil
}

func (f *fakeEngine) MinimizeCorpus(ctx context.Context, targetPath string, arguments []string, inputDirs []string, outputDir, reproducersDir string, maxTime time.Duration) (*engine.MinimizeResult, error) {
	f.minimizeCalls++
	if err := os.MkdirAll(reproducersDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(reproducersDir, "crash-1"), []byte("bad input"), 0o644); err != nil {
		return nil, err
	}
	return &engine.MinimizeResult{Stats: map[string]float64{"edges": 1}}, nil
}

func (f *fakeEngine) AdditionalProcessingTimeout(opts *engine.FuzzOptions) time.Duration { return 0 }

func TestRunMinimizesClassifiesAndSubmitsCoverage(t *testing.T) {
	store := storage.NewFakeStore(nil)
	client := api.NewFakeClient()
	eng := &fakeEngine{}

	dir := t.TempDir()
	corpusDir := filepath.Join(dir, "corpus")
	quarantineDir := filepath.Join(dir, "quarantine")
	sharedDir := filepath.Join(dir, "shared")
	reproducersDir := filepath.Join(dir, "reproducers")
	require.NoError(t, os.MkdirAll(corpusDir, 0o755))
	require.NoError(t, os.MkdirAll(quarantineDir, 0o755))
	require.NoError(t, os.MkdirAll(sharedDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corpusDir, "seed1"), []byte("AAAA"), 0o644))

	h := &Handler{
		Client:         client,
		Store:          store,
		Stats:          stats.NewSink(store, "stats-bucket"),
		Archiver:       crash.NewArchiver(store),
		Engine:         eng,
		Logger:         testLogger(),
		AppPath:        filepath.Join(dir, "app"),
		CorpusDir:      corpusDir,
		QuarantineDir:  quarantineDir,
		SharedDir:      sharedDir,
		ReproducersDir: reproducersDir,
		BlobsBucket:    "blobs",
	}

	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	f := &api.Fuzzer{ID: "fuzzer1", Name: "my_fuzzer"}

	require.NoError(t, h.Run(context.Background(), job, f, "proj1"))
	// The first pass over the corpus, then the shared-corpus pass, since the
	// pruning deadline is far away.
	require.Equal(t, 2, eng.minimizeCalls)

	var created *api.Testcase
	for _, tc := range client.Testcases {
		created = tc
	}
	require.NotNil(t, created)
	require.Equal(t, "panic", created.CrashType)

	var sawMinimize bool
	for _, task := range client.Tasks {
		if task.Command == "minimize" {
			sawMinimize = true
		}
	}
	require.True(t, sawMinimize)

	quarantined, err := os.ReadFile(filepath.Join(quarantineDir, "crash-1"))
	require.NoError(t, err)
	require.Equal(t, "bad input", string(quarantined))
}
