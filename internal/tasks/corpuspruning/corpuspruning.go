// Package corpuspruning implements the "corpus_pruning" task (spec.md
// §4.15): minimizing one fuzz target's corpus via the engine's merge
// algorithm, quarantining bad units, cross-pollinating from peer fuzz
// targets, and recording coverage.
package corpuspruning

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/corpus"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/engine"
	"github.com/pingubot/pingubot/internal/metrics"
	"github.com/pingubot/pingubot/internal/stackanalyzer"
	"github.com/pingubot/pingubot/internal/stats"
	"github.com/pingubot/pingubot/internal/storage"
)

// Limits spec.md §4.15 names.
const (
	CorpusFilesLimitForFailures = 10000
	CorpusSizeLimitForFailures  = 2 << 30 // 2 GiB
	MaxQuarantineUnitsToRestore = 128
	RSSLimitMB                  = 2560
	CorpusInputSizeLimit        = 1 << 20
	CorpusPruningTimeout        = 22 * time.Hour
	CrossPollinateFuzzerCount   = 3
)

// CrossPollinationStrategy selects how peer fuzzers' corpora are folded
// into the shared directory. TaggedStrategy currently behaves identically
// to RandomStrategy: no similarity index exists yet to group peers by tag.
type CrossPollinationStrategy int

const (
	RandomStrategy CrossPollinationStrategy = iota
	TaggedStrategy
)

// PeerFuzzTarget is one other fuzz target eligible for cross-pollination.
type PeerFuzzTarget struct {
	ProjectID string
	Name      string
}

// Handler runs the corpus pruning task for one FuzzTarget.
type Handler struct {
	Client   api.Client
	Store    storage.Store
	Stats    *stats.Sink
	Archiver *crash.Archiver
	Engine   engine.Engine
	Logger   *slog.Logger
	Metrics  *metrics.Registry

	// Blobs uploads each new crash reproducer's bytes under a collision-free
	// key before the Testcase row pointing at it is created. Optional: nil
	// leaves FuzzedKeys empty, so AbsolutePath must still be reachable on
	// local disk for any later task to replay the testcase.
	Blobs *storage.BlobStore

	AppPath       string
	CorpusDir     string
	QuarantineDir string
	SharedDir     string
	ReproducersDir string
	BlobsBucket   string

	PreviousRunFailed bool
	Peers             []PeerFuzzTarget
	Strategy          CrossPollinationStrategy

	rngSource int64
}

func (h *Handler) rng() *rand.Rand {
	seed := h.rngSource
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Run executes spec.md §4.15's seven phases for (projectID, fuzzTargetName).
func (h *Handler) Run(ctx context.Context, job *api.Job, f *api.Fuzzer, projectID string) error {
	rng := h.rng()

	regular := corpus.New(h.Store, h.BlobsBucket, projectID, f.Name, api.CorpusKindRegular)
	quarantine := corpus.New(h.Store, h.BlobsBucket, projectID, f.Name, api.CorpusKindQuarantine)
	shared := corpus.New(h.Store, h.BlobsBucket, projectID, f.Name, api.CorpusKindShared)

	if h.PreviousRunFailed {
		if err := h.capOverLimitFiles(ctx, regular, h.CorpusDir); err != nil {
			return fmt.Errorf("cap corpus after previous failure: %w", err)
		}
		if err := h.capOverLimitFiles(ctx, quarantine, h.QuarantineDir); err != nil {
			return fmt.Errorf("cap quarantine after previous failure: %w", err)
		}
	}

	if _, err := regular.RsyncToDisk(ctx, h.CorpusDir); err != nil {
		return fmt.Errorf("sync corpus: %w", err)
	}
	if _, err := quarantine.RsyncToDisk(ctx, h.QuarantineDir); err != nil {
		return fmt.Errorf("sync quarantine: %w", err)
	}
	if _, err := shared.RsyncToDisk(ctx, h.SharedDir); err != nil {
		return fmt.Errorf("sync shared corpus: %w", err)
	}
	if err := h.crossPollinate(ctx, projectID, rng); err != nil {
		return fmt.Errorf("cross-pollinate: %w", err)
	}

	if err := h.restoreQuarantinedUnits(rng); err != nil {
		return fmt.Errorf("restore quarantined units: %w", err)
	}

	minimizeCtx, cancel := context.WithTimeout(ctx, CorpusPruningTimeout)
	defer cancel()

	firstPass, err := h.Engine.MinimizeCorpus(minimizeCtx, h.AppPath,
		[]string{fmt.Sprintf("-rss_limit_mb=%d", RSSLimitMB), fmt.Sprintf("-max_len=%d", CorpusInputSizeLimit), "-detect_leaks=1"},
		[]string{h.CorpusDir}, h.CorpusDir, h.ReproducersDir, CorpusPruningTimeout)
	if err != nil {
		return fmt.Errorf("minimize corpus: %w", err)
	}
	h.Logger.Info("corpus minimized", "fuzzer", f.Name, "stats", firstPass.Stats)

	uniqueCrashes, err := h.classifyBadUnits(ctx)
	if err != nil {
		h.Logger.Warn("some units failed reproduction during classification", "fuzzer", f.Name, "error", err)
	}

	if time.Now().Before(deadlineFromContext(minimizeCtx)) {
		if _, err := h.Engine.MinimizeCorpus(minimizeCtx, h.AppPath,
			[]string{fmt.Sprintf("-rss_limit_mb=%d", RSSLimitMB)},
			[]string{h.SharedDir}, h.CorpusDir, h.ReproducersDir, CorpusPruningTimeout); err != nil {
			h.Logger.Warn("second-pass shared corpus minimize failed", "fuzzer", f.Name, "error", err)
		}
	}

	if err := regular.RsyncFromDisk(ctx, h.CorpusDir); err != nil {
		return fmt.Errorf("upload minimized corpus: %w", err)
	}
	if err := quarantine.RsyncFromDisk(ctx, h.QuarantineDir); err != nil {
		return fmt.Errorf("upload quarantine: %w", err)
	}

	coverage, err := h.buildCoverageInformation(f.Name)
	if err != nil {
		return fmt.Errorf("compute coverage information: %w", err)
	}
	if err := h.Client.SubmitCoverageInformation(ctx, coverage); err != nil {
		return fmt.Errorf("submit coverage information: %w", err)
	}
	if h.Metrics != nil {
		h.Metrics.CorpusSize.WithLabelValues(f.Name, "regular").Set(float64(coverage.CorpusSizeUnits))
		h.Metrics.CorpusSize.WithLabelValues(f.Name, "quarantine").Set(float64(coverage.QuarantineSizeUnits))
	}

	for _, c := range uniqueCrashes {
		tc, err := h.createTestcaseForCrash(ctx, job, f, c)
		if err != nil {
			return fmt.Errorf("create testcase for pruning crash: %w", err)
		}
		if err := h.Client.AddTask(ctx, "minimize", tc.ID, job.ID); err != nil {
			return fmt.Errorf("schedule minimize task: %w", err)
		}
		if h.Metrics != nil {
			h.Metrics.CrashesFound.WithLabelValues(f.Name).Inc()
		}
	}

	if h.Stats != nil {
		jr := &api.JobRun{
			JobID: job.ID, FuzzerName: f.Name, Timestamp: time.Now(),
			NewCrashes: len(uniqueCrashes), UniqueCrashes: len(uniqueCrashes),
		}
		if err := h.Stats.WriteJobRun(ctx, jr); err != nil {
			return fmt.Errorf("write job run stats: %w", err)
		}
	}

	return nil
}

func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(CorpusPruningTimeout)
}

// capOverLimitFiles deletes random files from dir until it is at or below
// both CorpusFilesLimitForFailures and CorpusSizeLimitForFailures, then
// re-uploads what remains, per spec.md §4.15 step 1.
func (h *Handler) capOverLimitFiles(ctx context.Context, c *corpus.FuzzTargetCorpus, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type fileInfo struct {
		path string
		size int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, e.Name()), size: info.Size()})
		total += info.Size()
	}

	rng := h.rng()
	for (len(files) > CorpusFilesLimitForFailures || total > CorpusSizeLimitForFailures) && len(files) > 0 {
		victim := rng.Intn(len(files))
		if err := os.Remove(files[victim].path); err != nil && !os.IsNotExist(err) {
			return err
		}
		total -= files[victim].size
		files = append(files[:victim], files[victim+1:]...)
	}

	return c.RsyncFromDisk(ctx, dir)
}

// crossPollinate pulls up to CrossPollinateFuzzerCount peer fuzz targets'
// corpora into SharedDir, per spec.md §4.15 step 2.
func (h *Handler) crossPollinate(ctx context.Context, projectID string, rng *rand.Rand) error {
	peers := h.Peers
	// TaggedStrategy has no similarity index to drive it yet, so both
	// strategies currently pick peers uniformly at random.
	switch h.Strategy {
	case RandomStrategy, TaggedStrategy:
	default:
		h.Strategy = RandomStrategy
	}

	if len(peers) > CrossPollinateFuzzerCount {
		rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
		peers = peers[:CrossPollinateFuzzerCount]
	}
	for _, p := range peers {
		peerCorpus := corpus.New(h.Store, h.BlobsBucket, p.ProjectID, p.Name, api.CorpusKindRegular)
		if _, err := peerCorpus.RsyncToDisk(ctx, h.SharedDir); err != nil {
			return fmt.Errorf("pull peer corpus %q: %w", p.Name, err)
		}
	}
	return nil
}

// restoreQuarantinedUnits copies up to MaxQuarantineUnitsToRestore random
// files from QuarantineDir into CorpusDir, per spec.md §4.15 step 3.
func (h *Handler) restoreQuarantinedUnits(rng *rand.Rand) error {
	entries, err := os.ReadDir(h.QuarantineDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
	if len(entries) > MaxQuarantineUnitsToRestore {
		entries = entries[:MaxQuarantineUnitsToRestore]
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(h.QuarantineDir, e.Name()))
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(h.CorpusDir, e.Name()), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// classifyBadUnits re-runs every unit the minimize pass flagged as
// non-reproducing, quarantining real crashers and returning the unique
// ones, per spec.md §4.15 step 5.
func (h *Handler) classifyBadUnits(ctx context.Context) ([]*api.Crash, error) {
	entries, err := os.ReadDir(h.ReproducersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var crashes []*api.Crash
	var result *multierror.Error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(h.ReproducersDir, e.Name())
		repro, err := h.Engine.Reproduce(ctx, h.AppPath, path, nil, time.Minute)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("reproduce %s: %w", e.Name(), err))
			continue
		}
		if !repro.Crashed {
			continue
		}
		info, statErr := e.Info()
		ts := time.Now()
		if statErr == nil {
			ts = info.ModTime()
		}
		crashes = append(crashes, &api.Crash{
			FilePath:               path,
			CrashTime:              ts,
			UnsymbolizedStacktrace: repro.Output,
		})

		quarantinePath := filepath.Join(h.QuarantineDir, e.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			result = multierror.Append(result, fmt.Errorf("read %s for quarantine: %w", e.Name(), readErr))
		} else if err := os.WriteFile(quarantinePath, data, 0o644); err != nil {
			result = multierror.Append(result, fmt.Errorf("quarantine %s: %w", e.Name(), err))
		}
	}

	for _, c := range crashes {
		r := stackanalyzer.Analyze(c.UnsymbolizedStacktrace)
		c.CrashType = r.CrashType
		c.CrashState = r.CrashState
	}
	groups := crash.GroupCrashes(crashes)
	unique := make([]*api.Crash, 0, len(groups))
	for _, g := range groups {
		unique = append(unique, g.Crashes[0])
	}
	return unique, result.ErrorOrNil()
}

func (h *Handler) buildCoverageInformation(fuzzerName string) (*api.CoverageInformation, error) {
	corpusFiles, corpusBytes, err := dirStats(h.CorpusDir)
	if err != nil {
		return nil, err
	}
	quarantineFiles, quarantineBytes, err := dirStats(h.QuarantineDir)
	if err != nil {
		return nil, err
	}
	return &api.CoverageInformation{
		FuzzerName:          fuzzerName,
		Date:                time.Now().UTC(),
		CorpusSizeUnits:     corpusFiles,
		CorpusSizeBytes:     corpusBytes,
		QuarantineSizeUnits: quarantineFiles,
		QuarantineSizeBytes: quarantineBytes,
	}, nil
}

func dirStats(dir string) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	var count int
	var size int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		count++
		size += info.Size()
	}
	return count, size, nil
}

func (h *Handler) createTestcaseForCrash(ctx context.Context, job *api.Job, f *api.Fuzzer, c *api.Crash) (*api.Testcase, error) {
	tc := &api.Testcase{
		FuzzerID: f.ID, JobID: job.ID, Status: api.TestcaseStatusProcessed,
		AbsolutePath: c.FilePath, Timestamp: c.CrashTime,
		CrashType: c.CrashType, CrashState: c.CrashState,
		AdditionalMetadata: map[string]any{"fuzzer_binary_name": f.Name, "from_corpus_pruning": true},
	}
	if err := crash.ValidateAdditionalMetadata(tc.AdditionalMetadata); err != nil {
		return nil, fmt.Errorf("create testcase for crash: %w", err)
	}

	if h.Blobs != nil {
		data, err := os.ReadFile(c.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read crash reproducer for blob upload: %w", err)
		}
		key, err := h.Blobs.WriteBlob(ctx, data, filepath.Base(c.FilePath))
		if err != nil {
			return nil, fmt.Errorf("upload crash reproducer blob: %w", err)
		}
		tc.FuzzedKeys = key
	}

	id, err := h.Client.CreateTestcase(ctx, tc)
	if err != nil {
		return nil, err
	}
	tc.ID = id
	return tc, nil
}
