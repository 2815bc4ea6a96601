// Package session implements one fuzzing session: the work a "fuzz" task
// performs for its whole lease, from randomising runtime parameters through
// crash grouping and stats upload (spec.md §4.8). It is the largest
// orchestrator in the bot, wiring nearly every other internal package
// together into one fuzzing cycle.
package session

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/corpus"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/engine"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/followup"
	"github.com/pingubot/pingubot/internal/fuzzer"
	"github.com/pingubot/pingubot/internal/gesture"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/stackanalyzer"
	"github.com/pingubot/pingubot/internal/stats"
	"github.com/pingubot/pingubot/internal/storage"

	"log/slog"
)

// FailWait is how long do_fuzzing_task sleeps before returning when fuzzer
// setup fails, matching spec.md §4.8 step 2.
const FailWait = 30 * time.Second

// MaxTestcases bounds how many rounds the engine path runs by default when
// the fuzzer doesn't declare its own MaxTestcases.
const MaxTestcases = 20

// MaxNewCorpusFiles bounds how many newly discovered corpus files one
// engine round uploads, per spec.md §4.8 step 5.
const MaxNewCorpusFiles = 500

// CorpusInputSizeLimit rejects any single corpus file larger than this from
// upload.
const CorpusInputSizeLimit = 1 << 20 // 1 MiB

// MaxFuzzThreads bounds the two-stage blackbox path's stage-2 concurrency.
const MaxFuzzThreads = 8

// redzoneChoices and their selection weights mirror spec.md §4.8 step 1's
// "redzone ∈ {16,32,64,128,256,512} (weighted)": smaller redzones are
// common case, larger ones are rarer but still exercised.
var redzoneChoices = []struct {
	value  int
	weight int
}{
	{16, 40}, {32, 30}, {64, 15}, {128, 8}, {256, 5}, {512, 2},
}

var timeoutMultiplierChoices = []float64{0.5, 1.0, 1.5, 2.0, 3.0}

// UBSanDisableProbability is the 10% chance ubsan_disabled is set when both
// an ASan/HWASan build and UBSan are present, per spec.md §4.8 step 1.
const UBSanDisableProbability = 0.10

// DefaultWindowArgumentTemplate is substituted via gesture.WindowSizeTemplate
// when a job doesn't override it.
const DefaultWindowArgumentTemplate = "--window=$WIDTH,$HEIGHT+$LEFT,$TOP --seed=$RANDOM_SEED"

// RuntimeParams is the per-session randomised configuration picked once at
// the top of Run, per spec.md §4.8 step 1.
type RuntimeParams struct {
	Redzone           int
	TimeoutMultiplier float64
	UBSanDisabled     bool
	WindowArgument    string
}

// randomizeRuntimeParams picks a RuntimeParams using rng, consulting e to
// decide whether both ASan/HWASan and UBSan are present in this build.
func randomizeRuntimeParams(rng *rand.Rand, e *env.Environment) RuntimeParams {
	total := 0
	for _, c := range redzoneChoices {
		total += c.weight
	}
	pick := rng.Intn(total)
	redzone := redzoneChoices[len(redzoneChoices)-1].value
	for _, c := range redzoneChoices {
		if pick < c.weight {
			redzone = c.value
			break
		}
		pick -= c.weight
	}

	asanPresent := e.GetOrDefault("ASAN_OPTIONS", "") != "" || e.GetOrDefault("HWASAN_OPTIONS", "") != ""
	ubsanPresent := e.GetOrDefault("UBSAN_OPTIONS", "") != ""
	ubsanDisabled := asanPresent && ubsanPresent && rng.Float64() < UBSanDisableProbability

	width, height := 1920, 1080
	left, top := rng.Intn(200), rng.Intn(200)
	template := e.GetOrDefault("WINDOW_ARGUMENT_TEMPLATE", DefaultWindowArgumentTemplate)
	windowArg := gesture.WindowSizeTemplate(template, width, height, left, top, rng.Int63())

	return RuntimeParams{
		Redzone:           redzone,
		TimeoutMultiplier: timeoutMultiplierChoices[rng.Intn(len(timeoutMultiplierChoices))],
		UBSanDisabled:     ubsanDisabled,
		WindowArgument:    windowArg,
	}
}

// Apply overlays p onto e as the corresponding environment variables.
func (p RuntimeParams) Apply(e *env.Environment) {
	e.Set("REDZONE", strconv.Itoa(p.Redzone))
	e.Set("TIMEOUT_MULTIPLIER", strconv.FormatFloat(p.TimeoutMultiplier, 'f', -1, 64))
	if p.UBSanDisabled {
		e.Set("UBSAN_DISABLED", "1")
	}
	e.Set("WINDOW_ARGUMENT", p.WindowArgument)
}

// Session carries every dependency one fuzz task's do_fuzzing_task needs.
type Session struct {
	Client       api.Client
	Store        storage.Store
	Env          *env.Environment
	FuzzerSetup  *fuzzer.Setup
	Builds       *build.Fetcher
	Engines      *engine.Registry
	Stats        *stats.Sink
	Archiver     *crash.Archiver
	Logger       *slog.Logger

	BlobsBucket string
	FuzzerDir   string
	InputsDir   string
	TestcaseDir string
	ArtifactsDir string
	BotName     string

	StackBlacklist       []*regexp.Regexp
	FilterFunctionalBugs bool
	ReproduceAttempts    int

	// Sandbox runs the blackbox fuzzer's generator process (spec.md
	// §4.8 steps 6-7). Defaults to process.DirectRunner{}, the
	// unsandboxed local subprocess; callers running as a Docker host or
	// Kubernetes pod set it to a container-backed SandboxRunner instead.
	Sandbox process.SandboxRunner

	rng *rand.Rand
}

// New constructs a Session. seed seeds the per-session RNG used for
// RuntimeParams and window placement; callers normally pass time-derived
// entropy, but tests pass a fixed seed for determinism.
func New(client api.Client, store storage.Store, e *env.Environment, fz *fuzzer.Setup,
	builds *build.Fetcher, engines *engine.Registry, sink *stats.Sink, archiver *crash.Archiver,
	logger *slog.Logger, seed int64) *Session {

	return &Session{
		Client:            client,
		Store:             store,
		Env:               e,
		FuzzerSetup:       fz,
		Builds:            builds,
		Engines:           engines,
		Stats:             sink,
		Archiver:          archiver,
		Logger:            logger,
		ReproduceAttempts: 2,
		Sandbox:           process.DirectRunner{},
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// Run executes one fuzz task end to end, per spec.md §4.8. fuzzerName
// selects the fuzzer row; jobID scopes the run; dataBundles are the data
// bundles the fuzzer declares. A returned error means the task should be
// marked errored; a nil error is also returned when the session skips
// fuzzing this round (fuzzer setup or data-bundle sync failed, or the build
// crashes on startup), since that is not a task failure.
func (s *Session) Run(ctx context.Context, job *api.Job, fuzzerName string, dataBundles []fuzzer.DataBundle) error {
	params := randomizeRuntimeParams(s.rng, s.Env)
	params.Apply(s.Env)

	f, err := s.Client.GetFuzzer(ctx, fuzzerName)
	if err != nil {
		return fmt.Errorf("resolve fuzzer %q: %w", fuzzerName, err)
	}
	if f == nil {
		return &boterrors.InvalidFuzzer{FuzzerName: fuzzerName}
	}

	if err := s.FuzzerSetup.EnsureFuzzer(ctx, s.Env, f); err != nil {
		s.Logger.Warn("fuzzer setup failed, backing off", "fuzzer", fuzzerName, "error", err)
		time.Sleep(FailWait)
		return nil
	}
	if err := s.FuzzerSetup.SyncDataBundles(ctx, dataBundles); err != nil {
		s.Logger.Warn("data bundle sync failed, backing off", "fuzzer", fuzzerName, "error", err)
		time.Sleep(FailWait)
		return nil
	}

	var eng engine.Engine
	isEnginePath := f.Builtin
	if isEnginePath {
		var ok bool
		eng, ok = s.Engines.Get(f.Name)
		isEnginePath = ok
	}

	var b *build.Build
	if isEnginePath {
		b, err = s.Builds.Fetch(ctx, job.ID, s.Env.GetOrDefault("APP_REVISION", ""))
		if err != nil {
			return fmt.Errorf("fetch build: %w", err)
		}
		crashed, crashLog, err := s.checkStartupCrash(ctx, b)
		if err != nil {
			return fmt.Errorf("startup crash check: %w", err)
		}
		if crashed {
			s.Logger.Warn("build crashes on startup, skipping fuzzing round",
				"job", job.ID, "revision", b.Revision, "log", crashLog)
			return nil
		}
	}

	var crashes []*api.Crash
	var testcasesRun int
	switch {
	case isEnginePath:
		crashes, testcasesRun, err = s.doEngineFuzzing(ctx, job, f, eng, b)
	case f.Differential:
		crashes, testcasesRun, err = s.doTwoStageBlackboxFuzzing(ctx, job, f)
	default:
		crashes, testcasesRun, err = s.doBlackboxFuzzing(ctx, job, f)
	}
	if err != nil {
		return fmt.Errorf("fuzzing round: %w", err)
	}

	if err := s.processCrashes(ctx, job, f, crashes); err != nil {
		return fmt.Errorf("process crashes: %w", err)
	}

	jr := &api.JobRun{
		JobID:         job.ID,
		FuzzerName:    f.Name,
		Timestamp:     time.Now().UTC(),
		TestcasesRun:  testcasesRun,
		NewCrashes:    len(crashes),
		UniqueCrashes: len(crash.GroupCrashes(crashes)),
	}
	if err := s.Stats.WriteJobRun(ctx, jr); err != nil {
		return fmt.Errorf("upload job-run stats: %w", err)
	}
	if err := s.Client.SubmitJobRun(ctx, jr); err != nil {
		return fmt.Errorf("submit job-run record: %w", err)
	}

	return os.RemoveAll(s.TestcaseDir)
}

// checkStartupCrash runs the build's binary with no arguments under a short
// timeout to catch builds that crash before any fuzzing input is even
// supplied, per spec.md §4.8 step 3.
func (s *Session) checkStartupCrash(ctx context.Context, b *build.Build) (bool, string, error) {
	res, err := process.Run(ctx, process.Options{
		Argv:    []string{b.AppPath},
		Timeout: 10 * time.Second,
		Env:     s.Env,
	})
	if err != nil {
		return false, "", err
	}
	if res.TimedOut {
		return false, "", nil
	}
	if stackanalyzer.Analyze(string(res.Output)).CrashType != "" {
		return true, string(res.Output), nil
	}
	return false, "", nil
}

// doEngineFuzzing implements spec.md §4.8 step 5: MAX_TESTCASES rounds of
// engine.Fuzz, each uploading its log, reproducers, and bounded new-corpus
// files, with coverage artifacts uploaded after the final round.
func (s *Session) doEngineFuzzing(ctx context.Context, job *api.Job, f *api.Fuzzer,
	eng engine.Engine, b *build.Build) ([]*api.Crash, int, error) {

	targetCorpus := corpus.New(s.Store, s.BlobsBucket, job.ProjectID, f.Name, api.CorpusKindRegular)
	if _, err := targetCorpus.RsyncToDisk(ctx, s.InputsDir); err != nil {
		return nil, 0, fmt.Errorf("sync corpus: %w", err)
	}

	opts, err := eng.Prepare(ctx, s.InputsDir, f.Name, b.Dir, job.ProjectID, f.Name)
	if err != nil {
		return nil, 0, fmt.Errorf("prepare engine: %w", err)
	}

	maxTestcases := f.MaxTestcases
	if maxTestcases <= 0 {
		maxTestcases = MaxTestcases
	}
	fuzzTimeout := time.Duration(s.Env.GetInt("FUZZ_TEST_TIMEOUT", 3600)) * time.Second
	fuzzTimeout -= eng.AdditionalProcessingTimeout(opts)
	perRound := fuzzTimeout / time.Duration(maxTestcases)

	var allCrashes []*api.Crash
	for round := 0; round < maxTestcases; round++ {
		result, err := eng.Fuzz(ctx, b.AppPath, opts, s.TestcaseDir, s.ArtifactsDir, perRound)
		if err != nil {
			return allCrashes, round, fmt.Errorf("engine fuzz round %d: %w", round, err)
		}

		now := time.Now().UTC()
		tr := &api.TestcaseRun{
			JobID: job.ID, FuzzerName: f.Name, Timestamp: now,
			Command: process.JoinArgs(result.Command), LogTime: now,
		}
		if err := s.Stats.WriteTestcaseRun(ctx, tr); err != nil {
			return allCrashes, round + 1, fmt.Errorf("upload testcase-run stats: %w", err)
		}

		logBody := s.renderRoundLog(job, f, b, result, now)
		logKey := fmt.Sprintf("%s/%s/round-%d-%d.log", job.ID, f.Name, round, now.Unix())
		if err := s.Store.WriteData(ctx, []byte(logBody), s.BlobsBucket, logKey); err != nil {
			return allCrashes, round + 1, fmt.Errorf("upload round log: %w", err)
		}

		for _, c := range result.Crashes {
			data, err := os.ReadFile(c.InputPath)
			if err != nil {
				return allCrashes, round + 1, fmt.Errorf("read crash reproducer: %w", err)
			}
			key := fmt.Sprintf("%s/%s/crash-%s", job.ID, f.Name, filepath.Base(c.InputPath))
			if err := s.Store.WriteData(ctx, data, s.BlobsBucket, key); err != nil {
				return allCrashes, round + 1, fmt.Errorf("upload crash reproducer: %w", err)
			}
			allCrashes = append(allCrashes, &api.Crash{
				FilePath: c.InputPath, CrashTime: now,
				UnsymbolizedStacktrace: c.Logs,
			})
		}

		newFiles, err := targetCorpus.GetNewFiles(s.InputsDir)
		if err != nil {
			return allCrashes, round + 1, fmt.Errorf("find new corpus files: %w", err)
		}
		newFiles = boundNewCorpusFiles(newFiles, s.InputsDir)
		if err := targetCorpus.UploadFiles(ctx, s.InputsDir, newFiles); err != nil {
			return allCrashes, round + 1, fmt.Errorf("upload new corpus files: %w", err)
		}

		if round == maxTestcases-1 {
			if err := s.uploadCoverageArtifacts(ctx, f, b); err != nil {
				return allCrashes, round + 1, fmt.Errorf("upload coverage artifacts: %w", err)
			}
		}
	}

	return allCrashes, maxTestcases, nil
}

// boundNewCorpusFiles caps newFiles to MaxNewCorpusFiles, dropping any file
// over CorpusInputSizeLimit, per spec.md §4.8 step 5.
func boundNewCorpusFiles(newFiles []string, dir string) []string {
	var out []string
	for _, rel := range newFiles {
		if len(out) >= MaxNewCorpusFiles {
			break
		}
		info, err := os.Stat(filepath.Join(dir, rel))
		if err != nil || info.Size() > CorpusInputSizeLimit {
			continue
		}
		out = append(out, rel)
	}
	return out
}

func (s *Session) renderRoundLog(job *api.Job, f *api.Fuzzer, b *build.Build,
	result *engine.FuzzResult, ts time.Time) string {

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "revision: %s\n", b.Revision)
	fmt.Fprintf(&buf, "bot_name: %s\n", s.BotName)
	fmt.Fprintf(&buf, "command: %s\n", process.JoinArgs(result.Command))
	fmt.Fprintf(&buf, "time_executed: %s\n", result.TimeExecuted)
	fmt.Fprintf(&buf, "timestamp: %s\n\n", ts.Format(time.RFC3339))
	buf.WriteString(result.Logs)
	buf.WriteString("\n\n--- strategies ---\n")
	var strategies []string
	for k, v := range result.Stats {
		strategies = append(strategies, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(strategies)
	buf.WriteString(strings.Join(strategies, "\n"))
	return buf.String()
}

func (s *Session) uploadCoverageArtifacts(ctx context.Context, f *api.Fuzzer, b *build.Build) error {
	entries, err := os.ReadDir(s.InputsDir)
	if err != nil {
		return fmt.Errorf("list corpus for coverage snapshot: %w", err)
	}
	var sizeBytes int64
	for _, e := range entries {
		info, err := e.Info()
		if err == nil {
			sizeBytes += info.Size()
		}
	}
	return s.Client.SubmitCoverageInformation(ctx, &api.CoverageInformation{
		FuzzerName:      f.Name,
		Date:            time.Now().UTC(),
		CorpusSizeUnits: len(entries),
		CorpusSizeBytes: sizeBytes,
	})
}

// doBlackboxFuzzing implements spec.md §4.8 step 6: the fuzzer is invoked
// as an external program with the three standard directory flags, and its
// crash-* inputs with their *.log files are collected into the same crash
// shape the engine path produces. stats-*.stats files are not read.
func (s *Session) doBlackboxFuzzing(ctx context.Context, job *api.Job, f *api.Fuzzer) ([]*api.Crash, int, error) {
	argv := []string{
		filepath.Join(s.FuzzerDir, f.Name, filepath.Base(f.ExecutablePath)),
		"--input_dir", s.InputsDir,
		"--testcase_dir", s.TestcaseDir,
		"--artifacts_dir", s.ArtifactsDir,
	}
	timeout := time.Duration(s.Env.GetInt("FUZZ_TEST_TIMEOUT", 3600)) * time.Second

	result, err := s.sandbox().Run(ctx, process.Options{Argv: argv, Env: s.Env, Timeout: timeout})
	if err != nil {
		return nil, 0, fmt.Errorf("run blackbox fuzzer: %w", err)
	}
	if result.ReturnCode == process.ExecutionFailedExitCode {
		return nil, 0, fmt.Errorf("blackbox fuzzer failed to launch")
	}

	crashes, err := s.collectBlackboxArtifacts(job)
	return crashes, 1, err
}

// sandbox returns s.Sandbox, falling back to an unsandboxed direct runner
// for Sessions constructed without New (e.g. some tests).
func (s *Session) sandbox() process.SandboxRunner {
	if s.Sandbox == nil {
		return process.DirectRunner{}
	}
	return s.Sandbox
}

// collectBlackboxArtifacts scans ArtifactsDir for crash-* files, taking each
// one's crash-*.log as its stacktrace. stats-*.stats files and any other
// entries are ignored.
func (s *Session) collectBlackboxArtifacts(job *api.Job) ([]*api.Crash, error) {
	entries, err := os.ReadDir(s.ArtifactsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts dir: %w", err)
	}

	var crashes []*api.Crash
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") {
			continue
		}
		path := filepath.Join(s.ArtifactsDir, e.Name())
		logPath := path + ".log"
		logData, _ := os.ReadFile(logPath)
		info, err := e.Info()
		if err != nil {
			continue
		}
		crashes = append(crashes, &api.Crash{
			FilePath:               path,
			CrashTime:              info.ModTime(),
			UnsymbolizedStacktrace: string(logData),
		})
	}
	return crashes, nil
}

// doTwoStageBlackboxFuzzing implements spec.md §4.8 step 7's differential
// blackbox path: stage 1 generates testcases, stage 2 replays each through
// a bounded thread pool.
func (s *Session) doTwoStageBlackboxFuzzing(ctx context.Context, job *api.Job, f *api.Fuzzer) ([]*api.Crash, int, error) {
	generatorArgv := []string{
		filepath.Join(s.FuzzerDir, f.Name, filepath.Base(f.ExecutablePath)),
		"--testcase_dir", s.TestcaseDir,
	}
	genTimeout := time.Duration(s.Env.GetInt("FUZZ_TEST_TIMEOUT", 3600)) * time.Second / 4
	if _, err := s.sandbox().Run(ctx, process.Options{Argv: generatorArgv, Env: s.Env, Timeout: genTimeout}); err != nil {
		return nil, 0, fmt.Errorf("run stage-1 generator: %w", err)
	}

	testcases, err := os.ReadDir(s.TestcaseDir)
	if err != nil {
		return nil, 0, fmt.Errorf("list stage-1 testcases: %w", err)
	}

	threadTimeout := time.Duration(s.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second
	appPath := s.Env.GetOrDefault("APP_PATH", "")
	windowArg := s.Env.GetOrDefault("WINDOW_ARGUMENT", "")

	var tasks []process.Task
	for _, tc := range testcases {
		tcPath := filepath.Join(s.TestcaseDir, tc.Name())
		argv := []string{appPath}
		if windowArg != "" {
			argv = append(argv, windowArg)
		}
		argv = append(argv, tcPath)
		tasks = append(tasks, process.Task{
			ID:   tcPath,
			Opts: process.Options{Argv: argv, Env: s.Env, Timeout: threadTimeout},
		})
	}

	pool := process.NewPool(MaxFuzzThreads)
	outcomes := pool.RunAll(ctx, tasks, threadTimeout)
	process.TerminateHungThreads()

	var crashes []*api.Crash
	for _, o := range outcomes {
		if o.Err != nil || o.Result.ReturnCode == 0 {
			continue
		}
		crashes = append(crashes, &api.Crash{
			FilePath:               o.ID,
			CrashTime:              time.Now().UTC(),
			ReturnCode:             o.Result.ReturnCode,
			UnsymbolizedStacktrace: string(o.Result.Output),
		})
	}
	return crashes, len(testcases), nil
}

// processCrashes implements spec.md §4.10: group crashes by dedup key,
// find each group's main crash, decide create/update-variant/skip against
// the API's existing testcase, and schedule follow-up tasks for creates.
func (s *Session) processCrashes(ctx context.Context, job *api.Job, f *api.Fuzzer, crashes []*api.Crash) error {
	for _, c := range crashes {
		result := stackanalyzer.Analyze(c.UnsymbolizedStacktrace)
		c.CrashType = result.CrashType
		c.CrashAddress = result.CrashAddress
		c.CrashState = result.CrashState
		c.Frames = result.Frames
		c.SymbolizedStacktrace = result.SymbolizedStacktrace
	}

	groups := crash.GroupCrashes(crashes)
	reproducer := &sessionReproducer{s: s, job: job, f: f}

	for _, g := range groups {
		mainResult, err := crash.FindMainCrash(ctx, g, reproducer, s.ReproduceAttempts,
			s.StackBlacklist, s.FilterFunctionalBugs)
		if err != nil {
			return fmt.Errorf("find main crash for group %v: %w", g.Key, err)
		}
		if mainResult.Abandoned {
			continue
		}

		if err := s.archiveMainCrash(ctx, job, mainResult.Main); err != nil {
			return fmt.Errorf("archive main crash: %w", err)
		}

		existing, err := s.Client.FindTestcase(ctx, job.ID, g.Key.CrashType, g.Key.CrashState, g.Key.SecurityFlag)
		if err != nil {
			return fmt.Errorf("find existing testcase: %w", err)
		}

		decision := crash.Decide(existing, !mainResult.OneTimeCrasherFlag)
		switch decision {
		case crash.DecisionCreate:
			tc, err := s.createTestcase(ctx, job, f, mainResult)
			if err != nil {
				return fmt.Errorf("create testcase: %w", err)
			}
			projectJobs, err := s.Client.ListJobs(ctx, job.ProjectID)
			if err != nil {
				return fmt.Errorf("list project jobs for variant fan-out: %w", err)
			}
			isEngineJob := func(j *api.Job) bool { _, ok := s.Engines.Get(j.Platform); return ok }
			compatible := followup.CompatibleJobs(projectJobs, job, isEngineJob)
			if err := followup.ScheduleForNewTestcase(ctx, s.Client, tc, compatible); err != nil {
				return fmt.Errorf("schedule follow-up tasks: %w", err)
			}
		case crash.DecisionUpdateVariant:
			if err := s.Client.UpsertVariant(ctx, &api.TestcaseVariant{
				TestcaseID: existing.ID, JobID: job.ID, IsSimilar: true,
			}); err != nil {
				return fmt.Errorf("update testcase variant: %w", err)
			}
		case crash.DecisionSkip:
		}

		time.Sleep(crash.GroupSmoothingDelay)
	}
	return nil
}

func (s *Session) archiveMainCrash(ctx context.Context, job *api.Job, c *api.Crash) error {
	if c.IsArchived {
		return nil
	}
	files := map[string][]byte{}
	data, err := os.ReadFile(c.FilePath)
	if err != nil {
		return fmt.Errorf("read crash file %q: %w", c.FilePath, err)
	}
	files[filepath.Base(c.FilePath)] = data
	for _, rp := range c.ResourcePaths {
		rdata, err := os.ReadFile(rp)
		if err != nil {
			return fmt.Errorf("read crash resource %q: %w", rp, err)
		}
		files[filepath.Base(rp)] = rdata
	}
	key := fmt.Sprintf("%s/archived/%s.zip", job.ID, filepath.Base(c.FilePath))
	if err := s.Archiver.ArchiveCrash(ctx, s.BlobsBucket, key, files); err != nil {
		return err
	}
	c.IsArchived = true
	return nil
}

func (s *Session) createTestcase(ctx context.Context, job *api.Job, f *api.Fuzzer,
	result crash.MainCrashResult) (*api.Testcase, error) {

	c := result.Main
	tc := &api.Testcase{
		FuzzerID: f.ID, JobID: job.ID, Status: api.TestcaseStatusProcessed,
		AbsolutePath: c.FilePath, OneTimeCrasherFlag: result.OneTimeCrasherFlag,
		Gestures: c.Gestures, Timestamp: c.CrashTime,
		CrashType: c.CrashType, CrashAddress: c.CrashAddress, CrashState: c.CrashState,
		CrashStacktrace: c.SymbolizedStacktrace, SecurityFlag: c.SecurityFlag,
		AdditionalMetadata: map[string]any{
			"fuzzer_binary_name": f.Name,
		},
	}
	if err := crash.ValidateAdditionalMetadata(tc.AdditionalMetadata); err != nil {
		return nil, fmt.Errorf("create testcase: %w", err)
	}
	id, err := s.Client.CreateTestcase(ctx, tc)
	if err != nil {
		return nil, err
	}
	tc.ID = id
	return tc, nil
}

// sessionReproducer adapts Session into crash.Reproducer by re-running the
// crash's testcase through the engine or raw binary the configured number
// of times.
type sessionReproducer struct {
	s   *Session
	job *api.Job
	f   *api.Fuzzer
}

func (r *sessionReproducer) TestForReproducibility(ctx context.Context, c *api.Crash, attempts int) (bool, error) {
	appPath := r.s.Env.GetOrDefault("APP_PATH", "")
	if appPath == "" {
		return false, nil
	}
	for i := 0; i < attempts; i++ {
		argv := append([]string{appPath}, c.FilePath)
		res, err := process.Run(ctx, process.Options{
			Argv: argv, Env: r.s.Env,
			Timeout: time.Duration(r.s.Env.GetInt("TEST_TIMEOUT", 60)) * time.Second,
		})
		if err != nil {
			return false, err
		}
		if res.ReturnCode != 0 && stackanalyzer.Analyze(string(res.Output)).CrashType != "" {
			return true, nil
		}
	}
	return false, nil
}
