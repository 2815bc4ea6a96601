// Command pingubot is the worker bot binary: it loads configuration, wires
// every internal collaborator, and runs the supervisor loop until it is
// told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	flags "github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/config"
	"github.com/pingubot/pingubot/internal/container"
	"github.com/pingubot/pingubot/internal/crash"
	"github.com/pingubot/pingubot/internal/dispatcher"
	"github.com/pingubot/pingubot/internal/engine"
	"github.com/pingubot/pingubot/internal/engine/gofuzz"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/fuzzer"
	"github.com/pingubot/pingubot/internal/github"
	"github.com/pingubot/pingubot/internal/heartbeat"
	"github.com/pingubot/pingubot/internal/metrics"
	"github.com/pingubot/pingubot/internal/process"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/session"
	"github.com/pingubot/pingubot/internal/stats"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/pingubot/pingubot/internal/supervisor"
	"github.com/pingubot/pingubot/internal/tasks/analyze"
	"github.com/pingubot/pingubot/internal/tasks/bisect"
	"github.com/pingubot/pingubot/internal/tasks/corpuspruning"
	"github.com/pingubot/pingubot/internal/tasks/impact"
	"github.com/pingubot/pingubot/internal/tasks/minimize"
	"github.com/pingubot/pingubot/internal/tasks/symbolize"
	"github.com/pingubot/pingubot/internal/tasks/unpack"
	"github.com/pingubot/pingubot/internal/tasks/uploadreports"
	"github.com/pingubot/pingubot/internal/tasks/variant"
	"github.com/pingubot/pingubot/internal/testcase"
	"github.com/pingubot/pingubot/internal/worker"
)

// LogFilename is the rotating worker log heartbeat liveness checks watch.
const LogFilename = "pingubot.log"

// MetricsAddr is the listen address for the Prometheus scrape endpoint.
const MetricsAddr = "127.0.0.1:9191"

func main() {
	os.Exit(run())
}

// run sets up signal handling for graceful shutdown, loads configuration,
// and starts the bot's supervisor loop.
func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.WorkDir, LogFilename),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     28,
		Compress:   true,
	}
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	logger := slog.New(slog.NewTextHandler(multiWriter, nil))

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	// If output is piped to another program and then a SIGINT is sent to
	// the process group, we will receive a SIGPIPE when the other program
	// closes the pipe. In that case, we want the SIGINT handler below to
	// clean things up rather than terminating immediately.
	signal.Ignore(syscall.SIGPIPE)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received interrupt signal; shutting down gracefully")
		cancelApp()
	}()

	if err := runBot(appCtx, logger, cfg, logFile.Filename); err != nil {
		logger.Error("bot exited with an error", "error", err)
		return 1
	}

	logger.Info("bot exited cleanly")
	return 0
}

// runBot wires every collaborator the supervisor loop needs and runs it
// until ctx is cancelled.
func runBot(ctx context.Context, logger *slog.Logger, cfg *config.Config, workerLogPath string) error {
	client := api.NewHTTPClient(cfg.API.BaseURL, cfg.API.AuthToken)

	awsCfg, err := storage.LoadDefaultAWSConfig(ctx)
	if err != nil {
		return fmt.Errorf("load storage credentials: %w", err)
	}
	awsCfg.Region = cfg.Storage.Region
	if cfg.Storage.Endpoint != "" {
		awsCfg.BaseEndpoint = &cfg.Storage.Endpoint
	}
	store := storage.NewS3Store(awsCfg, logger)
	blobs := storage.NewBlobStore(store)

	e := env.New()

	buildsDir := filepath.Join(cfg.WorkDir, "builds")
	fuzzerDir := filepath.Join(cfg.WorkDir, "fuzzers")
	dataBundleDir := filepath.Join(cfg.WorkDir, "data-bundles")
	inputsDir := filepath.Join(cfg.WorkDir, "inputs")
	testcaseDir := filepath.Join(cfg.WorkDir, "testcases")
	artifactsDir := filepath.Join(cfg.WorkDir, "artifacts")
	reportsDir := filepath.Join(cfg.WorkDir, "reports")

	builds := newBuildFetcherCache(buildsDir, client)

	engines := engine.NewRegistry()
	engines.Register(gofuzz.New())

	fz := fuzzer.NewSetup(store, fuzzerDir, dataBundleDir)
	mat := testcase.New(store, inputsDir)
	archiver := crash.NewArchiver(store)
	sink := stats.NewSink(store, cfg.Storage.StatsBucket)

	m := metrics.New(cfg.Bot.Name)
	go func() {
		if err := m.Serve(ctx, MetricsAddr); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	var sandbox process.SandboxRunner = process.DirectRunner{}
	if cfg.Bot.InCluster {
		clientset, err := inClusterClientset()
		if err != nil {
			return fmt.Errorf("create kubernetes client: %w", err)
		}
		sandbox = &container.K8sSandbox{
			Clientset: clientset, Logger: logger, Namespace: cfg.Bot.NameSpace,
			PVCClaim: cfg.Bot.Name + "-workspace",
		}
	} else if dockerCli, dockerErr := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()); dockerErr == nil {
		sandbox = &container.DockerSandbox{Runner: container.NewRunner(dockerCli, logger)}
	} else {
		logger.Warn("docker unavailable; blackbox fuzzing will run unsandboxed", "error", dockerErr)
	}

	var bugs *github.Tracker
	if cfg.BugTrackerURL != "" {
		bugs, err = github.New(ctx, logger, cfg.BugTrackerURL)
		if err != nil {
			return fmt.Errorf("create bug tracker: %w", err)
		}
	}

	sess := session.New(client, store, e, fz, nil, engines, sink, archiver, logger, time.Now().UnixNano())
	sess.BlobsBucket = "blobs"
	sess.FuzzerDir = fuzzerDir
	sess.InputsDir = inputsDir
	sess.TestcaseDir = testcaseDir
	sess.ArtifactsDir = artifactsDir
	sess.BotName = cfg.Bot.Name
	sess.Sandbox = sandbox

	d := dispatcher.New(client)

	d.Register("fuzz", func(ctx context.Context, task *api.Task, job *api.Job) error {
		f, err := client.GetFuzzer(ctx, task.Argument)
		if err != nil {
			return fmt.Errorf("resolve fuzzer %q: %w", task.Argument, err)
		}
		var bundles []fuzzer.DataBundle
		if f != nil && f.DataBundleName != "" {
			bundles = append(bundles, fuzzer.DataBundle{Name: f.DataBundleName})
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		// The worker's task loop runs one task at a time, so swapping the
		// shared Session's Fetcher before each run is safe.
		sess.Builds = bf
		return sess.Run(ctx, job, task.Argument, bundles)
	})

	d.Register("analyze", func(ctx context.Context, task *api.Task, job *api.Job) error {
		revs, err := loadRevisions(ctx, client, job)
		if err != nil {
			return err
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		h := &analyze.Handler{
			Client: client, Env: e, Materializer: mat, Builds: bf,
			Revisions: revs, Engines: engines, Logger: logger, Bugs: bugs,
		}
		return h.Run(ctx, job, task.Argument)
	})

	d.Register("minimize", func(ctx context.Context, task *api.Task, job *api.Job) error {
		revs, err := loadRevisions(ctx, client, job)
		if err != nil {
			return err
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		h := &minimize.Handler{
			Client: client, Env: e, Materializer: mat, Builds: bf,
			Revisions: revs, Logger: logger,
		}
		return h.Run(ctx, job, task.Argument)
	})

	d.Register("symbolize", func(ctx context.Context, task *api.Task, job *api.Job) error {
		revs, err := loadRevisions(ctx, client, job)
		if err != nil {
			return err
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		h := &symbolize.Handler{
			Client: client, Env: e, Builds: bf, Revisions: revs, Logger: logger,
		}
		return h.Run(ctx, job, task.Argument)
	})

	d.Register("impact", func(ctx context.Context, task *api.Task, job *api.Job) error {
		revs, err := loadRevisions(ctx, client, job)
		if err != nil {
			return err
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		h := &impact.Handler{
			Client: client, Env: e, Materializer: mat, Builds: bf,
			Revisions: revs, Logger: logger,
		}
		return h.Run(ctx, job, task.Argument)
	})

	d.Register("variant", func(ctx context.Context, task *api.Task, job *api.Job) error {
		revs, err := loadRevisions(ctx, client, job)
		if err != nil {
			return err
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		h := &variant.Handler{
			Client: client, Env: e, Materializer: mat, Builds: bf,
			Revisions: revs, Logger: logger,
		}
		return h.Run(ctx, job, task.Argument)
	})

	d.Register("unpack", func(ctx context.Context, task *api.Task, job *api.Job) error {
		h := &unpack.Handler{Client: client, Env: e, Materializer: mat, Logger: logger}
		return h.Run(ctx, job, task.Argument)
	})

	d.Register("upload_reports", func(ctx context.Context, task *api.Task, job *api.Job) error {
		h := &uploadreports.Handler{Stats: sink, ReportsDir: reportsDir, Logger: logger}
		return h.Run(ctx)
	})

	for _, cmd := range []string{"regression", "progression"} {
		kind := bisect.Regression
		if cmd == "progression" {
			kind = bisect.Progression
		}
		d.Register(cmd, func(ctx context.Context, task *api.Task, job *api.Job) error {
			revs, err := loadRevisions(ctx, client, job)
			if err != nil {
				return err
			}
			bf, err := builds.get(ctx, job)
			if err != nil {
				return err
			}
			h := &bisect.Handler{
				Client: client, Env: e, Builds: bf, Revisions: revs,
				Logger: logger, Kind: kind, Bugs: bugs,
			}
			return h.Run(ctx, job, task.Argument)
		})
	}

	d.Register("corpus_pruning", func(ctx context.Context, task *api.Task, job *api.Job) error {
		f, err := client.GetFuzzer(ctx, task.Argument)
		if err != nil {
			return fmt.Errorf("resolve fuzzer %q: %w", task.Argument, err)
		}
		if f == nil {
			return fmt.Errorf("corpus_pruning: unknown fuzzer %q", task.Argument)
		}

		revs, err := loadRevisions(ctx, client, job)
		if err != nil {
			return err
		}
		bf, err := builds.get(ctx, job)
		if err != nil {
			return err
		}
		b, err := bf.Fetch(ctx, job.ID, revs.At(revs.Len()-1).Label)
		if err != nil {
			return fmt.Errorf("fetch build for corpus pruning: %w", err)
		}

		targetDir := filepath.Join(cfg.WorkDir, "corpus-pruning", f.Name)
		h := &corpuspruning.Handler{
			Client: client, Store: store, Stats: sink, Archiver: archiver,
			Blobs: blobs, Logger: logger, Metrics: m,
			AppPath:        b.AppPath,
			CorpusDir:      filepath.Join(targetDir, "corpus"),
			QuarantineDir:  filepath.Join(targetDir, "quarantine"),
			SharedDir:      filepath.Join(targetDir, "shared"),
			ReproducersDir: filepath.Join(targetDir, "reproducers"),
			BlobsBucket:    "blobs",
		}
		eng, err := engines.MustGet(job.Platform)
		if err != nil {
			eng, err = engines.MustGet(gofuzz.EngineName)
			if err != nil {
				return err
			}
		}
		h.Engine = eng
		return h.Run(ctx, job, f, job.ProjectID)
	})

	l := worker.New(client, d, e, logger, cfg, m)

	monitor := heartbeat.New(client, logger, cfg.Bot.Name, workerLogPath, cfg.WorkDir)
	monitor.CurrentTaskID = func() string { return e.GetOrDefault("TASK_ID", "") }
	monitor.TaskEndTime = func() (time.Time, bool) {
		raw, ok := e.Get("TASK_LEASE_ENDS")
		if !ok || raw == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	sup := supervisor.New(client, logger, cfg, monitor, l.Run)
	return sup.Run(ctx)
}

// loadRevisions fetches job's ordered release-build revision list from the
// control plane and wraps it as a revisions.List.
func loadRevisions(ctx context.Context, client api.Client, job *api.Job) (*revisions.List, error) {
	raw, err := client.ListRevisions(ctx, job.ID, job.BuildType)
	if err != nil {
		return nil, fmt.Errorf("list revisions for job %s: %w", job.ID, err)
	}
	revs := make([]revisions.Revision, len(raw))
	for i, r := range raw {
		revs[i] = revisions.Revision{Number: r.Number, Label: r.Label}
	}
	return revisions.NewList(revs), nil
}

// inClusterClientset builds a Kubernetes clientset from the pod's
// in-cluster service account, for bots deployed as cluster pods
// (cfg.Bot.InCluster).
func inClusterClientset() (*kubernetes.Clientset, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("load in-cluster config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// buildFetcherCache lazily constructs one build.Fetcher per job ID, since
// a Fetcher's repository URL and binary path are fixed at construction but
// a single bot process can serve jobs from more than one project over its
// lifetime.
type buildFetcherCache struct {
	mu     sync.Mutex
	root   string
	client api.Client
	byJob  map[string]*build.Fetcher
}

func newBuildFetcherCache(root string, client api.Client) *buildFetcherCache {
	return &buildFetcherCache{root: root, client: client, byJob: make(map[string]*build.Fetcher)}
}

// get returns the Fetcher for job, creating one the first time job.ID is
// seen by resolving its project's repository URL.
func (c *buildFetcherCache) get(ctx context.Context, job *api.Job) (*build.Fetcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.byJob[job.ID]; ok {
		return f, nil
	}

	project, err := c.client.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s for build fetcher: %w", job.ProjectID, err)
	}
	if project == nil {
		return nil, fmt.Errorf("build fetcher: unknown project %s", job.ProjectID)
	}

	f, err := build.NewFetcher(filepath.Join(c.root, job.ID), project.RepoURL, job.AppRelPath, 0)
	if err != nil {
		return nil, fmt.Errorf("create build fetcher for job %s: %w", job.ID, err)
	}
	c.byJob[job.ID] = f
	return f, nil
}
