// Package api defines the data model and control-plane client contract the
// rest of the worker talks to: tasks, jobs, projects, fuzzers, fuzz
// targets, testcases, crashes, and the follow-up bookkeeping types derived
// from them.
package api

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusStarted   TaskStatus = "STARTED"
	TaskStatusFinished  TaskStatus = "FINISHED"
	TaskStatusError     TaskStatus = "ERROR"
	TaskStatusNA        TaskStatus = "NA"
)

// Task is one unit of work handed to a worker by the control plane.
type Task struct {
	ID        string
	Command   string
	Argument  string
	JobID     string
	Status    TaskStatus
	LeasedBy  string
	LeasedAt  time.Time
	LeaseEnds time.Time
}

// Job groups a fuzz target configuration under a project, carrying the
// per-job environment overlay and engine selection.
type Job struct {
	ID                string
	Name              string
	ProjectID         string
	Platform          string
	CPUArch           string
	EnvironmentString string
	Experimental      bool
	// BuildType selects which build track bisection walks (e.g. "release").
	BuildType string
	// AppRelPath is this job's compiled binary's path relative to its
	// project's repository root, used by build.Fetcher to locate it inside
	// each revision checkout.
	AppRelPath string
}

// Project is the top-level grouping of jobs sharing a source repository and
// a corpus/storage namespace.
type Project struct {
	ID         string
	Name       string
	RepoURL    string
	YAML       string
	BucketName string

	// BugTrackerURL is the project's authenticated GitHub repository URL.
	// The worker writes it to the project config file; bug filing does not
	// read it.
	BugTrackerURL string
}

// Fuzzer describes a fuzzing program and, for builtin engines, the engine
// name the session should dispatch to.
type Fuzzer struct {
	ID              string
	Name            string
	Filename        string
	BlobstorePath   string
	ExecutablePath  string
	LauncherScript  string
	InstallScript   string
	Timeout         time.Duration
	MaxTestcases    int
	Revision        int
	Builtin         bool
	Differential    bool
	HasLargeTestcases bool
	DataBundleName  string
}

// FuzzTarget is one discovered fuzzing entry point within a job's build.
type FuzzTarget struct {
	ID       string
	JobID    string
	Binary   string
	Engine   string
}

// CorpusKind distinguishes the storage namespaces a FuzzTargetCorpus binds.
type CorpusKind string

const (
	CorpusKindRegular    CorpusKind = "regular"
	CorpusKindQuarantine CorpusKind = "quarantine"
	CorpusKindShared     CorpusKind = "shared"
)

// ArchiveState is a bitmask of which stored representations of a testcase
// are zip archives. The minimized key is only used when its bit is set.
type ArchiveState int

const (
	ArchiveStateFuzzed    ArchiveState = 1 << 0
	ArchiveStateMinimized ArchiveState = 1 << 1
)

// TestcaseStatus mirrors the processed/unreproducible/duplicate states a
// Testcase can settle into.
type TestcaseStatus string

const (
	TestcaseStatusProcessed       TestcaseStatus = "processed"
	TestcaseStatusUnreproducible  TestcaseStatus = "unreproducible"
	TestcaseStatusDuplicate       TestcaseStatus = "duplicate"
	TestcaseStatusInvalid         TestcaseStatus = "invalid"
)

// Testcase is the durable record of one crashing (or user-uploaded) input.
type Testcase struct {
	ID                  string
	FuzzerID             string
	JobID                string
	Status               TestcaseStatus
	AbsolutePath         string
	ArchiveState         ArchiveState
	FuzzedKeys           string
	MinimizedKeys        string
	MinimizedArguments   string
	OneTimeCrasherFlag   bool
	TimeoutMultiplier    float64
	Redzone              int
	Gestures             []string
	Timestamp            time.Time
	Regression           string
	Fixed                string
	BugInformation       string
	AdditionalMetadata   map[string]any

	CrashType      string
	CrashAddress   string
	CrashState     string
	CrashStacktrace string
	SecurityFlag   bool
	SecuritySeverity string
	CrashRevision  int
}

// Crash is one observed crashing execution, prior to becoming (or being
// folded into) a Testcase.
type Crash struct {
	FilePath            string
	CrashTime           time.Time
	ReturnCode           int
	ResourcePaths        []string
	Gestures             []string
	UnsymbolizedStacktrace string

	CrashType       string
	CrashAddress    string
	CrashState      string
	Frames          []string
	SymbolizedStacktrace string
	SecurityFlag    bool

	Valid                bool
	IsArchived           bool
}

// TestcaseVariant records how a testcase behaves under a different,
// compatible job.
type TestcaseVariant struct {
	TestcaseID string
	JobID      string
	Status     TestcaseStatus
	Revision   int
	IsSimilar  bool
}

// JobRun is one session's worth of stats for a fuzz task.
type JobRun struct {
	JobID        string
	FuzzerName   string
	Timestamp    time.Time
	TestcasesRun int
	NewCrashes   int
	UniqueCrashes int
}

// TestcaseRun is one round's worth of stats inside a fuzzing session.
type TestcaseRun struct {
	JobID      string
	FuzzerName string
	Timestamp  time.Time
	ReturnCode int
	Command    string
	LogTime    time.Time
}

// BugReport is the bug-tracker-side record created for a testcase.
type BugReport struct {
	Provider    string
	Owner       string
	Repo        string
	IssueNumber int
	URL         string
}

// Revision is one entry in a project's release-build revision list, as
// reported by the control plane. It mirrors revisions.Revision's shape;
// callers feed a slice of these to revisions.NewList.
type Revision struct {
	Number int
	Label  string
}

// CoverageInformation is one day's corpus-pruning coverage snapshot for a
// fuzzer.
type CoverageInformation struct {
	FuzzerName          string
	Date                time.Time
	CorpusSizeUnits      int
	CorpusSizeBytes      int64
	QuarantineSizeUnits  int
	QuarantineSizeBytes  int64
}
