package api

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// FakeClient is an in-memory Client used by task-handler and task-loop
// tests throughout this module, exercising orchestration logic against a
// small hand-rolled fake rather than a live server.
type FakeClient struct {
	mu sync.Mutex

	Tasks       []*Task
	Jobs        map[string]*Job
	Projects    map[string]*Project
	Fuzzers     map[string]*Fuzzer
	Testcases   map[string]*Testcase
	Variants    []*TestcaseVariant
	JobRuns     []*JobRun
	TestcaseRuns []*TestcaseRun
	Coverage    []*CoverageInformation
	BotConfig   []byte
	TimedOut    bool

	// Revisions backs ListRevisions, keyed by "jobID/buildType".
	Revisions map[string][]Revision

	// DenyTaskStatus, when set for a task ID, makes UpdateTaskStatus report
	// failure-to-acquire for that ID on every call while the entry is set,
	// simulating another bot already holding the single-writer lock.
	DenyTaskStatus map[string]bool

	nextTestcaseID int
}

// NewFakeClient constructs an empty FakeClient with initialized maps.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Jobs:      make(map[string]*Job),
		Projects:  make(map[string]*Project),
		Fuzzers:   make(map[string]*Fuzzer),
		Testcases: make(map[string]*Testcase),
	}
}

func (f *FakeClient) GetTask(ctx context.Context) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Tasks) == 0 {
		return nil, nil
	}
	t := f.Tasks[0]
	f.Tasks = f.Tasks[1:]
	return t, nil
}

func (f *FakeClient) AddTask(ctx context.Context, command, argument, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tasks = append(f.Tasks, &Task{
		ID: fmt.Sprintf("followup-%d", len(f.Tasks)+1), Command: command,
		Argument: argument, JobID: jobID, Status: TaskStatusQueued,
	})
	return nil
}

func (f *FakeClient) ExtendLease(ctx context.Context, taskID string) error { return nil }
func (f *FakeClient) ReleaseLease(ctx context.Context, taskID string) error { return nil }

func (f *FakeClient) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DenyTaskStatus[taskID] {
		return false, nil
	}
	return true, nil
}

func (f *FakeClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Jobs[jobID], nil
}

func (f *FakeClient) GetProject(ctx context.Context, projectID string) (*Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Projects[projectID], nil
}

func (f *FakeClient) ListJobs(ctx context.Context, projectID string) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []*Job
	for _, j := range f.Jobs {
		if j.ProjectID == projectID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (f *FakeClient) GetFuzzer(ctx context.Context, name string) (*Fuzzer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fuzzers[name], nil
}

func (f *FakeClient) GetBotConfig(ctx context.Context, botID string) ([]byte, error) {
	return f.BotConfig, nil
}

func (f *FakeClient) GetBot(ctx context.Context, name string) (string, error) {
	return "bot-" + name, nil
}

func (f *FakeClient) ListRevisions(ctx context.Context, jobID, buildType string) ([]Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Revisions[jobID+"/"+buildType], nil
}

func (f *FakeClient) FindTestcase(ctx context.Context, jobID, crashType, crashState string, securityFlag bool) (*Testcase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tc := range f.Testcases {
		if tc.JobID == jobID && tc.CrashType == crashType && tc.CrashState == crashState &&
			tc.SecurityFlag == securityFlag {
			return tc, nil
		}
	}
	return nil, nil
}

func (f *FakeClient) CreateTestcase(ctx context.Context, tc *Testcase) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTestcaseID++
	id := strconv.Itoa(f.nextTestcaseID)
	cp := *tc
	cp.ID = id
	f.Testcases[id] = &cp
	return id, nil
}

func (f *FakeClient) UpdateTestcase(ctx context.Context, tc *Testcase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tc
	f.Testcases[tc.ID] = &cp
	return nil
}

func (f *FakeClient) GetTestcase(ctx context.Context, id string) (*Testcase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Testcases[id], nil
}

func (f *FakeClient) UpsertVariant(ctx context.Context, v *TestcaseVariant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Variants = append(f.Variants, v)
	return nil
}

func (f *FakeClient) SubmitJobRun(ctx context.Context, jr *JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JobRuns = append(f.JobRuns, jr)
	return nil
}

func (f *FakeClient) SubmitTestcaseRun(ctx context.Context, tr *TestcaseRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TestcaseRuns = append(f.TestcaseRuns, tr)
	return nil
}

func (f *FakeClient) SubmitCoverageInformation(ctx context.Context, ci *CoverageInformation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Coverage = append(f.Coverage, ci)
	return nil
}

func (f *FakeClient) BotRunTimedOut(ctx context.Context, botID string) (bool, error) {
	return f.TimedOut, nil
}

func (f *FakeClient) EndTask(ctx context.Context, taskID string) error { return nil }
