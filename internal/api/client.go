package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pingubot/pingubot/internal/boterrors"
)

// Client is the control-plane surface the worker depends on. It is an
// interface (rather than a concrete struct) so task handlers and the task
// loop can be tested against a fake without standing up an HTTP server.
type Client interface {
	GetTask(ctx context.Context) (*Task, error)
	AddTask(ctx context.Context, command, argument, jobID string) error
	ExtendLease(ctx context.Context, taskID string) error
	ReleaseLease(ctx context.Context, taskID string) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) (bool, error)

	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)

	// ListJobs returns every job configured under projectID, the raw
	// material for followup.CompatibleJobs' variant-task fan-out.
	ListJobs(ctx context.Context, projectID string) ([]*Job, error)
	GetFuzzer(ctx context.Context, name string) (*Fuzzer, error)
	GetBotConfig(ctx context.Context, botID string) ([]byte, error)
	GetBot(ctx context.Context, name string) (string, error)

	// ListRevisions returns the ordered release-build revision list jobID's
	// buildType walks, the raw material for revisions.NewList. The control
	// plane is the source of truth for which revisions were ever built and
	// archived; the bot has no independent way to enumerate them.
	ListRevisions(ctx context.Context, jobID, buildType string) ([]Revision, error)

	FindTestcase(ctx context.Context, jobID, crashType, crashState string, securityFlag bool) (*Testcase, error)
	CreateTestcase(ctx context.Context, tc *Testcase) (string, error)
	UpdateTestcase(ctx context.Context, tc *Testcase) error
	GetTestcase(ctx context.Context, id string) (*Testcase, error)

	UpsertVariant(ctx context.Context, v *TestcaseVariant) error

	SubmitJobRun(ctx context.Context, jr *JobRun) error
	SubmitTestcaseRun(ctx context.Context, tr *TestcaseRun) error
	SubmitCoverageInformation(ctx context.Context, ci *CoverageInformation) error

	BotRunTimedOut(ctx context.Context, botID string) (bool, error)
	EndTask(ctx context.Context, taskID string) error
}

// HTTPClient is the concrete, JSON-over-HTTP implementation of Client. A
// plain net/http client is the right tool here (not an ecosystem REST
// client such as go-resty): the surface is a handful of small,
// independently-shaped JSON endpoints with no need for retries-as-a-
// middleware, request signing, or response-templating, so the stdlib
// client plus small per-call wrappers stays simpler than adopting a
// framework for it.
type HTTPClient struct {
	BaseURL    string
	HTTP       *http.Client
	AuthToken  string
}

// NewHTTPClient constructs an HTTPClient pointed at baseURL with a 30s
// per-request timeout, matching the bounded round-trips spec.md §5 assumes.
func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		BaseURL:   baseURL,
		AuthToken: authToken,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	u, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return fmt.Errorf("build request url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &boterrors.APIError{Op: path, Err: err}
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &boterrors.APIError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &boterrors.APIError{Op: path,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &boterrors.APIError{Op: path, Err: err}
	}
	return nil
}

func (c *HTTPClient) GetTask(ctx context.Context) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/task", nil, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, nil
	}
	return &t, nil
}

func (c *HTTPClient) AddTask(ctx context.Context, command, argument, jobID string) error {
	body := struct {
		Command  string `json:"command"`
		Argument string `json:"argument"`
		JobID    string `json:"job_id"`
	}{Command: command, Argument: argument, JobID: jobID}
	return c.do(ctx, http.MethodPost, "/task", body, nil)
}

func (c *HTTPClient) ExtendLease(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/task/"+taskID+"/lease/extend", nil, nil)
}

func (c *HTTPClient) ReleaseLease(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/task/"+taskID+"/lease/release", nil, nil)
}

func (c *HTTPClient) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) (bool, error) {
	var result struct {
		OK bool `json:"ok"`
	}
	body := struct {
		Status TaskStatus `json:"status"`
	}{Status: status}
	if err := c.do(ctx, http.MethodPost, "/task/"+taskID+"/status", body, &result); err != nil {
		return false, err
	}
	return result.OK, nil
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	if err := c.do(ctx, http.MethodGet, "/job/"+jobID, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *HTTPClient) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodGet, "/project/"+projectID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *HTTPClient) ListJobs(ctx context.Context, projectID string) ([]*Job, error) {
	var jobs []*Job
	path := "/project/" + url.PathEscape(projectID) + "/jobs"
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *HTTPClient) GetFuzzer(ctx context.Context, name string) (*Fuzzer, error) {
	var f Fuzzer
	if err := c.do(ctx, http.MethodGet, "/fuzzer/"+name, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *HTTPClient) GetBotConfig(ctx context.Context, botID string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/bot-config/"+botID, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPClient) GetBot(ctx context.Context, name string) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/bot/"+name, nil, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *HTTPClient) FindTestcase(ctx context.Context, jobID, crashType, crashState string, securityFlag bool) (*Testcase, error) {
	path := fmt.Sprintf("/testcase/find?job_id=%s&crash_type=%s&crash_state=%s&security_flag=%t",
		url.QueryEscape(jobID), url.QueryEscape(crashType), url.QueryEscape(crashState), securityFlag)
	var tc Testcase
	if err := c.do(ctx, http.MethodGet, path, nil, &tc); err != nil {
		return nil, err
	}
	if tc.ID == "" {
		return nil, nil
	}
	return &tc, nil
}

func (c *HTTPClient) CreateTestcase(ctx context.Context, tc *Testcase) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/testcase", tc, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *HTTPClient) UpdateTestcase(ctx context.Context, tc *Testcase) error {
	return c.do(ctx, http.MethodPut, "/testcase/"+tc.ID, tc, nil)
}

func (c *HTTPClient) GetTestcase(ctx context.Context, id string) (*Testcase, error) {
	var tc Testcase
	if err := c.do(ctx, http.MethodGet, "/testcase/"+id, nil, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (c *HTTPClient) UpsertVariant(ctx context.Context, v *TestcaseVariant) error {
	return c.do(ctx, http.MethodPost, "/testcase/"+v.TestcaseID+"/variant", v, nil)
}

func (c *HTTPClient) SubmitJobRun(ctx context.Context, jr *JobRun) error {
	return c.do(ctx, http.MethodPost, "/stats/job-run", jr, nil)
}

func (c *HTTPClient) SubmitTestcaseRun(ctx context.Context, tr *TestcaseRun) error {
	return c.do(ctx, http.MethodPost, "/stats/testcase-run", tr, nil)
}

func (c *HTTPClient) SubmitCoverageInformation(ctx context.Context, ci *CoverageInformation) error {
	return c.do(ctx, http.MethodPost, "/stats/coverage", ci, nil)
}

func (c *HTTPClient) BotRunTimedOut(ctx context.Context, botID string) (bool, error) {
	var result struct {
		TimedOut bool `json:"timed_out"`
	}
	if err := c.do(ctx, http.MethodGet, "/bot/"+botID+"/run-timed-out", nil, &result); err != nil {
		return false, err
	}
	return result.TimedOut, nil
}

func (c *HTTPClient) EndTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/task/"+taskID+"/end", nil, nil)
}

func (c *HTTPClient) ListRevisions(ctx context.Context, jobID, buildType string) ([]Revision, error) {
	path := fmt.Sprintf("/job/%s/revisions?build_type=%s", url.PathEscape(jobID), url.QueryEscape(buildType))
	var revs []Revision
	if err := c.do(ctx, http.MethodGet, path, nil, &revs); err != nil {
		return nil, err
	}
	return revs, nil
}
