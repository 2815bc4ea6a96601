// Package github reports and resolves bug-tracker issues for crashes,
// operating on api.Testcase/Crash records and handing back an
// api.BugReport for the control plane rather than managing issue state
// itself.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"

	"github.com/pingubot/pingubot/internal/api"
)

// Tracker files, looks up, and closes bug reports in a single GitHub
// repository, one per project (spec.md's "bug tracker integration").
type Tracker struct {
	ctx    context.Context
	logger *slog.Logger
	client *github.Client
	owner  string
	repo   string
}

// New constructs a Tracker for repoURL, which carries the access token as
// its userinfo password component (e.g. "https://x-access-token:TOKEN@
// github.com/owner/repo").
func New(ctx context.Context, logger *slog.Logger, repoURL string) (*Tracker, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bug tracker repository url: %w", err)
	}

	owner, repo, err := extractOwnerRepo(u)
	if err != nil {
		return nil, err
	}

	token := extractToken(u)
	if token == "" {
		return nil, fmt.Errorf("authentication token not provided in repository url: %s", repoURL)
	}

	return &Tracker{
		ctx:    ctx,
		logger: logger,
		client: newClient(ctx, token),
		owner:  owner,
		repo:   repo,
	}, nil
}

func extractToken(u *url.URL) string {
	if u.User != nil {
		if pwd, ok := u.User.Password(); ok {
			return pwd
		}
	}
	return ""
}

func extractOwnerRepo(u *url.URL) (string, string, error) {
	parts := strings.Split(strings.TrimSuffix(u.Path, ".git"), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("invalid repository path %q", u.Path)
	}
	return parts[1], parts[2], nil
}

func newClient(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

func issueTitle(crashType, crashState string) string {
	return fmt.Sprintf("[%s] %s", crashType, crashState)
}

func (t *Tracker) listOpenIssues(title string) ([]*github.Issue, error) {
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open "%s"`, t.owner, t.repo, title)
	results, _, err := t.client.Search.Issues(t.ctx, query, &github.SearchOptions{})
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	return results.Issues, nil
}

// FileBugReport opens a new issue for tc's crash signature unless one with
// the same title is already open, returning the resulting api.BugReport.
// A nil return with no error means a matching issue already existed.
func (t *Tracker) FileBugReport(tc *api.Testcase, body string) (*api.BugReport, error) {
	title := issueTitle(tc.CrashType, tc.CrashState)

	existing, err := t.listOpenIssues(title)
	if err != nil {
		return nil, fmt.Errorf("checking existing issues: %w", err)
	}
	if len(existing) > 0 {
		t.logger.Info("crash already reported", "title", title, "url", existing[0].GetHTMLURL())
		return nil, nil
	}

	req := &github.IssueRequest{Title: &title, Body: &body}
	issue, _, err := t.client.Issues.Create(t.ctx, t.owner, t.repo, req)
	if err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}

	return &api.BugReport{
		Provider:    "github",
		Owner:       t.owner,
		Repo:        t.repo,
		IssueNumber: issue.GetNumber(),
		URL:         issue.GetHTMLURL(),
	}, nil
}

// FormatBugInformation encodes report into the compact string stored in
// api.Testcase.BugInformation, so a later task (e.g. progression) can
// recover enough to call CloseIfResolved without the control plane having
// to model bug-tracker fields itself.
func FormatBugInformation(report *api.BugReport) string {
	return fmt.Sprintf("%s/%s/%s#%d", report.Provider, report.Owner, report.Repo, report.IssueNumber)
}

// ParseBugInformation decodes a string written by FormatBugInformation.
func ParseBugInformation(s string) (*api.BugReport, error) {
	provider, rest, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("malformed bug information %q", s)
	}
	owner, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("malformed bug information %q", s)
	}
	repo, numStr, ok := strings.Cut(rest, "#")
	if !ok {
		return nil, fmt.Errorf("malformed bug information %q", s)
	}
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return nil, fmt.Errorf("malformed bug information %q: %w", s, err)
	}
	return &api.BugReport{Provider: provider, Owner: owner, Repo: repo, IssueNumber: num}, nil
}

// CloseIfResolved closes report's issue with a standard comment, used when
// a testcase's progression (fixed) range shows the crash no longer reproduces.
func (t *Tracker) CloseIfResolved(report *api.BugReport) error {
	comment := &github.IssueComment{
		Body: github.Ptr("Crash no longer reproducible; closing automatically."),
	}
	if _, _, err := t.client.Issues.CreateComment(t.ctx, t.owner, t.repo, report.IssueNumber, comment); err != nil {
		return fmt.Errorf("commenting on issue %d: %w", report.IssueNumber, err)
	}

	req := &github.IssueRequest{State: github.Ptr("closed")}
	if _, _, err := t.client.Issues.Edit(t.ctx, t.owner, t.repo, report.IssueNumber, req); err != nil {
		return fmt.Errorf("closing issue %d: %w", report.IssueNumber, err)
	}
	return nil
}
