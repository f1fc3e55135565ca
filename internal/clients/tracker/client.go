// Package tracker wraps the git-resident file-based issue tracker: a CLI
// binary for both reads and mutations, plus direct appends to its
// JSON-lines journal for writes. External process invocation uses
// exec.CommandContext with captured stdout/stderr.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

const component = "clients.tracker"

// Issue is one row in the tracker's JSONL journal / CLI output.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	Labels      []string  `json:"labels"`
	ParentID    string    `json:"parent_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Client wraps one repo-local tracker instance: its journal path and its
// CLI binary.
type Client struct {
	binary      string // path to the tracker CLI, e.g. "bd"
	repoRoot    string
	journalPath string
}

// New creates a tracker Client for a repo checked out at repoRoot. The
// journal is expected at <repoRoot>/.tracker/issues.jsonl, one per-repo
// checkout.
func New(binary, repoRoot string) *Client {
	return &Client{
		binary:      binary,
		repoRoot:    repoRoot,
		journalPath: filepath.Join(repoRoot, ".tracker", "issues.jsonl"),
	}
}

// checkReadable performs a process-local check that path can be stat'ed,
// returning a descriptive Permanent error when it cannot rather than
// failing silently. ListIssues and AppendIssue call it first; the CLI-only
// operations (CreateIssue, UpdateStatus, UpdateFields, LabelAdd) do not.
func (c *Client) checkReadable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "checkReadable", Identifier: path},
			fmt.Errorf("tracker journal unreadable, check repo permissions: %w", err))
	}
	return nil
}

// ListIssues reads every issue currently known to the tracker via the
// CLI's `list --json --limit 0 --all` surface, which reflects the CLI's
// own database rather than the journal file directly. A "database out of
// sync with journal" failure triggers one `sync --import-only` reconcile
// and a retry; a "prefix mismatch" failure triggers `sync --import-only
// --rename-on-import` and a retry. If the retried read still fails, this
// falls back to `--allow-stale` rather than erroring the caller outright.
func (c *Client) ListIssues(ctx context.Context) ([]Issue, error) {
	if err := c.checkReadable(c.journalPath); err != nil {
		return nil, err
	}

	issues, err := c.listCLI(ctx, false)
	if err == nil {
		return issues, nil
	}
	if !isOutOfSyncError(err) && !isPrefixMismatchError(err) {
		return nil, err
	}

	// One automatic reconcile attempt. Its own failure doesn't short-circuit
	// the caller: the retried read below still gets a chance (the CLI may
	// already have been consistent), and the --allow-stale fallback after
	// that is the actual last resort.
	if isPrefixMismatchError(err) {
		_ = c.runCLI(ctx, "sync", "--import-only", "--rename-on-import")
	} else {
		_ = c.runCLI(ctx, "sync", "--import-only")
	}

	if retried, retryErr := c.listCLI(ctx, false); retryErr == nil {
		return retried, nil
	}

	// The second read still failed; fall back to the CLI's last-known-good
	// snapshot rather than failing the caller outright.
	stale, staleErr := c.listCLI(ctx, true)
	if staleErr != nil {
		return nil, syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "ListIssues"},
			fmt.Errorf("read issues after failed reconcile: %w", staleErr))
	}
	return stale, nil
}

func isOutOfSyncError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "database out of sync with journal")
}

func isPrefixMismatchError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "prefix mismatch")
}

// listCLI invokes the tracker CLI's list surface and parses its JSON
// output. allowStale passes `--allow-stale` through, the CLI's escape
// hatch for returning its last-known-good snapshot when its database
// can't be reconciled with the journal.
func (c *Client) listCLI(ctx context.Context, allowStale bool) ([]Issue, error) {
	args := []string{"list", "--json", "--limit", "0", "--all"}
	if allowStale {
		args = append(args, "--allow-stale")
	}
	out, err := c.runCLICapture(ctx, args...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	var issues []Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse list --json output: %w", err)
	}
	return issues, nil
}

// AppendIssue appends one issue record to the journal. Writes use the
// journal path directly (reliable) rather than going through the CLI; a
// background "sync" step reconciles the CLI's own database from the
// journal asynchronously.
func (c *Client) AppendIssue(ctx context.Context, issue Issue) error {
	if err := c.checkReadable(filepath.Dir(c.journalPath)); err != nil {
		return err
	}
	line, err := json.Marshal(issue)
	if err != nil {
		return syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "AppendIssue", Identifier: issue.ID},
			fmt.Errorf("marshal issue: %w", err))
	}

	f, err := os.OpenFile(c.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "AppendIssue", Identifier: issue.ID},
			fmt.Errorf("open journal for append: %w", err))
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "AppendIssue", Identifier: issue.ID},
			fmt.Errorf("append journal entry: %w", err))
	}

	// Trigger the asynchronous reconcile-to-database step; failure here
	// doesn't invalidate the append (the journal is the source of truth),
	// but later reads may observe the "out of sync" error this recovers.
	go func() {
		_ = c.runCLI(context.Background(), "sync", "--import-only")
	}()
	return nil
}

// CreateIssue creates a new issue via the tracker CLI and returns its
// assigned ID, used when the caller needs the CLI's own ID-generation
// logic rather than a caller-assigned one.
func (c *Client) CreateIssue(ctx context.Context, title, description string, priority int, labels []string) (string, error) {
	args := []string{"create", title, "-d", description, "-p", fmt.Sprintf("%d", priority)}
	for _, l := range labels {
		args = append(args, "-l", l)
	}
	out, err := c.runCLICapture(ctx, args...)
	if err != nil {
		return "", syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "CreateIssue"},
			fmt.Errorf("create issue: %w", err))
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "CreateIssue"},
			fmt.Errorf("tracker CLI returned empty issue ID"))
	}
	return id, nil
}

// UpdateStatus sets an issue's native status via the tracker CLI.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) error {
	if err := c.runCLI(ctx, "update", id, "--status", status); err != nil {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "UpdateStatus", Identifier: id}, err)
	}
	return nil
}

// UpdateFields sets one or more native fields (title, description, priority,
// ...) via the tracker CLI's `update <id> --<field> "<v>"` surface, one flag
// per field in a single invocation.
func (c *Client) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := []string{"update", id}
	for field, value := range fields {
		args = append(args, "--"+field, value)
	}
	if err := c.runCLI(ctx, args...); err != nil {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "UpdateFields", Identifier: id}, err)
	}
	return nil
}

// LabelAdd attaches a disambiguation label (e.g. host:Todo) to an issue
// without triggering the tracker's auto-flush-on-label behavior, per the
// CLI surface's `label add <id> "<label>" --no-auto-flush`.
func (c *Client) LabelAdd(ctx context.Context, id, label string) error {
	if err := c.runCLI(ctx, "label", "add", id, label, "--no-auto-flush"); err != nil {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "LabelAdd", Identifier: id}, err)
	}
	return nil
}

func (c *Client) runCLI(ctx context.Context, args ...string) error {
	_, err := c.runCLICapture(ctx, args...)
	return err
}

func (c *Client) runCLICapture(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %s", c.binary, strings.Join(args, " "), stderr.String())
	}
	return stdout.String(), nil
}
