// Package pm is the REST client for the hosted PM issue service: single-
// issue CRUD plus the bulk list/update/parent-link endpoints the
// orchestrator's full-sync driver and Phase 1/2 steps depend on. Every
// request is built and authenticated the same way, and every response is
// unmarshaled and %w-wrapped the same way, so adding an endpoint is a
// matter of one more thin method over the shared plumbing.
package pm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/transport"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

const component = "clients.pm"

// Client talks to the PM REST API.
type Client struct {
	baseURL   string
	token     string
	transport *transport.Client
}

// New creates a PM client. baseURL is the PM service root (no trailing
// slash required); token authenticates every request as a Bearer token.
func New(baseURL, token string, cfg transport.Config) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		transport: transport.New("pm", cfg),
	}
}

// Issue is the PM system's wire representation of one issue.
type Issue struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	ParentID    string    `json:"parentId,omitempty"`
	ModifiedOn  time.Time `json:"modifiedOn"`
}

// ApplyTo copies the wire fields relevant to canonical comparison onto a
// model.Issue, leaving the other mapping fields untouched.
func (i Issue) ApplyTo(issue *model.Issue) {
	issue.Title = i.Title
	issue.Description = i.Description
	issue.Status = model.Status(i.Status)
	issue.Priority = model.Priority(i.Priority)
	issue.ParentID = i.ParentID
	issue.ForeignIDPM = i.ID
	issue.PMModifiedAt = i.ModifiedOn
	issue.PMStatusSnapshot = i.Status
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pm: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("pm: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// GetIssue fetches a single issue by its PM identifier.
func (c *Client) GetIssue(ctx context.Context, id string) (*Issue, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/issues/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "GetIssue", req, nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "GetIssue", Identifier: id},
			fmt.Errorf("parse response: %w", err))
	}
	return &issue, nil
}

// BulkListRequest parameterizes ListIssuesBulk.
type BulkListRequest struct {
	Projects            []string  `json:"projects"`
	ModifiedSince       time.Time `json:"modifiedSince,omitempty"`
	IncludeDescriptions bool      `json:"includeDescriptions"`
	Fields              []string  `json:"fields,omitempty"`
}

// ListIssuesBulk fetches every issue across the requested projects modified
// since a given time, via the bulk-list endpoint. Used by the full-sync
// driver to avoid one request per project per poll.
func (c *Client) ListIssuesBulk(ctx context.Context, r BulkListRequest) ([]Issue, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/issues/bulk-list", r)
	if err != nil {
		return nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "ListIssuesBulk", req, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Issues []Issue `json:"issues"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "ListIssuesBulk"},
			fmt.Errorf("parse response: %w", err))
	}
	return out.Issues, nil
}

// CreateIssue creates a new PM issue and returns its assigned ID.
func (c *Client) CreateIssue(ctx context.Context, projectID string, fields Issue) (string, error) {
	fields.ProjectID = projectID
	req, err := c.newRequest(ctx, http.MethodPost, "/api/issues", fields)
	if err != nil {
		return "", err
	}
	body, _, err := c.transport.Do(ctx, component, "CreateIssue", req, nil)
	if err != nil {
		return "", err
	}
	var created Issue
	if err := json.Unmarshal(body, &created); err != nil {
		return "", syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "CreateIssue"},
			fmt.Errorf("parse response: %w", err))
	}
	return created.ID, nil
}

// UpdateIssue patches the given fields on an existing PM issue.
func (c *Client) UpdateIssue(ctx context.Context, id string, changes map[string]any) error {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/issues/"+url.PathEscape(id), changes)
	if err != nil {
		return err
	}
	_, _, err = c.transport.Do(ctx, component, "UpdateIssue", req, nil)
	return err
}

// BulkUpdateItem is one row in a BulkUpdate request.
type BulkUpdateItem struct {
	ID      string         `json:"id"`
	Changes map[string]any `json:"changes"`
}

// BulkUpdateResult reports whether one row of a BulkUpdate succeeded.
type BulkUpdateResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BulkUpdate applies issue patches in requests of at most 25 rows each,
// returning a per-row success/failure result. If a request fails, the
// results of the earlier requests are returned with the error.
func (c *Client) BulkUpdate(ctx context.Context, items []BulkUpdateItem) ([]BulkUpdateResult, error) {
	const maxChunk = 25
	var results []BulkUpdateResult
	for start := 0; start < len(items); start += maxChunk {
		end := start + maxChunk
		if end > len(items) {
			end = len(items)
		}
		chunk, err := c.bulkUpdateChunk(ctx, items[start:end])
		if err != nil {
			return results, err
		}
		results = append(results, chunk...)
	}
	return results, nil
}

func (c *Client) bulkUpdateChunk(ctx context.Context, items []BulkUpdateItem) ([]BulkUpdateResult, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/issues/bulk-update", struct {
		Items []BulkUpdateItem `json:"items"`
	}{Items: items})
	if err != nil {
		return nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "BulkUpdate", req, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []BulkUpdateResult `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "BulkUpdate"},
			fmt.Errorf("parse response: %w", err))
	}
	return out.Results, nil
}

// LinkParent sets parentID as the parent of child via the sub-issue /
// parent-link endpoint.
func (c *Client) LinkParent(ctx context.Context, childID, parentID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/issues/"+url.PathEscape(childID)+"/parent", struct {
		ParentID string `json:"parentId"`
	}{ParentID: parentID})
	if err != nil {
		return err
	}
	_, _, err = c.transport.Do(ctx, component, "LinkParent", req, nil)
	return err
}
