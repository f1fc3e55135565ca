// Package agents is the REST client for the agent platform: tag-scoped
// agent lookup, creation, tool attachment, and memory-block CRUD. Request
// construction follows the same shape as internal/clients/pm
// (marshal/unmarshal-then-%w, Bearer auth); the bounded-retry-around-a-
// remote-call convention it shares with every client in this module comes
// from internal/clients/transport, applied here to a plain REST transport.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/transport"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

const component = "clients.agents"

// projectTagPrefix scopes an agent to one project, combined with the fixed
// "huly-vibe-sync" tag for the match-all-tags agent lookup.
const (
	engineTag       = "huly-vibe-sync"
	projectTagPrefix = "project:"
)

// Client talks to the Agents REST API.
type Client struct {
	baseURL   string
	token     string
	transport *transport.Client
}

// New creates an Agents client. baseURL is the platform's API root; token
// authenticates every request as a Bearer token.
func New(baseURL, token string, cfg transport.Config) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		transport: transport.New("agents", cfg),
	}
}

// Agent is the platform's wire representation of one agent.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags"`
	Tools     []string  `json:"tools,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Block is the wire representation of one memory block.
type Block struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
	Value string `json:"value"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("agents: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("agents: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ProjectTags returns the match-all tag set for an agent scoped to
// projectIdentifier.
func ProjectTags(projectIdentifier string) []string {
	return []string{engineTag, projectTagPrefix + projectIdentifier}
}

// hasAllTags reports whether agent carries every tag in want.
func hasAllTags(agent Agent, want []string) bool {
	have := make(map[string]bool, len(agent.Tags))
	for _, t := range agent.Tags {
		have[t] = true
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// FindByTagsAndName searches for agents matching every tag in tags plus an
// exact name match. If more than one matches, the most recently created is
// returned alongside the full match list so the caller can log a warning
// and schedule a dedup task.
func (c *Client) FindByTagsAndName(ctx context.Context, name string, tags []string) (matches []Agent, newest *Agent, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/agents?tag="+url.QueryEscape(strings.Join(tags, ",")), nil)
	if err != nil {
		return nil, nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "FindByTagsAndName", req, nil)
	if err != nil {
		return nil, nil, err
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "FindByTagsAndName"},
			fmt.Errorf("parse response: %w", err))
	}

	for _, a := range out.Agents {
		if a.Name == name && hasAllTags(a, tags) {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return nil, nil, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	newest = &matches[0]
	return matches, newest, nil
}

// CreateAgent creates a new agent with the given name and tags, seeded with
// the persona/template blocks the provisioner computes.
func (c *Client) CreateAgent(ctx context.Context, name string, tags []string, blocks []model.MemoryBlock) (*Agent, error) {
	wireBlocks := make([]Block, len(blocks))
	for i, b := range blocks {
		wireBlocks[i] = Block{Label: b.Label, Value: model.TruncateBlockValue(b.Value)}
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/agents", struct {
		Name   string   `json:"name"`
		Tags   []string `json:"tags"`
		Blocks []Block  `json:"blocks,omitempty"`
	}{Name: name, Tags: tags, Blocks: wireBlocks})
	if err != nil {
		return nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "CreateAgent", req, nil)
	if err != nil {
		return nil, err
	}
	var created Agent
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "CreateAgent"},
			fmt.Errorf("parse response: %w", err))
	}
	return &created, nil
}

// GetControlAgentTools fetches the tool bundle attached to the well-known
// control agent, the canonical PM-tool set new project agents inherit.
func (c *Client) GetControlAgentTools(ctx context.Context, controlAgentID string) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(controlAgentID), nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "GetControlAgentTools", req, nil)
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "GetControlAgentTools"},
			fmt.Errorf("parse response: %w", err))
	}
	return a.Tools, nil
}

// AttachTools attaches the given tools to an agent, additive to whatever it
// already has.
func (c *Client) AttachTools(ctx context.Context, agentID string, tools []string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/tools", struct {
		Tools []string `json:"tools"`
	}{Tools: tools})
	if err != nil {
		return err
	}
	_, _, err = c.transport.Do(ctx, component, "AttachTools", req, nil)
	return err
}

// ListBlocks returns every memory block currently on an agent.
func (c *Client) ListBlocks(ctx context.Context, agentID string) ([]Block, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/blocks", nil)
	if err != nil {
		return nil, err
	}
	body, _, err := c.transport.Do(ctx, component, "ListBlocks", req, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Blocks []Block `json:"blocks"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: "ListBlocks"},
			fmt.Errorf("parse response: %w", err))
	}
	return out.Blocks, nil
}

// CreateBlock creates one new memory block on an agent.
func (c *Client) CreateBlock(ctx context.Context, agentID string, block Block) error {
	block.Value = model.TruncateBlockValue(block.Value)
	req, err := c.newRequest(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/blocks", block)
	if err != nil {
		return err
	}
	_, _, err = c.transport.Do(ctx, component, "CreateBlock", req, nil)
	return err
}

// UpdateBlock replaces the value of an existing memory block, identified by
// its block ID, on an agent.
func (c *Client) UpdateBlock(ctx context.Context, agentID, blockID string, value string) error {
	value = model.TruncateBlockValue(value)
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/agents/"+url.PathEscape(agentID)+"/blocks/"+url.PathEscape(blockID), struct {
		Value string `json:"value"`
	}{Value: value})
	if err != nil {
		return err
	}
	_, _, err = c.transport.Do(ctx, component, "UpdateBlock", req, nil)
	return err
}
