// Package provisioner locates or creates the per-project agent, handles
// tool inheritance from a control agent, dual persistence of the agent ID,
// and the memory-block hash-cache + bounded concurrency upsert that backs
// the orchestrator's MemoryUpdater interface.
package provisioner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/agents"
	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

const component = "provisioner"

// blockConcurrency bounds in-flight memory-block create/update calls.
const blockConcurrency = 2

// localSettingsFile is the informational, store-mirroring agent-ID file
// written into a project's filesystem path: a read/write cache that works
// independently of (and bypasses) the authoritative store.
const localSettingsFile = "settings.local.json"

// Store is the subset of *store.Store the provisioner needs.
type Store interface {
	UpsertProject(ctx context.Context, p *model.Project) error
}

// AgentsClient is the subset of *agents.Client the provisioner calls.
type AgentsClient interface {
	FindByTagsAndName(ctx context.Context, name string, tags []string) ([]agents.Agent, *agents.Agent, error)
	CreateAgent(ctx context.Context, name string, tags []string, blocks []model.MemoryBlock) (*agents.Agent, error)
	GetControlAgentTools(ctx context.Context, controlAgentID string) ([]string, error)
	AttachTools(ctx context.Context, agentID string, tools []string) error
	ListBlocks(ctx context.Context, agentID string) ([]agents.Block, error)
	CreateBlock(ctx context.Context, agentID string, block agents.Block) error
	UpdateBlock(ctx context.Context, agentID, blockID, value string) error
}

// DedupNotifier is notified when FindByTagsAndName turns up more than one
// matching agent, so a separate cleanup task can resolve the duplicate.
// Optional: a nil DedupNotifier just logs a warning instead.
type DedupNotifier interface {
	ScheduleAgentDedup(ctx context.Context, projectID string, duplicateAgentIDs []string)
}

// Provisioner locates/creates per-project agents and upserts their memory
// blocks.
type Provisioner struct {
	store          Store
	agents         AgentsClient
	dedup          DedupNotifier
	controlAgentID string

	sem chan struct{}

	hashMu sync.Mutex
	hashes map[string]map[string]string // agentID -> block label -> content hash
}

// New creates a Provisioner. controlAgentID may be empty, in which case new
// agents are created without tool inheritance. dedup may be nil.
func New(store Store, agentsClient AgentsClient, dedup DedupNotifier, controlAgentID string) *Provisioner {
	return &Provisioner{
		store:          store,
		agents:         agentsClient,
		dedup:          dedup,
		controlAgentID: controlAgentID,
		sem:            make(chan struct{}, blockConcurrency),
		hashes:         make(map[string]map[string]string),
	}
}

// EnsureAgent resolves project's agent, creating one if none exists, and
// persists the agent ID both to the Mapping store and to the project's
// local settings file. Returns the agent ID.
func (p *Provisioner) EnsureAgent(ctx context.Context, project *model.Project, seedBlocks []model.MemoryBlock) (string, error) {
	log := logging.Component(logging.From(ctx), component)
	if project.AgentID != "" {
		return project.AgentID, nil
	}
	if cached := readLocalSettings(project.FilesystemPath); cached.AgentID != "" {
		project.AgentID = cached.AgentID
		if err := p.store.UpsertProject(ctx, project); err != nil {
			return "", fmt.Errorf("provisioner: persist agent id from local settings: %w", err)
		}
		return project.AgentID, nil
	}

	tags := agents.ProjectTags(project.Identifier)
	matches, newest, err := p.agents.FindByTagsAndName(ctx, project.Name, tags)
	if err != nil {
		return "", fmt.Errorf("provisioner: find agent: %w", err)
	}

	var agentID string
	if newest != nil {
		agentID = newest.ID
		if len(matches) > 1 {
			log.Warn("multiple agents match project tags+name, using most recently created",
				"project", project.Identifier, "selected", agentID, "match_count", len(matches))
			if p.dedup != nil {
				ids := make([]string, 0, len(matches)-1)
				for _, m := range matches {
					if m.ID != agentID {
						ids = append(ids, m.ID)
					}
				}
				p.dedup.ScheduleAgentDedup(ctx, project.Identifier, ids)
			}
		}
	} else {
		created, err := p.agents.CreateAgent(ctx, project.Name, tags, seedBlocks)
		if err != nil {
			return "", fmt.Errorf("provisioner: create agent: %w", err)
		}
		agentID = created.ID

		if p.controlAgentID != "" {
			tools, err := p.agents.GetControlAgentTools(ctx, p.controlAgentID)
			if err != nil {
				log.Error("failed to read control agent tool bundle, new agent has no inherited tools",
					"project", project.Identifier, "control_agent", p.controlAgentID, "error", err)
			} else if len(tools) > 0 {
				if err := p.agents.AttachTools(ctx, agentID, tools); err != nil {
					log.Error("failed to attach inherited tools to new agent",
						"project", project.Identifier, "agent", agentID, "error", err)
				}
			}
		}
	}

	project.AgentID = agentID
	if err := p.store.UpsertProject(ctx, project); err != nil {
		return "", fmt.Errorf("provisioner: persist agent id: %w", err)
	}
	p.writeLocalSettings(project)
	return agentID, nil
}

// localSettings is the informational per-project settings file's shape.
type localSettings struct {
	AgentID string `json:"agentId"`
}

// writeLocalSettings best-effort mirrors the agent ID into
// <FilesystemPath>/settings.local.json. Failure is logged, never returned:
// the Mapping store write above is authoritative and already succeeded.
func (p *Provisioner) writeLocalSettings(project *model.Project) {
	if project.FilesystemPath == "" {
		return
	}
	path := filepath.Join(project.FilesystemPath, localSettingsFile)
	data, err := json.MarshalIndent(localSettings{AgentID: project.AgentID}, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

// readLocalSettings reads the informational settings file back, returning
// an empty value (not an error) if it doesn't exist or can't be parsed —
// this file is a convenience cache, never authoritative.
func readLocalSettings(filesystemPath string) localSettings {
	if filesystemPath == "" {
		return localSettings{}
	}
	data, err := os.ReadFile(filepath.Join(filesystemPath, localSettingsFile))
	if err != nil {
		return localSettings{}
	}
	var s localSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return localSettings{}
	}
	return s
}

func blockHash(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// UpdateMemoryBlocks implements orchestrator.MemoryUpdater: it diffs the
// requested blocks against the per-agent hash cache, and for anything that
// changed, lists the agent's existing blocks once and issues bounded
// create/update calls for the diff.
func (p *Provisioner) UpdateMemoryBlocks(ctx context.Context, agentID string, blocks []model.MemoryBlock) error {
	dirty := p.diffAgainstCache(agentID, blocks)
	if len(dirty) == 0 {
		return nil
	}

	existing, err := p.agents.ListBlocks(ctx, agentID)
	if err != nil {
		return fmt.Errorf("provisioner: list blocks: %w", err)
	}
	existingByLabel := make(map[string]agents.Block, len(existing))
	for _, b := range existing {
		existingByLabel[b.Label] = b
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(dirty))
	for _, b := range dirty {
		b := b
		p.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-p.sem }()
			if err := p.upsertBlock(ctx, agentID, b, existingByLabel); err != nil {
				errCh <- err
				return
			}
			p.setCached(agentID, b.Label, blockHash(b.Value))
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) upsertBlock(ctx context.Context, agentID string, b model.MemoryBlock, existing map[string]agents.Block) error {
	value := model.TruncateBlockValue(b.Value)
	if existingBlock, ok := existing[b.Label]; ok {
		return p.agents.UpdateBlock(ctx, agentID, existingBlock.ID, value)
	}
	return p.agents.CreateBlock(ctx, agentID, agents.Block{Label: b.Label, Value: value})
}

// diffAgainstCache returns the subset of blocks whose content hash doesn't
// match the cached value for that agent+label.
func (p *Provisioner) diffAgainstCache(agentID string, blocks []model.MemoryBlock) []model.MemoryBlock {
	p.hashMu.Lock()
	defer p.hashMu.Unlock()

	cached := p.hashes[agentID]
	var dirty []model.MemoryBlock
	for _, b := range blocks {
		h := blockHash(b.Value)
		if cached != nil && cached[b.Label] == h {
			continue
		}
		dirty = append(dirty, b)
	}
	return dirty
}

func (p *Provisioner) setCached(agentID, label, hash string) {
	p.hashMu.Lock()
	defer p.hashMu.Unlock()
	if p.hashes[agentID] == nil {
		p.hashes[agentID] = make(map[string]string)
	}
	p.hashes[agentID][label] = hash
}
