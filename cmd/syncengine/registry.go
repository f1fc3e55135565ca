package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/pm"
	"github.com/oculairmedia/huly-vibe-sync/internal/clients/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/orchestrator"
	"github.com/oculairmedia/huly-vibe-sync/internal/provisioner"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/summarize"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// trackerCLIBinary is the Tracker CLI consumed by this engine: the binary
// this engine shells out to for "init --no-daemon", "list --json --limit 0
// --all", and the rest of its command surface.
const trackerCLIBinary = "bd"

// orchestratorRegistry builds and caches one *orchestrator.Orchestrator per
// project, since internal/orchestrator.TrackerClient is bound to a single
// repo root at construction (internal/clients/tracker.New(binary, repoRoot))
// while every other dependency (store, PM client, Agents memory updater,
// workflow runtime) is process-wide and shared across projects.
type orchestratorRegistry struct {
	store          *store.Store
	pm             *pm.Client
	memory         *provisioner.Provisioner
	runtime        *workflow.Runtime
	narrator       orchestrator.Narrator
	dedupTTL       time.Duration
	defaultRepoRoot string

	mu   sync.Mutex
	byID map[string]*orchestrator.Orchestrator
}

func newOrchestratorRegistry(st *store.Store, pmClient *pm.Client, memory *provisioner.Provisioner, runtime *workflow.Runtime, narrator orchestrator.Narrator, dedupTTL time.Duration, defaultRepoRoot string) *orchestratorRegistry {
	return &orchestratorRegistry{
		store:           st,
		pm:              pmClient,
		memory:          memory,
		runtime:         runtime,
		narrator:        narrator,
		dedupTTL:        dedupTTL,
		defaultRepoRoot: defaultRepoRoot,
		byID:            make(map[string]*orchestrator.Orchestrator),
	}
}

// repoRootFor returns project's own FilesystemPath if set, otherwise a
// subdirectory of the engine-wide TRACKER_REPO_ROOT named after the project
// identifier. A single-root deployment relies on the fallback for every
// project; FilesystemPath exists for projects whose repo is checked out
// somewhere else.
func repoRootFor(project *model.Project, defaultRepoRoot string) string {
	if project.FilesystemPath != "" {
		return project.FilesystemPath
	}
	return filepath.Join(defaultRepoRoot, project.Identifier)
}

// forProject returns the cached Orchestrator for project, creating one
// bound to its repo root on first use. A change to that repo root after
// first use requires a process restart to take effect, matching the
// "a project's tracker repo is immutable once an agent/tracker client is
// bound" assumption the rest of this engine makes.
func (r *orchestratorRegistry) forProject(project *model.Project) *orchestrator.Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if orch, ok := r.byID[project.Identifier]; ok {
		return orch
	}
	trackerClient := tracker.New(trackerCLIBinary, repoRootFor(project, r.defaultRepoRoot))
	orch := orchestrator.New(r.store, r.pm, trackerClient, r.memory, r.runtime, r.dedupTTL)
	if r.narrator != nil {
		orch.SetNarrator(r.narrator)
	}
	r.byID[project.Identifier] = orch
	return orch
}

// RunProject resolves project by identifier and runs its sync, satisfying
// triggers.RunFunc / fullsync.RunProjectFunc.
func (r *orchestratorRegistry) RunProject(ctx context.Context, projectID string) (*model.SyncRun, error) {
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: resolve project %s: %w", projectID, err)
	}
	return r.forProject(project).RunProject(ctx, projectID)
}

// RunTargeted resolves project by identifier and runs its webhook-scoped
// sync limited to issueIDs, satisfying triggers.TargetedRunFunc.
func (r *orchestratorRegistry) RunTargeted(ctx context.Context, projectID string, issueIDs []string) (*model.SyncRun, error) {
	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: resolve project %s: %w", projectID, err)
	}
	return r.forProject(project).RunProjectTargeted(ctx, projectID, issueIDs)
}

// ResumeHandlers builds the workflow.ResumeHandler set for every activity
// opType the orchestrator dispatches, so runtime.Resume can replay whatever
// PendingOps a prior crash left unresolved. Each handler resolves the
// op's owning project and delegates to that project's Orchestrator, since
// PendingOps span every project sharing this process's workflow.Runtime.
func (r *orchestratorRegistry) ResumeHandlers() map[string]workflow.ResumeHandler {
	return map[string]workflow.ResumeHandler{
		"create-in-tracker": r.resumeCreateInTracker,
	}
}

func (r *orchestratorRegistry) resumeCreateInTracker(ctx context.Context, op *model.PendingOp) ([]byte, error) {
	project, err := r.store.GetProject(ctx, op.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: resolve project %s for pending op resume: %w", op.ProjectID, err)
	}
	return r.forProject(project).ResumeCreateInTracker(ctx, op)
}

// narratorFromConfig builds an optional summarize.Client when an API key is
// configured, returning a nil Narrator otherwise so phase 3 simply skips the
// narrative block.
func narratorFromConfig(cfg *config.Config) (orchestrator.Narrator, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, nil
	}
	client, err := summarize.New(cfg.AnthropicAPIKey)
	if err != nil {
		return nil, fmt.Errorf("syncengine: create summarize client: %w", err)
	}
	return client, nil
}
