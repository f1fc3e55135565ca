package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/provisioner"
	"github.com/oculairmedia/huly-vibe-sync/internal/reconciler"
	"github.com/oculairmedia/huly-vibe-sync/internal/triggers"
)

// projectStore is the subset of *store.Store the startup bootstrap needs.
type projectStore interface {
	ListProjects(ctx context.Context, includeArchived bool) ([]*model.Project, error)
}

// bootstrapAgents ensures every known, non-archived project has an agent
// before the engine starts serving triggers, so the first sync run for each
// project has somewhere to write its memory blocks. A project whose
// EnsureAgent call fails is logged and skipped instead of blocking startup;
// no sync run calls EnsureAgent, so that project stays without an agent
// (and its runs skip the memory-block phase) until the next process start.
func bootstrapAgents(ctx context.Context, store projectStore, memory *provisioner.Provisioner) error {
	log := logging.Component(logging.From(ctx), "syncengine")
	projects, err := store.ListProjects(ctx, false)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	for _, p := range projects {
		if p.AgentID != "" {
			continue
		}
		if _, err := memory.EnsureAgent(ctx, p, nil); err != nil {
			log.Error("bootstrap: failed to provision agent for project", "project", p.Identifier, "error", err)
		}
	}
	return nil
}

// watchKnownProjects registers every known project's Tracker journal
// directory with the file watcher, so filesystem-trigger coverage doesn't
// depend on a project happening to fire some other trigger first.
func watchKnownProjects(ctx context.Context, store projectStore, fw *triggers.FileWatcher, defaultRepoRoot string) {
	log := logging.Component(logging.From(ctx), "syncengine")
	projects, err := store.ListProjects(ctx, false)
	if err != nil {
		log.Error("failed to list projects for file watcher registration", "error", err)
		return
	}
	for _, p := range projects {
		dir := filepath.Join(repoRootFor(p, defaultRepoRoot), ".tracker")
		if err := fw.WatchProject(p.Identifier, dir); err != nil {
			log.Error("failed to watch project tracker directory", "project", p.Identifier, "dir", dir, "error", err)
		}
	}
}

// trackerClientForReconciler adapts the per-project tracker-binding
// convention (internal/clients/tracker.New(binary, repoRoot)) into the
// reconciler.TrackerClientFor shape: a lazy, per-project ListIssuesFunc the
// reconciler calls once per sweep.
func trackerClientForReconciler(cfg *config.Config) reconciler.TrackerClientFor {
	return func(project *model.Project) (reconciler.ListIssuesFunc, error) {
		client := tracker.New(trackerCLIBinary, repoRootFor(project, cfg.TrackerRepoRoot))
		return func(ctx context.Context) ([]string, error) {
			issues, err := client.ListIssues(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, len(issues))
			for i, issue := range issues {
				ids[i] = issue.ID
			}
			return ids, nil
		}, nil
	}
}
