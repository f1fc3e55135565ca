// Package reconciler runs a scheduled sweep that detects mapping-store rows
// whose Tracker counterpart has disappeared upstream and marks or purges
// them, independent of and slower-paced than the orchestrator's own
// per-project sync runs.
package reconciler

import (
	"context"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

const component = "reconciler"

// DefaultInterval is the sweep's default cadence.
const DefaultInterval = time.Hour

// Store is the subset of *store.Store the reconciler needs.
type Store interface {
	ListProjects(ctx context.Context, includeArchived bool) ([]*model.Project, error)
	IssuesWithForeignID(ctx context.Context, projectID string, system model.System) ([]*model.Issue, error)
	UpsertIssue(ctx context.Context, issue *model.Issue) error
	DeleteIssue(ctx context.Context, canonicalID string) error
}

// TrackerClientFor resolves the tracker client to sweep for a given
// project. Each project's tracker lives in its own repo checkout, so the
// reconciler needs a per-project client rather than one shared instance.
type TrackerClientFor func(project *model.Project) (ListIssuesFunc, error)

// ListIssuesFunc lists every issue ID currently present in one project's
// tracker journal.
type ListIssuesFunc func(ctx context.Context) ([]string, error)

// Report summarizes one sweep across every project.
type Report struct {
	ProjectsSwept int
	MarkedDeleted int
	HardDeleted   int
	DryRunHits    int
	Errors        []error
}

// Reconciler runs the periodic stale-cross-reference sweep.
type Reconciler struct {
	store         Store
	trackerClient TrackerClientFor
	action        config.ReconciliationAction
	dryRun        bool
	interval      time.Duration
}

// New creates a Reconciler. action and dryRun come from
// config.Config.ReconciliationAction / ReconciliationDryRun; interval
// defaults to DefaultInterval when zero.
func New(store Store, trackerClient TrackerClientFor, action config.ReconciliationAction, dryRun bool, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:         store,
		trackerClient: trackerClient,
		action:        action,
		dryRun:        dryRun,
		interval:      interval,
	}
}

// Run ticks at the configured interval until ctx is canceled, sweeping
// every project on each tick. The first sweep runs immediately rather than
// waiting out the first interval.
func (r *Reconciler) Run(ctx context.Context) {
	log := logging.Component(logging.From(ctx), component)
	if _, err := r.Sweep(ctx); err != nil {
		log.Error("initial reconciliation sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass over every non-archived project:
// list the remote Tracker issues and the Mapping store rows with a non-null
// Tracker foreign ID, then mark or hard-delete rows whose Tracker ID is no
// longer present upstream. dry_run logs candidates but writes nothing.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	log := logging.Component(logging.From(ctx), component)
	var report Report

	projects, err := r.store.ListProjects(ctx, false)
	if err != nil {
		return report, err
	}

	for _, project := range projects {
		if err := r.sweepProject(ctx, project, &report); err != nil {
			log.Error("reconciliation sweep failed for project", "project", project.Identifier, "error", err)
			report.Errors = append(report.Errors, err)
		}
	}
	report.ProjectsSwept = len(projects)
	return report, nil
}

func (r *Reconciler) sweepProject(ctx context.Context, project *model.Project, report *Report) error {
	log := logging.Component(logging.From(ctx), component)
	if project.TrackerRepoID == "" {
		return nil
	}

	listIssues, err := r.trackerClient(project)
	if err != nil {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: "sweepProject", Project: project.Identifier}, err)
	}
	remoteIDs, err := listIssues(ctx)
	if err != nil {
		return err
	}
	remoteSet := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		remoteSet[id] = true
	}

	rows, err := r.store.IssuesWithForeignID(ctx, project.Identifier, model.SystemTracker)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if remoteSet[row.ForeignIDTracker] {
			continue
		}
		if err := r.reconcileMissingRow(ctx, row, report); err != nil {
			log.Error("failed to reconcile stale tracker cross-reference",
				"project", project.Identifier, "issue", row.CanonicalID, "error", err)
			report.Errors = append(report.Errors, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileMissingRow(ctx context.Context, row *model.Issue, report *Report) error {
	log := logging.Component(logging.From(ctx), component)

	if r.dryRun {
		log.Info("dry_run: would reconcile stale tracker cross-reference",
			"issue", row.CanonicalID, "tracker_id", row.ForeignIDTracker, "action", r.action)
		report.DryRunHits++
		return nil
	}

	switch r.action {
	case config.ReconciliationHardDelete:
		if err := r.store.DeleteIssue(ctx, row.CanonicalID); err != nil {
			return err
		}
		report.HardDeleted++
		return nil
	default:
		row.RemovedFromTracker = true
		row.UpdatedAt = time.Now()
		if err := r.store.UpsertIssue(ctx, row); err != nil {
			return err
		}
		report.MarkedDeleted++
		return nil
	}
}
