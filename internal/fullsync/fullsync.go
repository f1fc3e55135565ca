// Package fullsync is an on-demand driver that lists every non-archived
// project in the mapping store, issues a bulk PM issue fetch in chunks of at
// most 100 projects, then fans
// out per-project orchestration with bounded concurrency, checkpointing
// progress so a crashed run can resume without reprocessing projects it
// already finished.
package fullsync

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/pm"
	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
)

const component = "fullsync"

// projectChunkSize bounds how many project identifiers go into one
// ListIssuesBulk call.
const projectChunkSize = 100

// DefaultConcurrency is the default bounded fan-out width.
const DefaultConcurrency = 5

// Store is the subset of *store.Store the full-sync driver needs.
type Store interface {
	ListProjects(ctx context.Context, includeArchived bool) ([]*model.Project, error)
	StartFullSync(ctx context.Context, totalProjects int) (string, error)
	CheckpointFullSync(ctx context.Context, id, projectID string) error
	CompleteFullSync(ctx context.Context, id string, status store.FullSyncStatus) error
	GetFullSyncCheckpoint(ctx context.Context, id string) (*store.FullSyncCheckpoint, error)
}

// PMClient is the subset of *pm.Client the full-sync driver needs.
type PMClient interface {
	ListIssuesBulk(ctx context.Context, r pm.BulkListRequest) ([]pm.Issue, error)
}

// RunProjectFunc runs one project's orchestration, matching
// *orchestrator.Orchestrator.RunProject.
type RunProjectFunc func(ctx context.Context, projectID string) (*model.SyncRun, error)

// Driver runs the full-sync sweep.
type Driver struct {
	store       Store
	pmClient    PMClient
	runProject  RunProjectFunc
	concurrency int
}

// New creates a Driver. concurrency defaults to DefaultConcurrency when <= 0.
func New(st Store, pmClient PMClient, runProject RunProjectFunc, concurrency int) *Driver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Driver{store: st, pmClient: pmClient, runProject: runProject, concurrency: concurrency}
}

// Report summarizes one full-sync pass.
type Report struct {
	CheckpointID string
	TotalProjects int
	Succeeded     int
	Failed        int
	Skipped       int
	Errors        []error
}

// Run performs a fresh full-sync pass over every non-archived project.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	return d.resume(ctx, "")
}

// Resume continues a previously started full-sync run identified by
// checkpointID, skipping any project already recorded as completed.
func (d *Driver) Resume(ctx context.Context, checkpointID string) (Report, error) {
	return d.resume(ctx, checkpointID)
}

func (d *Driver) resume(ctx context.Context, checkpointID string) (Report, error) {
	log := logging.Component(logging.From(ctx), component)

	projects, err := d.store.ListProjects(ctx, false)
	if err != nil {
		return Report{}, err
	}

	alreadyDone := make(map[string]bool)
	if checkpointID != "" {
		cp, err := d.store.GetFullSyncCheckpoint(ctx, checkpointID)
		if err != nil {
			return Report{}, err
		}
		for _, id := range cp.CompletedProjects {
			alreadyDone[id] = true
		}
	} else {
		id, err := d.store.StartFullSync(ctx, len(projects))
		if err != nil {
			return Report{}, err
		}
		checkpointID = id
	}

	d.prefetchBulkIssues(ctx, projects)

	report := Report{CheckpointID: checkpointID, TotalProjects: len(projects)}
	pending := make([]*model.Project, 0, len(projects))
	for _, p := range projects {
		if alreadyDone[p.Identifier] {
			report.Skipped++
			continue
		}
		pending = append(pending, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	var mu errCollector

	for _, p := range pending {
		p := p
		g.Go(func() error {
			if _, err := d.runProject(gctx, p.Identifier); err != nil {
				mu.add(err)
				log.Error("full-sync project run failed", "project", p.Identifier, "error", err)
				return nil // one project's failure must not cancel the rest of the fan-out
			}
			if err := d.store.CheckpointFullSync(gctx, checkpointID, p.Identifier); err != nil {
				mu.add(err)
				log.Error("full-sync checkpoint write failed", "project", p.Identifier, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Errors = mu.errs
	report.Failed = len(report.Errors)
	report.Succeeded = len(pending) - report.Failed

	status := store.FullSyncCompleted
	if report.Failed > 0 {
		status = store.FullSyncFailed
	}
	if err := d.store.CompleteFullSync(ctx, checkpointID, status); err != nil {
		return report, err
	}
	return report, nil
}

// prefetchBulkIssues calls ListIssuesBulk in chunks of at most
// projectChunkSize project identifiers and logs each chunk's issue count.
// The fetched issues are not kept: the per-project orchestration run still
// does its own modifiedSince-scoped fetch.
func (d *Driver) prefetchBulkIssues(ctx context.Context, projects []*model.Project) {
	if d.pmClient == nil {
		return
	}
	log := logging.Component(logging.From(ctx), component)
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		if p.PMProjectID != "" {
			ids = append(ids, p.PMProjectID)
		}
	}
	for start := 0; start < len(ids); start += projectChunkSize {
		end := start + projectChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		issues, err := d.pmClient.ListIssuesBulk(ctx, pm.BulkListRequest{Projects: chunk})
		if err != nil {
			log.Warn("full-sync bulk prefetch chunk failed, per-project runs will fetch individually", "error", err)
			continue
		}
		log.Debug("full-sync bulk prefetch chunk complete", "projects", len(chunk), "issues", len(issues))
	}
}

// errCollector gathers per-project errors from concurrent fan-out
// goroutines without canceling the rest of the run.
type errCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}
