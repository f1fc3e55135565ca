// Package orchestrator implements the three-phase per-project sync
// algorithm: PM -> others, Tracker -> PM, then Agent notification, each
// project's run serialized by a per-project lock so overlapping triggers
// never race the same mapping-store rows. The phase ordering and the
// same-run suppression of write-back loops implement this engine's
// three-way mirror directly, built over the store/clients/statusmap/
// dedup/workflow packages.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/pm"
	"github.com/oculairmedia/huly-vibe-sync/internal/clients/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/dedup"
	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/statusmap"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// ErrProjectBusy is returned by RunProject when a run is already in flight
// for the requested project.
var ErrProjectBusy = errors.New("orchestrator: project sync already in progress")

const trackerXrefLabelPrefix = "huly:"

// Store is the subset of *store.Store the orchestrator needs.
type Store interface {
	dedup.StoreReader
	GetProject(ctx context.Context, identifier string) (*model.Project, error)
	TouchProjectSync(ctx context.Context, identifier string, at time.Time) error
	GetIssue(ctx context.Context, canonicalID string) (*model.Issue, error)
	UpsertIssue(ctx context.Context, i *model.Issue) error
	StartSyncRun(ctx context.Context, projectID string) (string, error)
	CompleteSyncRun(ctx context.Context, run *model.SyncRun) error
	RecordSyncError(ctx context.Context, runID string, e model.SyncError) error
}

// PMClient is the subset of *pm.Client the orchestrator calls.
type PMClient interface {
	GetIssue(ctx context.Context, id string) (*pm.Issue, error)
	ListIssuesBulk(ctx context.Context, r pm.BulkListRequest) ([]pm.Issue, error)
	BulkUpdate(ctx context.Context, items []pm.BulkUpdateItem) ([]pm.BulkUpdateResult, error)
}

// TrackerClient is the subset of *tracker.Client the orchestrator calls.
type TrackerClient interface {
	ListIssues(ctx context.Context) ([]tracker.Issue, error)
	CreateIssue(ctx context.Context, title, description string, priority int, labels []string) (string, error)
	UpdateFields(ctx context.Context, id string, fields map[string]string) error
	UpdateStatus(ctx context.Context, id, status string) error
	LabelAdd(ctx context.Context, id, label string) error
}

// MemoryUpdater is implemented by internal/provisioner; Phase 3 delegates
// to it rather than duplicating the memory-block hash-cache here.
type MemoryUpdater interface {
	UpdateMemoryBlocks(ctx context.Context, agentID string, blocks []model.MemoryBlock) error
}

// Narrator generates the optional AI-authored "project-narrative" memory
// block alongside the structured "project-issues" one. A nil Narrator
// (the default) leaves Phase 3 producing only the structured block.
type Narrator interface {
	Narrate(ctx context.Context, project *model.Project, issues []*model.Issue) (string, error)
}

// Runtime is the subset of *workflow.Runtime the orchestrator dispatches
// activities through.
type Runtime interface {
	Dispatch(ctx context.Context, opType string, target model.System, projectID, identifier string, payload []byte, activity workflow.Activity) ([]byte, error)
}

// Orchestrator runs the per-project sync algorithm.
type Orchestrator struct {
	store    Store
	pm       PMClient
	tracker  TrackerClient
	memory   MemoryUpdater
	runtime  Runtime
	dedupTTL time.Duration
	narrator Narrator
	locks    sync.Map // project identifier -> *sync.Mutex
}

// New creates an Orchestrator. memory may be nil if Agent notification is
// not configured; Phase 3 is then a no-op.
func New(store Store, pmClient PMClient, trackerClient TrackerClient, memory MemoryUpdater, runtime Runtime, dedupTTL time.Duration) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pm:       pmClient,
		tracker:  trackerClient,
		memory:   memory,
		runtime:  runtime,
		dedupTTL: dedupTTL,
	}
}

// SetNarrator wires an optional Narrator in after construction, so the
// common no-narrator configuration never has to touch New's signature.
func (o *Orchestrator) SetNarrator(n Narrator) {
	o.narrator = n
}

func (o *Orchestrator) lockFor(projectID string) *sync.Mutex {
	m, _ := o.locks.LoadOrStore(projectID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// runState carries the per-run bookkeeping threaded through all three
// phases: the dedup index, which fields were just written to which system
// this run (to suppress write-back), and which canonical issues changed at
// all (for Phase 3's "any state changed" gate).
type runState struct {
	project    *model.Project
	idx        *dedup.Index
	run        *model.SyncRun
	suppressed map[string]map[string]bool
	changed    map[string]bool
}

func newRunState(project *model.Project, idx *dedup.Index, runID string) *runState {
	return &runState{
		project:    project,
		idx:        idx,
		run:        &model.SyncRun{ID: runID, ProjectID: project.Identifier, StartedAt: time.Now()},
		suppressed: make(map[string]map[string]bool),
		changed:    make(map[string]bool),
	}
}

func (rs *runState) suppress(canonicalID, field string) {
	fields, ok := rs.suppressed[canonicalID]
	if !ok {
		fields = make(map[string]bool)
		rs.suppressed[canonicalID] = fields
	}
	fields[field] = true
}

func (rs *runState) isSuppressed(canonicalID, field string) bool {
	return rs.suppressed[canonicalID] != nil && rs.suppressed[canonicalID][field]
}

func (rs *runState) recordError(ctx context.Context, store Store, component, operation, identifier string, err error) {
	rs.run.Errored++
	retryable := syncerr.IsRetryable(err)
	rs.run.Errors = append(rs.run.Errors, model.SyncError{
		Component: component, Operation: operation, Identifier: identifier,
		Message: err.Error(), Retryable: retryable,
	})
	if recErr := store.RecordSyncError(ctx, rs.run.ID, rs.run.Errors[len(rs.run.Errors)-1]); recErr != nil {
		logging.From(ctx).Error("failed to persist sync error", "run_id", rs.run.ID, "error", recErr)
	}
}

// RunProject executes the full three-phase sync for one project. It
// returns ErrProjectBusy without doing any work if a run is already in
// flight for this project.
func (o *Orchestrator) RunProject(ctx context.Context, projectID string) (*model.SyncRun, error) {
	lock := o.lockFor(projectID)
	if !lock.TryLock() {
		return nil, ErrProjectBusy
	}
	defer lock.Unlock()

	log := logging.Component(logging.From(ctx), "orchestrator")
	ctx = logging.Into(ctx, log)
	startedAt := time.Now()

	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load project %s: %w", projectID, err)
	}

	runID, err := o.store.StartSyncRun(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start sync run: %w", err)
	}
	rs := newRunState(project, dedup.New(o.store, projectID, o.dedupTTL), runID)

	var aborted error
	if err := o.phase1PMToOthers(ctx, rs); err != nil {
		log.Error("phase 1 fetch failed, aborting run", "project", projectID, "error", err)
		rs.recordError(ctx, o.store, "orchestrator", "Phase1", "", err)
		aborted = err
	} else if err := o.phase2TrackerToPM(ctx, rs); err != nil {
		log.Error("phase 2 fetch failed, skipping phase 3", "project", projectID, "error", err)
		rs.recordError(ctx, o.store, "orchestrator", "Phase2", "", err)
		aborted = err
	} else {
		o.phase3NotifyAgent(ctx, rs)
	}

	rs.run.CompletedAt = time.Now()
	if err := o.store.CompleteSyncRun(ctx, rs.run); err != nil {
		log.Error("failed to persist sync run completion", "run_id", runID, "error", err)
	}
	if aborted == nil {
		if err := o.store.TouchProjectSync(ctx, projectID, rs.run.CompletedAt); err != nil {
			log.Error("failed to touch project sync time", "project", projectID, "error", err)
		}
	}
	metrics.RecordSyncRun(ctx, projectID, rs.run, aborted, time.Since(startedAt))
	return rs.run, aborted
}

func (o *Orchestrator) computeModifiedSince(ctx context.Context, projectID string) (time.Time, error) {
	issues, err := o.store.ProjectIssues(ctx, projectID)
	if err != nil {
		return time.Time{}, err
	}
	var max time.Time
	for _, i := range issues {
		if i.PMModifiedAt.After(max) {
			max = i.PMModifiedAt
		}
	}
	return max, nil
}

// createInTrackerPayload is the durable payload for the "create-in-tracker"
// activity, sufficient to both perform the create and, on crash replay,
// reconstruct the mapping-store row without needing the original PM
// response still in memory.
type createInTrackerPayload struct {
	CanonicalID  string
	ProjectID    string
	Title        string
	Description  string
	Status       model.Status
	Priority     model.Priority
	PMModifiedAt time.Time
	PMStatusRaw  string
}

// createInTrackerActivity is idempotent across retries and crash replay: it
// searches existing Tracker issues for the cross-reference label before
// creating a new one, satisfying "find the issue by label, link it, don't
// create a second entry" (scenario: crash mid-create).
func (o *Orchestrator) createInTrackerActivity(payload createInTrackerPayload) workflow.Activity {
	return func(ctx context.Context) ([]byte, error) {
		xrefLabel := trackerXrefLabelPrefix + payload.CanonicalID
		existing, err := o.tracker.ListIssues(ctx)
		if err != nil {
			return nil, err
		}
		for _, issue := range existing {
			for _, label := range issue.Labels {
				if label == xrefLabel {
					return []byte(issue.ID), nil
				}
			}
		}

		priority := statusmap.TrackerPriorityFromCanonical(payload.Priority)
		id, err := o.tracker.CreateIssue(ctx, payload.Title, payload.Description, priority, []string{xrefLabel})
		if err != nil {
			return nil, err
		}
		if err := o.applyTrackerStatus(ctx, id, payload.Status); err != nil {
			return nil, err
		}
		return []byte(id), nil
	}
}

// applyTrackerStatus sets a Tracker issue's native status plus, when the
// canonical status needs one, its host:<Name> disambiguation label.
func (o *Orchestrator) applyTrackerStatus(ctx context.Context, trackerID string, status model.Status) error {
	native, label := statusmap.TrackerFromCanonical(status)
	if err := o.tracker.UpdateStatus(ctx, trackerID, string(native)); err != nil {
		return err
	}
	if label != "" {
		if err := o.tracker.LabelAdd(ctx, trackerID, label); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) linkCreatedTrackerRow(ctx context.Context, payload createInTrackerPayload, trackerID string) error {
	row, err := o.store.GetIssue(ctx, payload.CanonicalID)
	if err != nil && !syncerr.IsNotFound(err) {
		return err
	}
	if row == nil {
		row = &model.Issue{CanonicalID: payload.CanonicalID, ProjectID: payload.ProjectID}
	}
	row.Title = payload.Title
	row.Description = payload.Description
	row.Status = payload.Status
	row.Priority = payload.Priority
	row.ForeignIDPM = payload.CanonicalID
	row.ForeignIDTracker = trackerID
	row.PMModifiedAt = payload.PMModifiedAt
	row.PMStatusSnapshot = payload.PMStatusRaw
	row.TrackerStatusSnapshot = string(mustTrackerNative(payload.Status))
	row.TrackerModifiedAt = time.Now()
	row.ContentHash = model.IssueContentHash(row)
	return o.store.UpsertIssue(ctx, row)
}

func mustTrackerNative(status model.Status) statusmap.TrackerStatus {
	native, _ := statusmap.TrackerFromCanonical(status)
	return native
}

// ResumeCreateInTracker replays one unresolved "create-in-tracker"
// PendingOp left by a crash between the Tracker-side create and the
// mapping-store write that links it. createInTrackerActivity is idempotent
// (it looks the cross-reference label up before creating), so a PendingOp
// whose activity actually succeeded before the crash just rediscovers the
// existing Tracker issue here instead of creating a second one; linking
// the mapping row is replayed unconditionally since that part of the
// original run never got to persist it.
func (o *Orchestrator) ResumeCreateInTracker(ctx context.Context, op *model.PendingOp) ([]byte, error) {
	var payload createInTrackerPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return nil, fmt.Errorf("orchestrator: unmarshal create-in-tracker payload: %w", err)
	}
	result, err := o.createInTrackerActivity(payload)(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.linkCreatedTrackerRow(ctx, payload, string(result)); err != nil {
		return nil, err
	}
	return result, nil
}

// phase1PMToOthers propagates PM-side issue changes out to Tracker and the
// agent memory blocks.
func (o *Orchestrator) phase1PMToOthers(ctx context.Context, rs *runState) error {
	modifiedSince, err := o.computeModifiedSince(ctx, rs.project.Identifier)
	if err != nil {
		return fmt.Errorf("phase1: compute modifiedSince: %w", err)
	}

	issues, err := o.pm.ListIssuesBulk(ctx, pm.BulkListRequest{
		Projects:            []string{rs.project.Identifier},
		ModifiedSince:       modifiedSince,
		IncludeDescriptions: true,
	})
	if err != nil {
		return fmt.Errorf("phase1: list issues bulk: %w", err)
	}

	for _, pmIssue := range issues {
		if err := o.processPMIssue(ctx, rs, pmIssue); err != nil {
			rs.recordError(ctx, o.store, "orchestrator", "Phase1.processPMIssue", pmIssue.ID, err)
		}
	}
	return nil
}

// RunProjectTargeted is the webhook-triggered entry point: it re-fetches
// only the named PM issues instead of the full bulk list. An explicit 404
// on one of them marks that row removed-from-PM rather than silently
// dropping it, since a targeted run requires an explicit recheck rather
// than inferring deletion from absence in a bulk window.
func (o *Orchestrator) RunProjectTargeted(ctx context.Context, projectID string, issueIDs []string) (*model.SyncRun, error) {
	lock := o.lockFor(projectID)
	if !lock.TryLock() {
		return nil, ErrProjectBusy
	}
	defer lock.Unlock()

	log := logging.Component(logging.From(ctx), "orchestrator")
	ctx = logging.Into(ctx, log)
	startedAt := time.Now()

	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load project %s: %w", projectID, err)
	}
	runID, err := o.store.StartSyncRun(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start sync run: %w", err)
	}
	rs := newRunState(project, dedup.New(o.store, projectID, o.dedupTTL), runID)

	for _, id := range issueIDs {
		pmIssue, err := o.pm.GetIssue(ctx, id)
		if err != nil {
			if syncerr.IsNotFound(err) {
				if markErr := o.markRemovedFromPM(ctx, id); markErr != nil {
					rs.recordError(ctx, o.store, "orchestrator", "Phase1.recheck", id, markErr)
				}
				continue
			}
			rs.recordError(ctx, o.store, "orchestrator", "Phase1.recheck", id, err)
			continue
		}
		if err := o.processPMIssue(ctx, rs, *pmIssue); err != nil {
			rs.recordError(ctx, o.store, "orchestrator", "Phase1.processPMIssue", id, err)
		}
	}

	if err := o.phase2TrackerToPM(ctx, rs); err != nil {
		rs.recordError(ctx, o.store, "orchestrator", "Phase2", "", err)
	} else {
		o.phase3NotifyAgent(ctx, rs)
	}

	rs.run.CompletedAt = time.Now()
	if err := o.store.CompleteSyncRun(ctx, rs.run); err != nil {
		log.Error("failed to persist sync run completion", "run_id", runID, "error", err)
	}
	metrics.RecordSyncRun(ctx, projectID, rs.run, nil, time.Since(startedAt))
	return rs.run, nil
}

func (o *Orchestrator) markRemovedFromPM(ctx context.Context, canonicalID string) error {
	row, err := o.store.GetIssue(ctx, canonicalID)
	if err != nil {
		if syncerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	row.RemovedFromPM = true
	return o.store.UpsertIssue(ctx, row)
}

func (o *Orchestrator) processPMIssue(ctx context.Context, rs *runState, pmIssue pm.Issue) error {
	row, found, err := rs.idx.ByForeignID(ctx, model.SystemPM, pmIssue.ID)
	if err != nil {
		return err
	}
	if !found {
		row, found, err = rs.idx.ByNormalizedTitle(ctx, pmIssue.Title)
		if err != nil {
			return err
		}
	}

	canonicalStatus := statusmap.CanonicalFromPM(pmIssue.Status)
	canonicalPriority := model.Priority(pmIssue.Priority)

	if !found {
		payload := createInTrackerPayload{
			CanonicalID:  pmIssue.ID,
			ProjectID:    rs.project.Identifier,
			Title:        pmIssue.Title,
			Description:  pmIssue.Description,
			Status:       canonicalStatus,
			Priority:     canonicalPriority,
			PMModifiedAt: pmIssue.ModifiedOn,
			PMStatusRaw:  pmIssue.Status,
		}
		encoded, err := workflow.MarshalPayload(payload)
		if err != nil {
			return err
		}
		result, err := o.runtime.Dispatch(ctx, "create-in-tracker", model.SystemTracker, rs.project.Identifier, pmIssue.ID, encoded, o.createInTrackerActivity(payload))
		if err != nil {
			return err
		}
		if err := o.linkCreatedTrackerRow(ctx, payload, string(result)); err != nil {
			return err
		}
		rs.idx.Invalidate()
		rs.suppress(pmIssue.ID, "title")
		rs.suppress(pmIssue.ID, "description")
		rs.suppress(pmIssue.ID, "status")
		rs.changed[pmIssue.ID] = true
		rs.run.Created++
		return nil
	}

	if !pmIssue.ModifiedOn.After(row.PMModifiedAt) {
		return nil
	}

	changes := make(map[string]string)
	if row.Title != pmIssue.Title {
		changes["title"] = pmIssue.Title
	}
	if row.Description != pmIssue.Description {
		changes["description"] = pmIssue.Description
	}
	statusChanged := row.Status != canonicalStatus

	if len(changes) > 0 {
		if err := o.dispatchTrackerFieldUpdate(ctx, rs, row.CanonicalID, row.ForeignIDTracker, changes); err != nil {
			return err
		}
		for field := range changes {
			rs.suppress(row.CanonicalID, field)
		}
	}
	if statusChanged {
		if err := o.dispatchTrackerStatusUpdate(ctx, rs, row.CanonicalID, row.ForeignIDTracker, canonicalStatus); err != nil {
			return err
		}
		rs.suppress(row.CanonicalID, "status")
	}
	if len(changes) > 0 || statusChanged {
		rs.changed[row.CanonicalID] = true
		rs.run.Updated++
	}

	row.Title = pmIssue.Title
	row.Description = pmIssue.Description
	row.Status = canonicalStatus
	row.Priority = canonicalPriority
	row.PMModifiedAt = pmIssue.ModifiedOn
	row.PMStatusSnapshot = pmIssue.Status
	row.ContentHash = model.IssueContentHash(row)
	return o.store.UpsertIssue(ctx, row)
}

func (o *Orchestrator) dispatchTrackerFieldUpdate(ctx context.Context, rs *runState, canonicalID, trackerID string, changes map[string]string) error {
	payload, err := workflow.MarshalPayload(changes)
	if err != nil {
		return err
	}
	_, err = o.runtime.Dispatch(ctx, "update-tracker-fields", model.SystemTracker, rs.project.Identifier, canonicalID, payload,
		func(ctx context.Context) ([]byte, error) {
			return nil, o.tracker.UpdateFields(ctx, trackerID, changes)
		})
	return err
}

func (o *Orchestrator) dispatchTrackerStatusUpdate(ctx context.Context, rs *runState, canonicalID, trackerID string, status model.Status) error {
	payload, err := workflow.MarshalPayload(status)
	if err != nil {
		return err
	}
	_, err = o.runtime.Dispatch(ctx, "update-tracker-status", model.SystemTracker, rs.project.Identifier, canonicalID, payload,
		func(ctx context.Context) ([]byte, error) {
			return nil, o.applyTrackerStatus(ctx, trackerID, status)
		})
	return err
}

// phase2TrackerToPM propagates Tracker-side issue changes out to PM.
func (o *Orchestrator) phase2TrackerToPM(ctx context.Context, rs *runState) error {
	trackerIssues, err := o.tracker.ListIssues(ctx)
	if err != nil {
		return fmt.Errorf("phase2: list tracker issues: %w", err)
	}

	var batch []pm.BulkUpdateItem
	batchRows := make(map[string]*model.Issue)

	for _, ti := range trackerIssues {
		row, found, err := rs.idx.ByForeignID(ctx, model.SystemTracker, ti.ID)
		if err != nil {
			rs.recordError(ctx, o.store, "orchestrator", "Phase2.lookup", ti.ID, err)
			continue
		}
		if !found {
			continue
		}
		if !ti.UpdatedAt.After(row.TrackerModifiedAt) {
			continue
		}

		canonicalStatus := statusmap.CanonicalFromTracker(statusmap.TrackerStatus(ti.Status), ti.Labels)
		changes := make(map[string]any)
		if ti.Title != row.Title && !rs.isSuppressed(row.CanonicalID, "title") {
			changes["title"] = ti.Title
		}
		if ti.Description != row.Description && !rs.isSuppressed(row.CanonicalID, "description") {
			changes["description"] = ti.Description
		}
		// Never propagate the default "open" status: it's ambiguous between
		// "genuinely reopened" and "never touched".
		if canonicalStatus != row.Status && canonicalStatus != model.StatusBacklog && !rs.isSuppressed(row.CanonicalID, "status") {
			changes["status"] = statusmap.PMFromCanonical(canonicalStatus)
			row.Status = canonicalStatus
		}
		if len(changes) == 0 {
			row.TrackerModifiedAt = ti.UpdatedAt
			row.TrackerStatusSnapshot = ti.Status
			if err := o.store.UpsertIssue(ctx, row); err != nil {
				rs.recordError(ctx, o.store, "orchestrator", "Phase2.upsert", row.CanonicalID, err)
			}
			continue
		}

		batch = append(batch, pm.BulkUpdateItem{ID: row.ForeignIDPM, Changes: changes})
		batchRows[row.ForeignIDPM] = row

		if v, ok := changes["title"]; ok {
			row.Title = v.(string)
		}
		if v, ok := changes["description"]; ok {
			row.Description = v.(string)
		}
		row.TrackerModifiedAt = ti.UpdatedAt
		row.TrackerStatusSnapshot = ti.Status
		row.ContentHash = model.IssueContentHash(row)
		rs.changed[row.CanonicalID] = true
		rs.run.Updated++
	}

	if len(batch) == 0 {
		return nil
	}

	payload, err := workflow.MarshalPayload(batch)
	if err != nil {
		return err
	}
	result, err := o.runtime.Dispatch(ctx, "patch-pm-bulk", model.SystemPM, rs.project.Identifier, "", payload,
		func(ctx context.Context) ([]byte, error) {
			results, err := o.pm.BulkUpdate(ctx, batch)
			if err != nil {
				return nil, err
			}
			return json.Marshal(results)
		})
	if err != nil {
		rs.recordError(ctx, o.store, "orchestrator", "Phase2.bulkUpdate", "", err)
		return nil
	}

	var results []pm.BulkUpdateResult
	if err := json.Unmarshal(result, &results); err != nil {
		return fmt.Errorf("phase2: parse bulk update results: %w", err)
	}
	for _, r := range results {
		row := batchRows[r.ID]
		if row == nil {
			continue
		}
		if !r.Success {
			rs.recordError(ctx, o.store, "orchestrator", "Phase2.bulkUpdate", r.ID, fmt.Errorf("%s", r.Error))
			continue
		}
		if err := o.store.UpsertIssue(ctx, row); err != nil {
			rs.recordError(ctx, o.store, "orchestrator", "Phase2.upsert", row.CanonicalID, err)
		}
	}
	return nil
}

// phase3NotifyAgent refreshes the project's agent memory blocks after a
// sync. Failures here log-and-continue rather than fail the surrounding
// sync, since memory refresh is a non-fatal secondary operation.
func (o *Orchestrator) phase3NotifyAgent(ctx context.Context, rs *runState) {
	if o.memory == nil || rs.project.AgentID == "" || len(rs.changed) == 0 {
		return
	}
	issues, err := o.store.ProjectIssues(ctx, rs.project.Identifier)
	if err != nil {
		logging.From(ctx).Error("phase3: failed to load project issues for memory update", "project", rs.project.Identifier, "error", err)
		return
	}
	blocks := BuildProjectSummaryBlocks(issues)
	if o.narrator != nil {
		if narrative, err := o.narrator.Narrate(ctx, rs.project, issues); err != nil {
			logging.From(ctx).Error("phase3: narrative generation failed, continuing with structured block only", "project", rs.project.Identifier, "error", err)
		} else if narrative != "" {
			blocks = append(blocks, model.MemoryBlock{Label: "project-narrative", Value: narrative})
		}
	}
	if err := o.memory.UpdateMemoryBlocks(ctx, rs.project.AgentID, blocks); err != nil {
		logging.From(ctx).Error("phase3: memory block update failed", "project", rs.project.Identifier, "agent_id", rs.project.AgentID, "error", err)
	}
}

// summaryIssue is the compact per-issue shape written into the
// project-issues memory block.
type summaryIssue struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// BuildProjectSummaryBlocks derives the memory blocks Phase 3 upserts from
// the post-phase issue snapshot.
func BuildProjectSummaryBlocks(issues []*model.Issue) []model.MemoryBlock {
	summary := make([]summaryIssue, 0, len(issues))
	for _, i := range issues {
		if i.RemovedFromPM {
			continue
		}
		summary = append(summary, summaryIssue{ID: i.CanonicalID, Title: i.Title, Status: string(i.Status), Priority: string(i.Priority)})
	}
	value, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		value = []byte("[]")
	}
	return []model.MemoryBlock{{Label: "project-issues", Value: string(value)}}
}
