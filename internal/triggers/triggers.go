// Package triggers collapses the three change-driven trigger sources —
// periodic scheduler, PM webhook, and filesystem watcher — into a single
// orchestrator entry point, folding duplicate triggers for the same
// project so that rapid successive change events collapse into one run
// with an explicit "rerun needed" flag rather than a burst of redundant
// syncs; each run executes through a golang.org/x/sync/singleflight group.
package triggers

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

const component = "triggers"

// RunFunc executes a full per-project sync run.
type RunFunc func(ctx context.Context, projectID string) (*model.SyncRun, error)

// TargetedRunFunc executes a webhook-scoped per-project sync run limited to
// the named issues.
type TargetedRunFunc func(ctx context.Context, projectID string, issueIDs []string) (*model.SyncRun, error)

// Dispatcher is the single fold point every trigger source funnels through.
// For a given project identifier, at most one run is ever in flight; a
// trigger arriving while one is already running sets a rerun-needed flag
// instead of starting a second run, and exactly one additional run follows
// the in-flight one once it completes.
type Dispatcher struct {
	run         RunFunc
	runTargeted TargetedRunFunc

	group singleflight.Group

	mu     sync.Mutex
	active map[string]bool
	rerun  map[string]bool
}

// NewDispatcher creates a Dispatcher. runTargeted may be nil if webhook
// triggers are not wired; TriggerWebhook becomes a no-op in that case.
func NewDispatcher(run RunFunc, runTargeted TargetedRunFunc) *Dispatcher {
	return &Dispatcher{
		run:         run,
		runTargeted: runTargeted,
		active:      make(map[string]bool),
		rerun:       make(map[string]bool),
	}
}

// TriggerProject is the entry point for the scheduler and filesystem
// watcher sources: a full RunProject.
func (d *Dispatcher) TriggerProject(ctx context.Context, projectID string) {
	d.trigger(ctx, projectID, func(ctx context.Context) (*model.SyncRun, error) {
		return d.run(ctx, projectID)
	})
}

// TriggerWebhook is the entry point for the PM webhook source: a targeted
// run limited to the issues the webhook payload named.
func (d *Dispatcher) TriggerWebhook(ctx context.Context, projectID string, issueIDs []string) {
	if d.runTargeted == nil {
		return
	}
	d.trigger(ctx, projectID, func(ctx context.Context) (*model.SyncRun, error) {
		return d.runTargeted(ctx, projectID, issueIDs)
	})
}

func (d *Dispatcher) trigger(ctx context.Context, projectID string, do func(context.Context) (*model.SyncRun, error)) {
	d.mu.Lock()
	if d.active[projectID] {
		d.rerun[projectID] = true
		d.mu.Unlock()
		return
	}
	d.active[projectID] = true
	d.mu.Unlock()

	go d.runLoop(context.WithoutCancel(ctx), projectID, do)
}

// runLoop drives one project's run(s) to completion, re-entering exactly
// once per accumulated rerun request. The active map already limits each
// project to one runLoop, so group.Do, keyed by project, never finds a
// second caller to fold in; it only wraps the call.
func (d *Dispatcher) runLoop(ctx context.Context, projectID string, do func(context.Context) (*model.SyncRun, error)) {
	log := logging.Component(logging.From(ctx), component)
	for {
		_, err, _ := d.group.Do(projectID, func() (any, error) {
			return do(ctx)
		})
		if err != nil {
			log.Error("triggered sync run failed", "project", projectID, "error", err)
		}

		d.mu.Lock()
		again := d.rerun[projectID]
		d.rerun[projectID] = false
		if !again {
			d.active[projectID] = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

// WebhookPayload is the PM webhook's delivered body.
type WebhookPayload struct {
	Project       string   `json:"project"`
	ChangedIssues []string `json:"changedIssues"`
}

// HandleWebhook is called by internal/httpapi's webhook route after
// decoding the request body.
func (d *Dispatcher) HandleWebhook(ctx context.Context, payload WebhookPayload) {
	d.TriggerWebhook(ctx, payload.Project, payload.ChangedIssues)
}

// ProjectLister is the subset of *store.Store the scheduler needs to pick
// which projects are due for a tick.
type ProjectLister interface {
	ListProjects(ctx context.Context, includeArchived bool) ([]*model.Project, error)
	ProjectIssues(ctx context.Context, projectID string) ([]*model.Issue, error)
}

// SchedulerConfig parameterizes the periodic scheduler.
type SchedulerConfig struct {
	// ActiveInterval is the tick period for projects with nonzero issue
	// counts; default 10s.
	ActiveInterval time.Duration
	// FullInterval is the tick period applied when no project-specific
	// signal fires, acting as the cache-expiry fallback.
	FullInterval time.Duration
}

// DefaultSchedulerConfig returns the scheduler's documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{ActiveInterval: 10 * time.Second, FullInterval: 5 * time.Minute}
}

// Scheduler is the periodic trigger source: it ticks at ActiveInterval and
// selects, each tick, the projects due for a run — those with at least one
// tracked issue, those whose metadata hash has changed since the last
// tick, or those whose cache has expired (FullInterval since last sync).
type Scheduler struct {
	store      ProjectLister
	dispatcher *Dispatcher
	cfg        SchedulerConfig

	mu       sync.Mutex
	lastHash map[string]string
}

// NewScheduler creates a Scheduler. cfg's zero value is replaced with
// DefaultSchedulerConfig.
func NewScheduler(store ProjectLister, dispatcher *Dispatcher, cfg SchedulerConfig) *Scheduler {
	if cfg.ActiveInterval <= 0 || cfg.FullInterval <= 0 {
		cfg = DefaultSchedulerConfig()
	}
	return &Scheduler{store: store, dispatcher: dispatcher, cfg: cfg, lastHash: make(map[string]string)}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := logging.Component(logging.From(ctx), component)
	ticker := time.NewTicker(s.cfg.ActiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				log.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range projects {
		due, hashChanged := s.isDue(ctx, p)
		if hashChanged {
			s.lastHash[p.Identifier] = p.MetadataHash
		}
		if due {
			s.dispatcher.TriggerProject(ctx, p.Identifier)
		}
	}
	return nil
}

// isDue reports whether a project should be processed this tick, and
// whether its metadata hash has changed since the last tick (the caller
// updates lastHash regardless of whether the project was also triggered
// for another reason, so the next tick compares against the latest value).
func (s *Scheduler) isDue(ctx context.Context, p *model.Project) (due, hashChanged bool) {
	issues, err := s.store.ProjectIssues(ctx, p.Identifier)
	nonzeroIssues := err == nil && len(issues) > 0

	prevHash, seen := s.lastHash[p.Identifier]
	hashChanged = seen && p.MetadataHash != "" && p.MetadataHash != prevHash
	if !seen {
		hashChanged = p.MetadataHash != ""
	}

	cacheExpired := p.LastSyncAt.IsZero() || time.Since(p.LastSyncAt) >= s.cfg.FullInterval

	return nonzeroIssues || hashChanged || cacheExpired, hashChanged
}

// FileWatcher is the filesystem-watcher trigger source: debounced
// per-project add/change/unlink events over a project's Tracker journal
// directory, using an fsnotify.Watcher plus a time.AfterFunc debounce
// timer per watched path, with N per-project watched paths feeding one
// shared Dispatcher.
type FileWatcher struct {
	dispatcher    *Dispatcher
	debounceDelay time.Duration

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	timers   map[string]*time.Timer
	pathProj map[string]string // watched directory -> project identifier
}

// NewFileWatcher creates a FileWatcher. debounceDelay of 0 uses the
// package's 500ms default.
func NewFileWatcher(dispatcher *Dispatcher, debounceDelay time.Duration) (*FileWatcher, error) {
	if debounceDelay <= 0 {
		debounceDelay = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		dispatcher:    dispatcher,
		debounceDelay: debounceDelay,
		watcher:       w,
		timers:        make(map[string]*time.Timer),
		pathProj:      make(map[string]string),
	}, nil
}

// WatchProject registers a project's filesystem path for change
// notification. dir is typically <FilesystemPath>/.tracker.
func (fw *FileWatcher) WatchProject(projectID, dir string) error {
	if err := fw.watcher.Add(dir); err != nil {
		return err
	}
	fw.mu.Lock()
	fw.pathProj[dir] = projectID
	fw.mu.Unlock()
	return nil
}

// Run processes fsnotify events until ctx is cancelled.
func (fw *FileWatcher) Run(ctx context.Context) {
	log := logging.Component(logging.From(ctx), component)
	defer func() { _ = fw.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error("filesystem watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	dir := filepath.Dir(event.Name)
	fw.mu.Lock()
	projectID, ok := fw.pathProj[dir]
	fw.mu.Unlock()
	if !ok {
		return
	}

	basename := filepath.Base(event.Name)
	if !strings.HasSuffix(basename, ".jsonl") && !strings.HasSuffix(basename, ".db") {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// unlink: no debounce, a full project run is triggered immediately;
		// no file-level delete activity is dispatched.
		fw.dispatcher.TriggerProject(ctx, projectID)
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		fw.debounce(ctx, projectID)
	}
}

func (fw *FileWatcher) debounce(ctx context.Context, projectID string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if t, ok := fw.timers[projectID]; ok {
		t.Stop()
	}
	fw.timers[projectID] = time.AfterFunc(fw.debounceDelay, func() {
		fw.dispatcher.TriggerProject(ctx, projectID)
	})
}

// Close releases the underlying fsnotify watcher.
func (fw *FileWatcher) Close() error {
	return fw.watcher.Close()
}
