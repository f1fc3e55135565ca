// Package dedup materializes a short-lived, in-process lookup index over a
// single project's mapping-store rows, so create activities can recognize
// "this issue already exists" before minting a duplicate remote entity. One
// snapshot, rebuilt whole from the store and held behind a sync.RWMutex, is
// TTL-gated with a configurable default and keyed three ways: foreign ID,
// normalized title, and canonical identifier.
package dedup

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

// DefaultTTL is the index's default staleness window.
const DefaultTTL = 15 * time.Second

// StoreReader is the subset of the mapping store the index needs to
// rebuild itself. Defined here (not in internal/store) so dedup has no
// import-time dependency on the store package's concrete type.
type StoreReader interface {
	ProjectIssues(ctx context.Context, projectID string) ([]*model.Issue, error)
}

type snapshot struct {
	builtAt           time.Time
	byForeignID       map[model.System]map[string]*model.Issue
	byNormalizedTitle map[string]*model.Issue
	byCanonicalID     map[string]*model.Issue
}

// Index is a per-project dedup index. One Index should be created per
// project and reused across an orchestrator run; it is safe for concurrent
// use.
type Index struct {
	mu        sync.RWMutex
	store     StoreReader
	projectID string
	ttl       time.Duration
	current   *snapshot
}

// New creates a dedup index for one project. ttl of 0 uses DefaultTTL.
func New(store StoreReader, projectID string, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{store: store, projectID: projectID, ttl: ttl}
}

// Invalidate forces the next lookup to rebuild from the store, used after
// this process writes a new row so a subsequent lookup in the same run
// sees it immediately rather than waiting out the TTL.
func (idx *Index) Invalidate() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.current = nil
}

func (idx *Index) ensureFresh(ctx context.Context) (*snapshot, error) {
	idx.mu.RLock()
	snap := idx.current
	idx.mu.RUnlock()
	if snap != nil && time.Since(snap.builtAt) < idx.ttl {
		return snap, nil
	}

	issues, err := idx.store.ProjectIssues(ctx, idx.projectID)
	if err != nil {
		return nil, err
	}

	next := &snapshot{
		builtAt:           time.Now(),
		byForeignID:       map[model.System]map[string]*model.Issue{},
		byNormalizedTitle: map[string]*model.Issue{},
		byCanonicalID:     map[string]*model.Issue{},
	}
	for _, sys := range []model.System{model.SystemPM, model.SystemTracker, model.SystemAgents} {
		next.byForeignID[sys] = map[string]*model.Issue{}
	}
	for _, issue := range issues {
		if issue.ForeignIDPM != "" {
			next.byForeignID[model.SystemPM][issue.ForeignIDPM] = issue
		}
		if issue.ForeignIDTracker != "" {
			next.byForeignID[model.SystemTracker][issue.ForeignIDTracker] = issue
		}
		if issue.ForeignIDAgent != "" {
			next.byForeignID[model.SystemAgents][issue.ForeignIDAgent] = issue
		}
		next.byNormalizedTitle[NormalizeTitle(issue.Title)] = issue
		next.byCanonicalID[issue.CanonicalID] = issue
	}

	idx.mu.Lock()
	idx.current = next
	idx.mu.Unlock()
	return next, nil
}

// ByForeignID looks up a row by its foreign identifier in one external
// system, refreshing the index first if it's stale.
func (idx *Index) ByForeignID(ctx context.Context, system model.System, foreignID string) (*model.Issue, bool, error) {
	snap, err := idx.ensureFresh(ctx)
	if err != nil {
		return nil, false, err
	}
	issue, ok := snap.byForeignID[system][foreignID]
	return issue, ok, nil
}

// ByNormalizedTitle looks up a row by normalized title.
func (idx *Index) ByNormalizedTitle(ctx context.Context, title string) (*model.Issue, bool, error) {
	snap, err := idx.ensureFresh(ctx)
	if err != nil {
		return nil, false, err
	}
	issue, ok := snap.byNormalizedTitle[NormalizeTitle(title)]
	return issue, ok, nil
}

// ByCanonicalID looks up a row by its canonical identifier.
func (idx *Index) ByCanonicalID(ctx context.Context, canonicalID string) (*model.Issue, bool, error) {
	snap, err := idx.ensureFresh(ctx)
	if err != nil {
		return nil, false, err
	}
	issue, ok := snap.byCanonicalID[canonicalID]
	return issue, ok, nil
}

// bracketedPrefix strips one leading bracketed tag like "[P0] ", "[bug] ",
// "[wip] " from a title before normalization.
var bracketedPrefix = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)

// NormalizeTitle lowercases, trims, and strips leading bracketed prefixes
// like "[P0] ", "[bug] ", "[wip] " before computing the normalized-title
// dedup key. Stacked prefixes ("[P0][bug] title") are all stripped.
func NormalizeTitle(title string) string {
	t := strings.TrimSpace(title)
	for {
		stripped := bracketedPrefix.ReplaceAllString(t, "")
		if stripped == t {
			break
		}
		t = strings.TrimSpace(stripped)
	}
	return strings.ToLower(t)
}
