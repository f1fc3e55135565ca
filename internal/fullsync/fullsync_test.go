package fullsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/pm"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	projects    []*model.Project
	checkpoints map[string]*store.FullSyncCheckpoint
	nextID      int
}

func newFakeStore(projects []*model.Project) *fakeStore {
	return &fakeStore{projects: projects, checkpoints: make(map[string]*store.FullSyncCheckpoint)}
}

func (f *fakeStore) ListProjects(ctx context.Context, includeArchived bool) ([]*model.Project, error) {
	return f.projects, nil
}

func (f *fakeStore) StartFullSync(ctx context.Context, totalProjects int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "run-" + itoa(f.nextID)
	f.checkpoints[id] = &store.FullSyncCheckpoint{ID: id, TotalProjects: totalProjects, Status: store.FullSyncRunning}
	return id, nil
}

func (f *fakeStore) CheckpointFullSync(ctx context.Context, id, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.checkpoints[id]
	cp.CompletedProjects = append(cp.CompletedProjects, projectID)
	return nil
}

func (f *fakeStore) CompleteFullSync(ctx context.Context, id string, status store.FullSyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[id].Status = status
	return nil
}

func (f *fakeStore) GetFullSyncCheckpoint(ctx context.Context, id string) (*store.FullSyncCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[id]
	if !ok {
		return nil, errors.New("no such checkpoint")
	}
	cp2 := *cp
	return &cp2, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type fakePM struct {
	calls int32
}

func (f *fakePM) ListIssuesBulk(ctx context.Context, r pm.BulkListRequest) ([]pm.Issue, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, nil
}

func TestRunSweepsEveryProjectAndCompletes(t *testing.T) {
	projects := []*model.Project{
		{Identifier: "A", PMProjectID: "pm-a"},
		{Identifier: "B", PMProjectID: "pm-b"},
		{Identifier: "C", PMProjectID: "pm-c"},
	}
	st := newFakeStore(projects)
	var ran []string
	var mu sync.Mutex
	runProject := func(ctx context.Context, projectID string) (*model.SyncRun, error) {
		mu.Lock()
		ran = append(ran, projectID)
		mu.Unlock()
		return &model.SyncRun{ProjectID: projectID}, nil
	}
	d := New(st, &fakePM{}, runProject, 2)

	report, err := d.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalProjects)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, ran)
	assert.Equal(t, store.FullSyncCompleted, st.checkpoints[report.CheckpointID].Status)
}

func TestRunRecordsPerProjectFailuresWithoutAbortingOthers(t *testing.T) {
	projects := []*model.Project{
		{Identifier: "A"},
		{Identifier: "B"},
	}
	st := newFakeStore(projects)
	runProject := func(ctx context.Context, projectID string) (*model.SyncRun, error) {
		if projectID == "A" {
			return nil, errors.New("boom")
		}
		return &model.SyncRun{ProjectID: projectID}, nil
	}
	d := New(st, nil, runProject, 2)

	report, err := d.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, store.FullSyncFailed, st.checkpoints[report.CheckpointID].Status)
}

func TestResumeSkipsAlreadyCompletedProjects(t *testing.T) {
	projects := []*model.Project{
		{Identifier: "A"},
		{Identifier: "B"},
	}
	st := newFakeStore(projects)
	st.checkpoints["run-1"] = &store.FullSyncCheckpoint{
		ID:                "run-1",
		TotalProjects:     2,
		CompletedProjects: []string{"A"},
		Status:            store.FullSyncRunning,
	}

	var ran []string
	var mu sync.Mutex
	runProject := func(ctx context.Context, projectID string) (*model.SyncRun, error) {
		mu.Lock()
		ran = append(ran, projectID)
		mu.Unlock()
		return &model.SyncRun{ProjectID: projectID}, nil
	}
	d := New(st, nil, runProject, 2)

	report, err := d.Resume(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"B"}, ran)
}

func TestRunChunksBulkPrefetchAtHundredProjects(t *testing.T) {
	projects := make([]*model.Project, 0, 150)
	for i := 0; i < 150; i++ {
		projects = append(projects, &model.Project{Identifier: "P" + itoa(i), PMProjectID: "pm-" + itoa(i)})
	}
	st := newFakeStore(projects)
	fp := &fakePM{}
	runProject := func(ctx context.Context, projectID string) (*model.SyncRun, error) {
		return &model.SyncRun{ProjectID: projectID}, nil
	}
	d := New(st, fp, runProject, 5)

	_, err := d.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fp.calls), "150 projects should split into 2 bulk-prefetch chunks of <=100")
}
