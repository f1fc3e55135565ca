package provisioner

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/agents"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*model.Project
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: make(map[string]*model.Project)}
}

func (f *fakeStore) UpsertProject(ctx context.Context, p *model.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.projects[p.Identifier] = &cp
	return nil
}

type fakeAgents struct {
	mu sync.Mutex

	existing      []agents.Agent
	findErr       error
	created       []agents.Agent
	nextID        int
	controlTools  []string
	controlErr    error
	attachedTools map[string][]string
	blocks        map[string][]agents.Block
	createCalls   int32
	updateCalls   int32
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		attachedTools: make(map[string][]string),
		blocks:        make(map[string][]agents.Block),
	}
}

func (f *fakeAgents) FindByTagsAndName(ctx context.Context, name string, tags []string) ([]agents.Agent, *agents.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, nil, f.findErr
	}
	var matches []agents.Agent
	for _, a := range f.existing {
		if a.Name == name {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return nil, nil, nil
	}
	newest := matches[0]
	for _, a := range matches[1:] {
		if a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	return matches, &newest, nil
}

func (f *fakeAgents) CreateAgent(ctx context.Context, name string, tags []string, blocks []model.MemoryBlock) (*agents.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a := agents.Agent{ID: "agent-" + itoa(f.nextID), Name: name, Tags: tags, CreatedAt: time.Now()}
	f.created = append(f.created, a)
	return &a, nil
}

func (f *fakeAgents) GetControlAgentTools(ctx context.Context, controlAgentID string) ([]string, error) {
	if f.controlErr != nil {
		return nil, f.controlErr
	}
	return f.controlTools, nil
}

func (f *fakeAgents) AttachTools(ctx context.Context, agentID string, tools []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachedTools[agentID] = tools
	return nil
}

func (f *fakeAgents) ListBlocks(ctx context.Context, agentID string) ([]agents.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agents.Block(nil), f.blocks[agentID]...), nil
}

func (f *fakeAgents) CreateBlock(ctx context.Context, agentID string, block agents.Block) error {
	atomic.AddInt32(&f.createCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	block.ID = "block-" + block.Label
	f.blocks[agentID] = append(f.blocks[agentID], block)
	return nil
}

func (f *fakeAgents) UpdateBlock(ctx context.Context, agentID, blockID, value string) error {
	atomic.AddInt32(&f.updateCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.blocks[agentID] {
		if b.ID == blockID {
			f.blocks[agentID][i].Value = value
		}
	}
	return nil
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

func TestEnsureAgentReusesExistingMatch(t *testing.T) {
	st := newFakeStore()
	ag := newFakeAgents()
	ag.existing = []agents.Agent{
		{ID: "agent-1", Name: "Huly Vibe Sync", Tags: agents.ProjectTags("HVSYN"), CreatedAt: time.Now()},
	}
	p := New(st, ag, nil, "")
	project := &model.Project{Identifier: "HVSYN", Name: "Huly Vibe Sync"}

	id, err := p.EnsureAgent(t.Context(), project, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", id)
	assert.Empty(t, ag.created, "should not create a new agent when a match exists")
	assert.Equal(t, "agent-1", st.projects["HVSYN"].AgentID)
}

func TestEnsureAgentCreatesWithToolInheritance(t *testing.T) {
	st := newFakeStore()
	ag := newFakeAgents()
	ag.controlTools = []string{"tool.search", "tool.update_issue"}
	p := New(st, ag, nil, "control-agent-1")
	project := &model.Project{Identifier: "HVSYN", Name: "Huly Vibe Sync"}

	id, err := p.EnsureAgent(t.Context(), project, []model.MemoryBlock{{Label: "persona", Value: "v1"}})
	require.NoError(t, err)
	require.Len(t, ag.created, 1)
	assert.Equal(t, id, ag.created[0].ID)
	assert.Equal(t, []string{"tool.search", "tool.update_issue"}, ag.attachedTools[id])
	assert.Equal(t, id, st.projects["HVSYN"].AgentID)
}

func TestEnsureAgentPicksNewestOnDuplicates(t *testing.T) {
	st := newFakeStore()
	ag := newFakeAgents()
	older := agents.Agent{ID: "agent-old", Name: "Huly Vibe Sync", Tags: agents.ProjectTags("HVSYN"), CreatedAt: time.Now().Add(-time.Hour)}
	newer := agents.Agent{ID: "agent-new", Name: "Huly Vibe Sync", Tags: agents.ProjectTags("HVSYN"), CreatedAt: time.Now()}
	ag.existing = []agents.Agent{older, newer}

	var dedupCalls int
	var dedupProject string
	var dedupIDs []string
	dedup := dedupNotifierFunc(func(ctx context.Context, projectID string, ids []string) {
		dedupCalls++
		dedupProject = projectID
		dedupIDs = ids
	})

	p := New(st, ag, dedup, "")
	project := &model.Project{Identifier: "HVSYN", Name: "Huly Vibe Sync"}

	id, err := p.EnsureAgent(t.Context(), project, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-new", id)
	assert.Equal(t, 1, dedupCalls)
	assert.Equal(t, "HVSYN", dedupProject)
	assert.Equal(t, []string{"agent-old"}, dedupIDs)
}

func TestEnsureAgentReadsLocalSettingsBeforeCallingAPI(t *testing.T) {
	st := newFakeStore()
	ag := newFakeAgents()
	ag.findErr = assert.AnError // would fail the test if called
	p := New(st, ag, nil, "")

	dir := t.TempDir()
	require.NoError(t, writeSettingsFile(t, dir, "agent-cached"))

	project := &model.Project{Identifier: "HVSYN", Name: "Huly Vibe Sync", FilesystemPath: dir}
	id, err := p.EnsureAgent(t.Context(), project, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-cached", id)
}

func writeSettingsFile(t *testing.T, dir, agentID string) error {
	t.Helper()
	p := New(nil, nil, nil, "")
	fakeProject := &model.Project{FilesystemPath: dir, AgentID: agentID}
	p.writeLocalSettings(fakeProject)
	_, err := filepath.Abs(dir)
	return err
}

type dedupNotifierFunc func(ctx context.Context, projectID string, ids []string)

func (f dedupNotifierFunc) ScheduleAgentDedup(ctx context.Context, projectID string, ids []string) {
	f(ctx, projectID, ids)
}

func TestUpdateMemoryBlocksCreatesAndUpdates(t *testing.T) {
	ag := newFakeAgents()
	ag.blocks["agent-1"] = []agents.Block{{ID: "block-status", Label: "status", Value: "old"}}
	p := New(nil, ag, nil, "")

	err := p.UpdateMemoryBlocks(t.Context(), "agent-1", []model.MemoryBlock{
		{Label: "status", Value: "new"},
		{Label: "notes", Value: "first note"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ag.updateCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ag.createCalls))
}

func TestUpdateMemoryBlocksSkipsUnchangedViaHashCache(t *testing.T) {
	ag := newFakeAgents()
	ag.blocks["agent-1"] = []agents.Block{{ID: "block-status", Label: "status", Value: "v1"}}
	p := New(nil, ag, nil, "")

	blocks := []model.MemoryBlock{{Label: "status", Value: "v1"}}
	require.NoError(t, p.UpdateMemoryBlocks(t.Context(), "agent-1", blocks))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ag.updateCalls))

	// Same content again: hash cache should prevent a second ListBlocks/UpdateBlock round trip.
	require.NoError(t, p.UpdateMemoryBlocks(t.Context(), "agent-1", blocks))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ag.updateCalls), "unchanged block content should not re-issue an update")
}

func TestUpdateMemoryBlocksCreatesAllBlocks(t *testing.T) {
	ag := newFakeAgents()
	p := New(nil, ag, nil, "")

	blocks := make([]model.MemoryBlock, 0, 8)
	for i := 0; i < 8; i++ {
		blocks = append(blocks, model.MemoryBlock{Label: "label-" + itoa(i), Value: "v" + itoa(i)})
	}
	require.NoError(t, p.UpdateMemoryBlocks(t.Context(), "agent-concurrency", blocks))
	assert.Equal(t, int32(8), atomic.LoadInt32(&ag.createCalls))
}
