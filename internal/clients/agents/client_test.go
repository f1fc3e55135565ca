package agents

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/transport"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

func testConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.MinRequestInterval = 0
	cfg.BaseBackoff = time.Millisecond
	return cfg
}

func TestProjectTags(t *testing.T) {
	assert.Equal(t, []string{"huly-vibe-sync", "project:HVSYN"}, ProjectTags("HVSYN"))
}

func TestFindByTagsAndNameSelectsNewestOnDuplicate(t *testing.T) {
	older := Agent{ID: "a-1", Name: "HVSYN agent", Tags: ProjectTags("HVSYN"), CreatedAt: time.Now().Add(-time.Hour)}
	newer := Agent{ID: "a-2", Name: "HVSYN agent", Tags: ProjectTags("HVSYN"), CreatedAt: time.Now()}
	unrelated := Agent{ID: "a-3", Name: "other agent", Tags: []string{"huly-vibe-sync"}, CreatedAt: time.Now()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"agents": []Agent{older, newer, unrelated}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	matches, newest, err := c.FindByTagsAndName(t.Context(), "HVSYN agent", ProjectTags("HVSYN"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.NotNil(t, newest)
	assert.Equal(t, "a-2", newest.ID)
}

func TestFindByTagsAndNameNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"agents": []Agent{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	matches, newest, err := c.FindByTagsAndName(t.Context(), "HVSYN agent", ProjectTags("HVSYN"))
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.Nil(t, newest)
}

func TestCreateAgentTruncatesOversizedBlocks(t *testing.T) {
	big := make([]byte, model.MemoryBlockMaxChars+100)
	for i := range big {
		big[i] = 'x'
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name   string  `json:"name"`
			Tags   []string `json:"tags"`
			Blocks []Block `json:"blocks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Blocks, 1)
		assert.True(t, len(body.Blocks[0].Value) <= model.MemoryBlockMaxChars+len(model.TruncationMarker))
		_ = json.NewEncoder(w).Encode(Agent{ID: "a-9", Name: body.Name, Tags: body.Tags})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	created, err := c.CreateAgent(t.Context(), "HVSYN agent", ProjectTags("HVSYN"), []model.MemoryBlock{
		{Label: "context", Value: string(big)},
	})
	require.NoError(t, err)
	assert.Equal(t, "a-9", created.ID)
}

func TestGetControlAgentTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/control-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Agent{ID: "control-1", Tools: []string{"pm.create_issue", "pm.update_issue"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	tools, err := c.GetControlAgentTools(t.Context(), "control-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pm.create_issue", "pm.update_issue"}, tools)
}

func TestAttachTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/a-1/tools", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	err := c.AttachTools(t.Context(), "a-1", []string{"pm.create_issue"})
	require.NoError(t, err)
}

func TestListBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"blocks": []Block{{ID: "b-1", Label: "persona", Value: "v"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	blocks, err := c.ListBlocks(t.Context(), "a-1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "persona", blocks[0].Label)
}

func TestCreateBlockTruncates(t *testing.T) {
	big := make([]byte, model.MemoryBlockMaxChars+1)
	for i := range big {
		big[i] = 'y'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b Block
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		assert.True(t, len(b.Value) <= model.MemoryBlockMaxChars+len(model.TruncationMarker))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	err := c.CreateBlock(t.Context(), "a-1", Block{Label: "context", Value: string(big)})
	require.NoError(t, err)
}

func TestUpdateBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/a-1/blocks/b-1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", testConfig())
	err := c.UpdateBlock(t.Context(), "a-1", "b-1", "new value")
	require.NoError(t, err)
}
