package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

type projectRow struct {
	Identifier     string         `db:"identifier"`
	Name           string         `db:"name"`
	PMProjectID    string         `db:"pm_project_id"`
	TrackerRepoID  string         `db:"tracker_repo_id"`
	AgentID        string         `db:"agent_id"`
	FilesystemPath string         `db:"filesystem_path"`
	Archived       bool           `db:"archived"`
	LastSyncAt     sql.NullString `db:"last_sync_at"`
	MetadataHash   string         `db:"metadata_hash"`
}

func (r *projectRow) toModel() *model.Project {
	p := &model.Project{
		Identifier:     r.Identifier,
		Name:           r.Name,
		PMProjectID:    r.PMProjectID,
		TrackerRepoID:  r.TrackerRepoID,
		AgentID:        r.AgentID,
		FilesystemPath: r.FilesystemPath,
		Archived:       r.Archived,
		MetadataHash:   r.MetadataHash,
	}
	if r.LastSyncAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, r.LastSyncAt.String); err == nil {
			p.LastSyncAt = t
		}
	}
	return p
}

func projectFromModel(p *model.Project) *projectRow {
	r := &projectRow{
		Identifier:     p.Identifier,
		Name:           p.Name,
		PMProjectID:    p.PMProjectID,
		TrackerRepoID:  p.TrackerRepoID,
		AgentID:        p.AgentID,
		FilesystemPath: p.FilesystemPath,
		Archived:       p.Archived,
		MetadataHash:   p.MetadataHash,
	}
	if !p.LastSyncAt.IsZero() {
		r.LastSyncAt = sql.NullString{String: p.LastSyncAt.Format(time.RFC3339Nano), Valid: true}
	}
	return r
}

// GetProject returns a project by its stable identifier.
func (s *Store) GetProject(ctx context.Context, identifier string) (*model.Project, error) {
	var row projectRow
	err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM projects WHERE identifier = ?`, identifier)
	})
	if err != nil {
		return nil, wrapErr("store", "GetProject", err)
	}
	return row.toModel(), nil
}

// ListProjects returns every non-archived project unless includeArchived is set.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]*model.Project, error) {
	query := `SELECT * FROM projects`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	var rows []projectRow
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, wrapErr("store", "ListProjects", err)
	}
	out := make([]*model.Project, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// UpsertProject inserts or fully replaces a project row keyed by Identifier.
func (s *Store) UpsertProject(ctx context.Context, p *model.Project) error {
	row := projectFromModel(p)
	const q = `
		INSERT INTO projects (identifier, name, pm_project_id, tracker_repo_id, agent_id,
			filesystem_path, archived, last_sync_at, metadata_hash)
		VALUES (:identifier, :name, :pm_project_id, :tracker_repo_id, :agent_id,
			:filesystem_path, :archived, :last_sync_at, :metadata_hash)
		ON CONFLICT(identifier) DO UPDATE SET
			name = excluded.name,
			pm_project_id = excluded.pm_project_id,
			tracker_repo_id = excluded.tracker_repo_id,
			agent_id = excluded.agent_id,
			filesystem_path = excluded.filesystem_path,
			archived = excluded.archived,
			last_sync_at = excluded.last_sync_at,
			metadata_hash = excluded.metadata_hash`
	err := s.withRetry(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, q, row)
		return err
	})
	if err != nil {
		return wrapErr("store", "UpsertProject", err)
	}
	return nil
}

// TouchProjectSync records the time of the project's most recent completed
// sync run.
func (s *Store) TouchProjectSync(ctx context.Context, identifier string, at time.Time) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE projects SET last_sync_at = ? WHERE identifier = ?`,
			at.Format(time.RFC3339Nano), identifier)
		return err
	})
	if err != nil {
		return wrapErr("store", "TouchProjectSync", err)
	}
	return nil
}
