package store

import (
	"context"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

type projectFileRow struct {
	ProjectID    string `db:"project_id"`
	RelativePath string `db:"relative_path"`
	ContentHash  string `db:"content_hash"`
	RemoteFileID string `db:"remote_file_id"`
	Size         int64  `db:"size"`
	Removed      bool   `db:"removed"`
	UpdatedAt    string `db:"updated_at"`
}

func (r *projectFileRow) toModel() *model.ProjectFile {
	return &model.ProjectFile{
		ProjectID:    r.ProjectID,
		RelativePath: r.RelativePath,
		ContentHash:  r.ContentHash,
		RemoteFileID: r.RemoteFileID,
		Size:         r.Size,
		Removed:      r.Removed,
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

// ProjectFiles returns every tracked file cache row for a project, including
// ones marked removed (callers filter as needed).
func (s *Store) ProjectFiles(ctx context.Context, projectID string) ([]*model.ProjectFile, error) {
	var rows []projectFileRow
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM project_files WHERE project_id = ?`, projectID)
	})
	if err != nil {
		return nil, wrapErr("store", "ProjectFiles", err)
	}
	out := make([]*model.ProjectFile, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// UpsertProjectFile inserts or replaces one file-cache row.
func (s *Store) UpsertProjectFile(ctx context.Context, f *model.ProjectFile) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO project_files (project_id, relative_path, content_hash, remote_file_id, size, removed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_id, relative_path) DO UPDATE SET
				content_hash = excluded.content_hash,
				remote_file_id = excluded.remote_file_id,
				size = excluded.size,
				removed = excluded.removed,
				updated_at = excluded.updated_at`,
			f.ProjectID, f.RelativePath, f.ContentHash, f.RemoteFileID, f.Size, f.Removed,
			f.UpdatedAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return wrapErr("store", "UpsertProjectFile", err)
	}
	return nil
}

// DeleteProjectFile marks a file-cache row removed rather than deleting the
// row outright, consistent with the engine's default soft-delete lifecycle.
func (s *Store) DeleteProjectFile(ctx context.Context, projectID, relativePath string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE project_files SET removed = 1, updated_at = ? WHERE project_id = ? AND relative_path = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), projectID, relativePath)
		return err
	})
	if err != nil {
		return wrapErr("store", "DeleteProjectFile", err)
	}
	return nil
}
