package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FullSyncStatus is the lifecycle state of one full-sync sweep.
type FullSyncStatus string

const (
	FullSyncRunning   FullSyncStatus = "running"
	FullSyncCompleted FullSyncStatus = "completed"
	FullSyncFailed    FullSyncStatus = "failed"
)

// FullSyncCheckpoint is one row of the sync_history table: the resumable
// state of a bulk full-sync driver run.
type FullSyncCheckpoint struct {
	ID                string
	StartedAt         time.Time
	CompletedAt       time.Time
	TotalProjects     int
	CompletedProjects []string
	Status            FullSyncStatus
}

// StartFullSync inserts a new sync_history row and returns its ID.
func (s *Store) StartFullSync(ctx context.Context, totalProjects int) (string, error) {
	id := uuid.NewString()
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sync_history (id, started_at, total_projects, completed_projects, status)
			 VALUES (?, ?, ?, '[]', ?)`,
			id, time.Now().UTC().Format(time.RFC3339Nano), totalProjects, FullSyncRunning)
		return err
	})
	if err != nil {
		return "", wrapErr("store", "StartFullSync", err)
	}
	return id, nil
}

// CheckpointFullSync records that projectID has completed within run id,
// so a resumed run can skip it.
func (s *Store) CheckpointFullSync(ctx context.Context, id, projectID string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		var raw string
		if err := tx.GetContext(ctx, &raw, `SELECT completed_projects FROM sync_history WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return err
		}
		var completed []string
		if err := json.Unmarshal([]byte(raw), &completed); err != nil {
			_ = tx.Rollback()
			return err
		}
		completed = append(completed, projectID)
		encoded, err := json.Marshal(completed)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sync_history SET completed_projects = ? WHERE id = ?`, string(encoded), id); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// CompleteFullSync marks a sync_history row with its final status.
func (s *Store) CompleteFullSync(ctx context.Context, id string, status FullSyncStatus) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sync_history SET completed_at = ?, status = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), status, id)
		return err
	})
	if err != nil {
		return wrapErr("store", "CompleteFullSync", err)
	}
	return nil
}

// GetFullSyncCheckpoint returns a sync_history row, including the set of
// projects already completed, so a resumed run can skip them.
func (s *Store) GetFullSyncCheckpoint(ctx context.Context, id string) (*FullSyncCheckpoint, error) {
	type row struct {
		ID                string         `db:"id"`
		StartedAt         string         `db:"started_at"`
		CompletedAt       sql.NullString `db:"completed_at"`
		TotalProjects     int            `db:"total_projects"`
		CompletedProjects string         `db:"completed_projects"`
		Status            string         `db:"status"`
	}
	var r row
	if err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &r, `SELECT * FROM sync_history WHERE id = ?`, id)
	}); err != nil {
		return nil, wrapErr("store", "GetFullSyncCheckpoint", err)
	}

	var completed []string
	if err := json.Unmarshal([]byte(r.CompletedProjects), &completed); err != nil {
		return nil, wrapErr("store", "GetFullSyncCheckpoint", err)
	}

	out := &FullSyncCheckpoint{
		ID:                r.ID,
		StartedAt:         parseTime(r.StartedAt),
		TotalProjects:     r.TotalProjects,
		CompletedProjects: completed,
		Status:            FullSyncStatus(r.Status),
	}
	if r.CompletedAt.Valid {
		out.CompletedAt = parseTime(r.CompletedAt.String)
	}
	return out, nil
}
