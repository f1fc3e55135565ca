package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

// StartSyncRun inserts a new SyncRun row and returns its generated ID.
func (s *Store) StartSyncRun(ctx context.Context, projectID string) (string, error) {
	id := uuid.NewString()
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sync_runs (id, project_id, started_at) VALUES (?, ?, ?)`,
			id, projectID, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return "", wrapErr("store", "StartSyncRun", err)
	}
	return id, nil
}

// CompleteSyncRun finalizes a SyncRun's counters and completion time.
func (s *Store) CompleteSyncRun(ctx context.Context, run *model.SyncRun) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sync_runs SET completed_at = ?, created = ?, updated = ?, skipped = ?,
				errored = ?, timed_out = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano),
			run.Created, run.Updated, run.Skipped, run.Errored, run.TimedOut, run.ID)
		return err
	})
	if err != nil {
		return wrapErr("store", "CompleteSyncRun", err)
	}
	return nil
}

// RecordSyncError appends one SyncError to a run's history.
func (s *Store) RecordSyncError(ctx context.Context, runID string, e model.SyncError) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_errors (run_id, component, operation, identifier, message, retryable)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, e.Component, e.Operation, e.Identifier, e.Message, e.Retryable)
		return err
	})
	if err != nil {
		return wrapErr("store", "RecordSyncError", err)
	}
	return nil
}

// GetSyncRun returns a run and its recorded errors.
func (s *Store) GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error) {
	type runRow struct {
		ID          string         `db:"id"`
		ProjectID   string         `db:"project_id"`
		StartedAt   string         `db:"started_at"`
		CompletedAt sql.NullString `db:"completed_at"`
		Created     int            `db:"created"`
		Updated     int            `db:"updated"`
		Skipped     int            `db:"skipped"`
		Errored     int            `db:"errored"`
		TimedOut    bool           `db:"timed_out"`
	}
	var row runRow
	if err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM sync_runs WHERE id = ?`, id)
	}); err != nil {
		return nil, wrapErr("store", "GetSyncRun", err)
	}

	type errRow struct {
		Component  string `db:"component"`
		Operation  string `db:"operation"`
		Identifier string `db:"identifier"`
		Message    string `db:"message"`
		Retryable  bool   `db:"retryable"`
	}
	var errs []errRow
	if err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &errs, `SELECT component, operation, identifier, message, retryable FROM sync_errors WHERE run_id = ?`, id)
	}); err != nil {
		return nil, wrapErr("store", "GetSyncRun", err)
	}

	run := &model.SyncRun{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		StartedAt: parseTime(row.StartedAt),
		Created:   row.Created,
		Updated:   row.Updated,
		Skipped:   row.Skipped,
		Errored:   row.Errored,
		TimedOut:  row.TimedOut,
	}
	if row.CompletedAt.Valid {
		run.CompletedAt = parseTime(row.CompletedAt.String)
	}
	for _, e := range errs {
		run.Errors = append(run.Errors, model.SyncError{
			Component:  e.Component,
			Operation:  e.Operation,
			Identifier: e.Identifier,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return run, nil
}
