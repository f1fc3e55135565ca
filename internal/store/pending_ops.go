package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

// CreatePendingOp durably records intent to perform a remote mutation
// before attempting it, so a crash between the remote call and the local
// mapping write can be detected and compensated for on restart. This is
// the crash-safety primitive internal/workflow builds its durable-retry
// runtime on.
func (s *Store) CreatePendingOp(ctx context.Context, op *model.PendingOp) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_ops (id, op_type, target, project_id, identifier, payload, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.OpType, string(op.Target), op.ProjectID, op.Identifier, op.Payload,
			string(model.PendingOpPending), time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return wrapErr("store", "CreatePendingOp", err)
	}
	return nil
}

// MarkPendingOpSucceeded resolves a PendingOp with its result payload.
func (s *Store) MarkPendingOpSucceeded(ctx context.Context, id string, result []byte) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops SET state = ?, result = ?, resolved_at = ? WHERE id = ?`,
			string(model.PendingOpSucceeded), result, time.Now().UTC().Format(time.RFC3339Nano), id)
		return err
	})
	if err != nil {
		return wrapErr("store", "MarkPendingOpSucceeded", err)
	}
	return nil
}

// MarkPendingOpFailed resolves a PendingOp as permanently failed.
func (s *Store) MarkPendingOpFailed(ctx context.Context, id string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops SET state = ?, resolved_at = ? WHERE id = ?`,
			string(model.PendingOpFailed), time.Now().UTC().Format(time.RFC3339Nano), id)
		return err
	})
	if err != nil {
		return wrapErr("store", "MarkPendingOpFailed", err)
	}
	return nil
}

// UnresolvedPendingOps returns every PendingOp still in the pending state,
// used on startup to resume or compensate for interrupted mutations.
func (s *Store) UnresolvedPendingOps(ctx context.Context) ([]*model.PendingOp, error) {
	type opRow struct {
		ID         string         `db:"id"`
		OpType     string         `db:"op_type"`
		Target     string         `db:"target"`
		ProjectID  string         `db:"project_id"`
		Identifier string         `db:"identifier"`
		Payload    []byte         `db:"payload"`
		Result     []byte         `db:"result"`
		State      string         `db:"state"`
		CreatedAt  string         `db:"created_at"`
		ResolvedAt sql.NullString `db:"resolved_at"`
	}
	var rows []opRow
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, `SELECT * FROM pending_ops WHERE state = ? ORDER BY created_at ASC`, string(model.PendingOpPending))
	})
	if err != nil {
		return nil, wrapErr("store", "UnresolvedPendingOps", err)
	}
	out := make([]*model.PendingOp, len(rows))
	for i, r := range rows {
		out[i] = &model.PendingOp{
			ID:         r.ID,
			OpType:     r.OpType,
			Target:     model.System(r.Target),
			ProjectID:  r.ProjectID,
			Identifier: r.Identifier,
			Payload:    r.Payload,
			Result:     r.Result,
			State:      model.PendingOpState(r.State),
			CreatedAt:  parseTime(r.CreatedAt),
		}
		if r.ResolvedAt.Valid {
			out[i].ResolvedAt = parseTime(r.ResolvedAt.String)
		}
	}
	return out, nil
}
