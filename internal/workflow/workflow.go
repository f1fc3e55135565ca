// Package workflow is the in-process durable-retry runtime: every
// cross-system mutation the orchestrator dispatches runs as an Activity
// wrapped with a PendingOp ledger entry, so a crash between "mutate the
// remote system" and "persist the mapping row" is detectable and
// compensable on restart, and transient failures are retried with the same
// jittered backoff convention every external client in this module uses.
// "Retryable vs permanent" classification delegates to internal/syncerr
// rather than string-matching driver errors, since every activity here
// talks through a client that already classifies its own failures.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/model"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// Store is the subset of *store.Store the runtime needs to persist
// PendingOp ledger entries.
type Store interface {
	CreatePendingOp(ctx context.Context, op *model.PendingOp) error
	MarkPendingOpSucceeded(ctx context.Context, id string, result []byte) error
	MarkPendingOpFailed(ctx context.Context, id string) error
	UnresolvedPendingOps(ctx context.Context) ([]*model.PendingOp, error)
}

// Activity is one durably-retried cross-system mutation. Implementations
// must be idempotent with respect to the Payload they were given, since a
// crash after the remote call succeeds but before MarkPendingOpSucceeded
// persists will cause Resume to dispatch it again under the original
// PendingOp (see Resume).
type Activity func(ctx context.Context) (result []byte, err error)

// Policy bounds an activity's retry attempts.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultPolicy mirrors HTTP_MAX_RETRY_ATTEMPTS/HTTP_BASE_BACKOFF_MS'
// defaults, since most activities are themselves a single external client
// call that already retries internally; the runtime's own retry budget
// covers failures the client gave up on (e.g. a Conflict needing a fresh
// read) rather than duplicating transport-level retry.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseBackoff: 250 * time.Millisecond}
}

// Runtime dispatches Activities under a PendingOp ledger.
type Runtime struct {
	store  Store
	policy Policy
}

// New creates a Runtime backed by store, using policy for every Dispatch
// call unless overridden per-call.
func New(store Store, policy Policy) *Runtime {
	return &Runtime{store: store, policy: policy}
}

func (r *Runtime) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.BaseBackoff
	return backoff.WithMaxRetries(bo, uint64(r.policy.MaxAttempts-1))
}

// Dispatch records intent, runs the activity with retry/backoff
// classification, and resolves the PendingOp with the outcome. It returns
// the activity's result and error; the PendingOp's ID is not returned.
func (r *Runtime) Dispatch(ctx context.Context, opType string, target model.System, projectID, identifier string, payload []byte, activity Activity) ([]byte, error) {
	log := logging.From(ctx)
	op := &model.PendingOp{
		ID:         uuid.NewString(),
		OpType:     opType,
		Target:     target,
		ProjectID:  projectID,
		Identifier: identifier,
		Payload:    payload,
	}
	if err := r.store.CreatePendingOp(ctx, op); err != nil {
		return nil, fmt.Errorf("workflow: record pending op: %w", err)
	}

	attempt := 0
	var result []byte
	runErr := backoff.Retry(func() error {
		attempt++
		res, err := activity(ctx)
		if err == nil {
			result = res
			return nil
		}
		if syncerr.IsConflict(err) || !syncerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn("activity attempt failed, retrying", "op_type", opType, "target", target, "identifier", identifier, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(r.newBackoff(), ctx))

	if runErr != nil {
		if markErr := r.store.MarkPendingOpFailed(ctx, op.ID); markErr != nil {
			log.Error("failed to mark pending op failed", "op_id", op.ID, "error", markErr)
		}
		return nil, runErr
	}
	if err := r.store.MarkPendingOpSucceeded(ctx, op.ID, result); err != nil {
		return result, fmt.Errorf("workflow: persist pending op result: %w", err)
	}
	return result, nil
}

// ResumeHandler re-executes or compensates one PendingOp left unresolved by
// a prior crash. Registered per OpType by the orchestrator, since only it
// knows how to replay a given mutation from its Payload.
type ResumeHandler func(ctx context.Context, op *model.PendingOp) (result []byte, err error)

// Resume replays every unresolved PendingOp at startup, dispatching each to
// the handler registered for its OpType. PendingOps with no registered
// handler are left pending and logged, rather than silently dropped or
// marked failed — an unrecognized op type means this binary version
// doesn't know how to compensate it yet, not that it's unrecoverable.
func (r *Runtime) Resume(ctx context.Context, handlers map[string]ResumeHandler) error {
	log := logging.From(ctx)
	ops, err := r.store.UnresolvedPendingOps(ctx)
	if err != nil {
		return fmt.Errorf("workflow: list unresolved pending ops: %w", err)
	}
	for _, op := range ops {
		handler, ok := handlers[op.OpType]
		if !ok {
			log.Warn("no resume handler registered for pending op type, leaving unresolved", "op_id", op.ID, "op_type", op.OpType)
			continue
		}
		result, err := handler(ctx, op)
		if err != nil {
			log.Error("resume of pending op failed", "op_id", op.ID, "op_type", op.OpType, "error", err)
			if markErr := r.store.MarkPendingOpFailed(ctx, op.ID); markErr != nil {
				log.Error("failed to mark resumed pending op failed", "op_id", op.ID, "error", markErr)
			}
			continue
		}
		if err := r.store.MarkPendingOpSucceeded(ctx, op.ID, result); err != nil {
			log.Error("failed to persist resumed pending op result", "op_id", op.ID, "error", err)
		}
	}
	return nil
}

// MarshalPayload is a small convenience so callers building a Dispatch
// payload don't each re-implement marshal-or-panic guards.
func MarshalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal payload: %w", err)
	}
	return b, nil
}
