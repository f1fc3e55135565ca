// Package store is the durable mapping store: the single source of truth
// for every canonical Issue/Project row, every in-flight PendingOp, and
// every SyncRun history entry. It is a WAL-mode SQLite database opened via
// the pure-Go modernc.org/sqlite driver, so this module stays free of a
// cgo dependency, and wrapped with jmoiron/sqlx for scan convenience.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// Store wraps the mapping database. All exported methods are safe for
// concurrent use; SQLite enforces single-writer semantics internally and
// withRetry absorbs the resulting SQLITE_BUSY errors.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the mapping database at path, puts it in
// WAL mode, and runs any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single open connection avoids SQLITE_BUSY storms under WAL; it
	// also serializes this process's reads along with its writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy implements internal/httpapi's HealthChecker.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// busyMaxElapsed bounds how long withRetry will keep absorbing
// SQLITE_BUSY/locked errors before giving up.
const busyMaxElapsed = 10 * time.Second

func newBusyBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = busyMaxElapsed
	bo.InitialInterval = 20 * time.Millisecond
	return bo
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "sqlite_busy") ||
		strings.Contains(s, "sqlite_locked") ||
		strings.Contains(s, "busy")
}

// withRetry retries op against transient SQLITE_BUSY/locked errors with
// exponential backoff.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := newBusyBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusyErr(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// wrapErr classifies a raw *sql errors into the engine's taxonomy.
func wrapErr(component, operation string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return syncerr.New(syncerr.NotFound, syncerr.Context{Component: component, Operation: operation}, err)
	}
	if isBusyErr(err) {
		return syncerr.New(syncerr.Transient, syncerr.Context{Component: component, Operation: operation}, err)
	}
	return syncerr.New(syncerr.Permanent, syncerr.Context{Component: component, Operation: operation}, err)
}
