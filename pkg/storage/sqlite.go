package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"

	_ "modernc.org/sqlite"
)

var logger = log.WithComponent("storage")

// openPragma opens path with the pragma set spec.md §4.1 requires and
// verifies the connection. SQLite serializes writers regardless of Go
// connection-pool size, so both realizations pin the pool to one
// connection: a second writer would just queue behind busy_timeout
// anyway, and pinning avoids SQLITE_BUSY surfacing as a spurious error
// from a connection that never needed to contend.
func openPragma(path string, busyTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}

// withTx runs fn inside a transaction, committing on nil return and
// rolling back otherwise. A SQLITE_BUSY/SQLITE_LOCKED failure surfaces
// as ErrStoreBusy so callers can count it and move on rather than
// retry indefinitely inside the lock.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreTxDuration, op)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			metrics.StoreBusyTotal.Inc()
			return ErrStoreBusy
		}
		return fmt.Errorf("begin tx %s: %w", op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn().Err(rbErr).Str("op", op).Msg("tx rollback failed")
		}
		if isBusy(err) {
			metrics.StoreBusyTotal.Inc()
			return ErrStoreBusy
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			metrics.StoreBusyTotal.Inc()
			return ErrStoreBusy
		}
		return fmt.Errorf("commit tx %s: %w", op, err)
	}
	return nil
}

// isBusy detects the two lock-contention error strings modernc.org/sqlite
// surfaces once busy_timeout itself has been exhausted.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "sqlite_locked") ||
		strings.Contains(msg, "database is locked")
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func optimize(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "PRAGMA optimize")
	return err
}
