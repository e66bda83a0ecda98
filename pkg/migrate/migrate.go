// Package migrate is the manifest-driven schema migration runner: it
// selects the migrations matching the target engine and version, applies
// each pending one inside its own transaction with checksum verification
// and T-SQL batch splitting, and records history with an idempotent
// upsert so re-running is always safe.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cadalytix/installer/pkg/dbconn"
	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/metrics"
	"github.com/cadalytix/installer/pkg/types"
)

const historyTable = "cadalytix_config.applied_migrations"

// Runner applies pending migrations against one config-DB connection.
type Runner struct {
	DB        *sql.DB
	Engine    dbconn.Engine
	AppliedBy string
}

// NewRunner returns a Runner bound to an already-open connection.
func NewRunner(db *sql.DB, engine dbconn.Engine, appliedBy string) *Runner {
	return &Runner{DB: db, Engine: engine, AppliedBy: appliedBy}
}

// Applied loads the set of already-applied migration names. A missing
// history table (the bootstrap case, where an early migration creates the
// table itself) is tolerated and reported as an empty set rather than an
// error.
func (r *Runner) Applied(ctx context.Context) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf("SELECT migration_name FROM %s", historyTable))
	if err != nil {
		if isMissingTable(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("migrate: query history: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("migrate: scan history row: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func isMissingTable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "invalid object name") || strings.Contains(msg, "no such table")
}

// Run applies every pending migration in m for (engine, version) in order,
// checking cancel at each file boundary. checkCancelled returning true
// aborts the run with types.KindCancelled before the next file starts.
func (r *Runner) Run(ctx context.Context, m *Manifest, version int, checkCancelled func() bool, onProgress func(name string)) error {
	logger := log.WithComponent("migrate")

	applied, err := r.Applied(ctx)
	if err != nil {
		return err
	}

	pending := Select(m, r.Engine, version, applied)
	logger.Info().Int("pending", len(pending)).Int("version", version).Msg("resolved pending migrations")

	appliedNow := make(map[string]appliedRecord, len(pending))
	for _, entry := range pending {
		if checkCancelled != nil && checkCancelled() {
			return types.NewError(types.KindCancelled, fmt.Errorf("migrate: cancelled before %s", entry.Name))
		}
		if onProgress != nil {
			onProgress(entry.Name)
		}
		checksum, execMS, err := r.apply(ctx, m, entry)
		if err != nil {
			return err
		}
		appliedNow[entry.Name] = appliedRecord{checksum: checksum, group: entry.Group, execMS: execMS}
	}

	if len(pending) > 0 {
		r.backfillEnhanced(ctx, appliedNow)
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m *Manifest, entry ManifestEntry) (string, int64, error) {
	logger := log.WithComponent("migrate")

	body, err := os.ReadFile(m.FilePath(entry))
	if err != nil {
		return "", 0, types.NewError(types.KindMigrationFailed, fmt.Errorf("migrate: read %s: %w", entry.Name, err))
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	if entry.Checksum != "" && entry.Checksum != checksum {
		return "", 0, types.NewError(types.KindChecksumMismatch,
			fmt.Errorf("migrate: checksum mismatch for %s: manifest=%s file=%s", entry.Name, entry.Checksum, checksum))
	}

	start := time.Now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, types.NewError(types.KindMigrationFailed, fmt.Errorf("migrate: begin tx for %s: %w", entry.Name, err))
	}

	for _, batch := range r.batches(string(body)) {
		if strings.TrimSpace(batch) == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, batch)
		if err != nil {
			tx.Rollback()
			return "", 0, types.NewError(types.KindMigrationFailed, fmt.Errorf("migrate: apply %s: %w", entry.Name, err))
		}
		drainResult(res)
	}

	execMS := time.Since(start).Milliseconds()
	if err := r.upsertHistory(ctx, tx, entry, checksum, execMS); err != nil {
		tx.Rollback()
		return "", 0, types.NewError(types.KindMigrationFailed, fmt.Errorf("migrate: record history for %s: %w", entry.Name, err))
	}

	if err := tx.Commit(); err != nil {
		return "", 0, types.NewError(types.KindMigrationFailed, fmt.Errorf("migrate: commit %s: %w", entry.Name, err))
	}

	metrics.MigrationDuration.WithLabelValues(entry.Name).Observe(time.Since(start).Seconds())
	metrics.MigrationsAppliedTotal.Inc()
	logger.Info().Str("migration", entry.Name).Int64("execution_ms", execMS).Msg("applied migration")
	return checksum, execMS, nil
}

// batches splits a SQL Server file into T-SQL batches on any line whose
// trimmed content equals GO (case-insensitive). GO is not valid T-SQL; it
// is a client-side batch separator that must never reach the server.
// Postgres files are always a single batch.
func (r *Runner) batches(body string) []string {
	if r.Engine == dbconn.EnginePostgres {
		return []string{body}
	}

	var batches []string
	var cur strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "GO") {
			batches = append(batches, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	batches = append(batches, cur.String())
	return batches
}

func drainResult(res sql.Result) {
	// database/sql has already consumed the result set for Exec; this is a
	// no-op placeholder for drivers whose Exec leaves extra result sets,
	// kept to document the "drain all result sets" requirement explicitly.
	_ = res
}

// enhancedProbe works on both engines: information_schema is ANSI and the
// schema/table/column names are fixed.
const enhancedProbe = `SELECT 1 FROM information_schema.columns WHERE table_schema = 'cadalytix_config' AND table_name = 'applied_migrations' AND column_name = 'checksum'`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// hasEnhancedColumns reports whether the history table already carries the
// enhanced columns. Probing through q matters: during a migration's own
// transaction only the tx connection sees DDL it has not yet committed.
func hasEnhancedColumns(ctx context.Context, q rowQuerier) bool {
	var one int
	return q.QueryRowContext(ctx, enhancedProbe).Scan(&one) == nil
}

func (r *Runner) upsertHistory(ctx context.Context, tx *sql.Tx, entry ManifestEntry, checksum string, execMS int64) error {
	now := time.Now().UTC()

	// Bootstrap: the first migration creates the history table itself with
	// only (migration_name, applied_at); the enhanced columns arrive in a
	// later migration. Until they exist, record the two-column row and let
	// backfillEnhanced fill the rest in after the full pending set applies.
	if !hasEnhancedColumns(ctx, tx) {
		if r.Engine == dbconn.EnginePostgres {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (migration_name, applied_at)
				VALUES ($1, $2)
				ON CONFLICT (migration_name) DO UPDATE SET applied_at = EXCLUDED.applied_at`, historyTable),
				entry.Name, now)
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			MERGE %s AS target
			USING (SELECT @p1 AS migration_name) AS source
			ON target.migration_name = source.migration_name
			WHEN MATCHED THEN UPDATE SET applied_at = @p2
			WHEN NOT MATCHED THEN
				INSERT (migration_name, applied_at) VALUES (@p1, @p2);`, historyTable),
			entry.Name, now)
		return err
	}

	if r.Engine == dbconn.EnginePostgres {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (migration_name, applied_at, checksum, migration_group, engine, execution_time_ms, applied_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (migration_name) DO UPDATE SET
				applied_at = EXCLUDED.applied_at,
				checksum = EXCLUDED.checksum,
				migration_group = EXCLUDED.migration_group,
				engine = EXCLUDED.engine,
				execution_time_ms = EXCLUDED.execution_time_ms,
				applied_by = EXCLUDED.applied_by`, historyTable),
			entry.Name, now, checksum, entry.Group, string(r.Engine), execMS, r.AppliedBy)
		return err
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		MERGE %s AS target
		USING (SELECT @p1 AS migration_name) AS source
		ON target.migration_name = source.migration_name
		WHEN MATCHED THEN UPDATE SET
			applied_at = @p2, checksum = @p3, migration_group = @p4, engine = @p5, execution_time_ms = @p6, applied_by = @p7
		WHEN NOT MATCHED THEN
			INSERT (migration_name, applied_at, checksum, migration_group, engine, execution_time_ms, applied_by)
			VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7);`, historyTable),
		entry.Name, now, checksum, entry.Group, string(r.Engine), execMS, r.AppliedBy)
	return err
}

// appliedRecord is the per-migration metadata Run collects so the backfill
// can repair rows recorded before the enhanced columns existed.
type appliedRecord struct {
	checksum string
	group    string
	execMS   int64
}

// backfillEnhanced fills checksum/migration_group/engine/execution_time_ms/
// applied_by for rows inserted before those columns existed: the bootstrap
// case where the very first migration creates the history table itself,
// predating the migration that adds the enhanced columns. Failure here is
// logged and swallowed; it is a best-effort metadata repair, not a
// correctness requirement of the apply itself.
func (r *Runner) backfillEnhanced(ctx context.Context, applied map[string]appliedRecord) {
	logger := log.WithComponent("migrate")

	// The columns may still be absent (a bundle that never adds them);
	// probe on r.DB, since everything is committed by now.
	if !hasEnhancedColumns(ctx, r.DB) {
		return
	}

	var q string
	if r.Engine == dbconn.EnginePostgres {
		q = fmt.Sprintf(`
			UPDATE %s SET checksum = $1, migration_group = $2, engine = $3, execution_time_ms = $4, applied_by = $5
			WHERE migration_name = $6 AND (checksum IS NULL OR checksum = '')`, historyTable)
	} else {
		q = fmt.Sprintf(`
			UPDATE %s SET checksum = @p1, migration_group = @p2, engine = @p3, execution_time_ms = @p4, applied_by = @p5
			WHERE migration_name = @p6 AND (checksum IS NULL OR checksum = '')`, historyTable)
	}
	filled := 0
	for name, rec := range applied {
		res, err := r.DB.ExecContext(ctx, q, rec.checksum, rec.group, string(r.Engine), rec.execMS, r.AppliedBy, name)
		if err != nil {
			logger.Warn().Err(err).Str("migration", name).Msg("enhanced-column backfill failed, continuing")
			return
		}
		if n, err := res.RowsAffected(); err == nil {
			filled += int(n)
		}
	}
	if filled > 0 {
		logger.Info().Int("rows", filled).Msg("backfilled enhanced migration history columns")
	}
}

// VerifySchema performs a lightweight, best-effort check that each named
// column exists on its table after migrations run. A miss is logged as a
// warning and never fails the run: the authoritative correctness check is
// the transactional migration apply itself.
func VerifySchema(ctx context.Context, db *sql.DB, engine dbconn.Engine, tableColumns map[string][]string) {
	logger := log.WithComponent("migrate")
	for table, columns := range tableColumns {
		for _, col := range columns {
			if !columnExists(ctx, db, engine, table, col) {
				logger.Warn().Str("table", table).Str("column", col).Msg("expected column not found after migration")
			}
		}
	}
}

func columnExists(ctx context.Context, db *sql.DB, engine dbconn.Engine, table, column string) bool {
	var query string
	switch engine {
	case dbconn.EnginePostgres:
		query = `SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`
	default:
		query = `SELECT 1 FROM information_schema.columns WHERE table_name = @p1 AND column_name = @p2`
	}
	var found int
	err := db.QueryRowContext(ctx, query, table, column).Scan(&found)
	return err == nil
}
