// Package orchestrator drives the full installation pipeline: validate,
// connect, migrate, persist, deploy, configure, start, verify, write
// artifacts. It owns the single-run guard and the cooperative cancel flag,
// and emits progress through a caller-supplied capability rather than a
// global sink.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cadalytix/installer/pkg/dbconn"
	"github.com/cadalytix/installer/pkg/deployfiles"
	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/manifestwriter"
	"github.com/cadalytix/installer/pkg/metrics"
	"github.com/cadalytix/installer/pkg/migrate"
	"github.com/cadalytix/installer/pkg/secret"
	"github.com/cadalytix/installer/pkg/store"
	"github.com/cadalytix/installer/pkg/types"
	"github.com/cadalytix/installer/pkg/validate"
)

// Phase percent bands, fixed so UI pacing is predictable across runs.
const (
	bandStart             = 1
	bandValidate          = 2
	bandPreflight         = 3
	bandArchivePolicy     = 4
	bandConnectLow        = 5
	bandConnectHigh       = 9
	bandMigrateLow        = 10
	bandMigrateHigh       = 55
	bandPersist           = 60
	bandDeployPrep        = 70
	bandDeployLow         = 72
	bandDeployHigh        = 88
	bandRuntimeConfig     = 89
	bandServicePlaceholds = 90
	bandServiceStart      = 91
	bandServiceVerify     = 92
	bandWriteManifest     = 94
	bandComplete          = 100
)

// Config wires the orchestrator's collaborators; everything here is
// resolved once per process and shared across runs.
type Config struct {
	RuntimeRoot           string // resolved via ResolveRuntimeRoot if empty
	MigrationManifestPath string
	SecretKeyPath         string
	AppliedBy             string
	LogDir                string
}

// Orchestrator enforces the single-run guard and cooperative cancellation
// for the process.
type Orchestrator struct {
	cfg Config

	running    atomic.Bool
	cancelFlag atomic.Bool
}

// New returns an Orchestrator bound to cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Cancel requests cooperative cancellation of the in-progress run, if any.
// Idempotent and best-effort: the next checkpoint observes it.
func (o *Orchestrator) Cancel() {
	o.cancelFlag.Store(true)
}

func (o *Orchestrator) cancelled() bool {
	return o.cancelFlag.Load()
}

// Run executes exactly one installation. A second concurrent call fails
// fast with AlreadyRunning. emit is invoked synchronously and must not
// block; callers forward events to a channel or window.
func (o *Orchestrator) Run(ctx context.Context, req *types.InstallRequest, emit func(types.ProgressEvent)) *types.TerminalEvent {
	if !o.running.CompareAndSwap(false, true) {
		return errorTerminal("", types.NewError(types.KindAlreadyRunning,
			fmt.Errorf("orchestrator: an installation is already running in this process")))
	}
	defer o.running.Store(false)
	o.cancelFlag.Store(false)

	correlationID := uuid.NewString()
	logger := log.WithCorrelationID(correlationID)

	r := &runState{o: o, req: req, emit: emit, correlationID: correlationID}
	// The config-DB pool is owned by the run; release it on every exit path.
	defer r.closeDB()

	if err := r.execute(ctx); err != nil {
		logger.Error().Err(err).Msg("installation failed")
		if kind, _ := types.ErrorKind(err); kind == types.KindCancelled {
			metrics.InstallationsTotal.WithLabelValues("cancelled").Inc()
		} else {
			metrics.InstallationsTotal.WithLabelValues("error").Inc()
		}
		return errorTerminal(correlationID, err)
	}

	metrics.InstallationsTotal.WithLabelValues("complete").Inc()
	logger.Info().Msg("installation complete")
	return &types.TerminalEvent{CorrelationID: correlationID, OK: true, Message: "Installation complete."}
}

func errorTerminal(correlationID string, err error) *types.TerminalEvent {
	return &types.TerminalEvent{CorrelationID: correlationID, OK: false, Message: sanitize(err)}
}

// sanitize produces the user-safe message for a terminal error event —
// never a raw driver error or connection string.
func sanitize(err error) string {
	kind, ok := types.ErrorKind(err)
	if !ok {
		return "Installation failed."
	}
	switch kind {
	case types.KindInvalidInput:
		return err.Error()
	case types.KindUnreachable:
		return "Unable to connect. Verify host, credentials, and network access."
	case types.KindMigrationFailed:
		return "Database migration failed."
	case types.KindChecksumMismatch:
		return "A migration file failed integrity verification."
	case types.KindDeploymentFailed:
		return "File deployment failed: " + err.Error()
	case types.KindServiceStartFailed:
		return "Service failed to start."
	case types.KindVerifyFailed:
		return "Post-install verification failed."
	case types.KindCancelled:
		return "Installation cancelled."
	case types.KindAlreadyRunning:
		return "An installation is already in progress."
	case types.KindSignatureInvalid, types.KindInstallIDMismatch:
		return "License verification failed."
	case types.KindCapExceeded:
		return "Archive destination capacity exceeded."
	default:
		return "Installation failed."
	}
}

// runState threads per-run collaborators through the phase helpers. It is
// unexported: callers only ever see Orchestrator.Run.
type runState struct {
	o             *Orchestrator
	req           *types.InstallRequest
	emit          func(types.ProgressEvent)
	correlationID string

	db         *dbconnHandle
	protector  *secret.Protector
	manifest   []types.ManifestFileEntry
	phaseStart time.Time
}

type dbconnHandle struct {
	db      *sql.DB
	engine  dbconn.Engine
	version int
	store   *store.Store
	runner  *migrate.Runner
}

func (r *runState) progress(phase string, percent int, message string) {
	if !r.phaseStart.IsZero() {
		metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(r.phaseStart).Seconds())
	}
	r.phaseStart = time.Now()
	r.emit(types.ProgressEvent{
		CorrelationID: r.correlationID,
		Step:          phase,
		Severity:      types.SeverityInfo,
		Phase:         phase,
		Percent:       percent,
		Message:       message,
	})
}

func (r *runState) checkpoint(phase string) error {
	if r.o.cancelled() {
		return types.NewError(types.KindCancelled, fmt.Errorf("orchestrator: cancelled at %s", phase))
	}
	return nil
}

func (r *runState) execute(ctx context.Context) error {
	r.progress("start", bandStart, "Starting installation")

	if err := r.validateRequest(); err != nil {
		return err
	}
	if err := r.checkpoint("validate request"); err != nil {
		return err
	}
	r.progress("validate request", bandValidate, "Validated installation request")

	if err := r.preflight(); err != nil {
		return err
	}
	if err := r.checkpoint("preflight resources"); err != nil {
		return err
	}
	r.progress("preflight resources", bandPreflight, "Preflight checks passed")

	if err := r.validateArchivePolicy(); err != nil {
		return err
	}
	if err := r.checkpoint("archive policy validation"); err != nil {
		return err
	}
	r.progress("archive policy validation", bandArchivePolicy, "Archive policy validated")

	if err := r.connect(ctx); err != nil {
		return err
	}
	if err := r.checkpoint("db connect"); err != nil {
		return err
	}
	r.progress("db connect", bandConnectHigh, fmt.Sprintf("Connected to %s", r.db.engine))

	if err := r.applyMigrations(ctx); err != nil {
		return err
	}
	if err := r.checkpoint("apply migrations"); err != nil {
		return err
	}
	r.progress("apply migrations", bandMigrateHigh, "Migrations applied")

	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.checkpoint("persist settings"); err != nil {
		return err
	}
	r.progress("persist settings", bandPersist, "Settings and mappings persisted")

	shared, platform, err := r.deployPrep()
	if err != nil {
		return err
	}
	if err := r.checkpoint("deploy files prep"); err != nil {
		return err
	}
	r.progress("deploy files prep", bandDeployPrep, "Resolved runtime payload")

	if err := r.deployFiles(ctx, shared, platform); err != nil {
		return err
	}
	if err := r.checkpoint("deploy files"); err != nil {
		return err
	}
	r.progress("deploy files", bandDeployHigh, "Files deployed")

	if err := r.generateRuntimeConfig(); err != nil {
		return err
	}
	if err := r.checkpoint("generate runtime config"); err != nil {
		return err
	}
	r.progress("generate runtime config", bandRuntimeConfig, "Runtime configuration generated")

	if err := r.writeServicePlaceholders(); err != nil {
		return err
	}
	if err := r.checkpoint("service placeholders"); err != nil {
		return err
	}
	r.progress("service placeholders", bandServicePlaceholds, "Service artifacts prepared")

	if err := r.startService(ctx); err != nil {
		return err
	}
	if err := r.checkpoint("service start"); err != nil {
		return err
	}
	r.progress("service start", bandServiceStart, "Service started")

	if err := r.verifyService(ctx); err != nil {
		return err
	}
	if err := r.checkpoint("service verify"); err != nil {
		return err
	}
	r.progress("service verify", bandServiceVerify, "Service verified")

	if err := r.writeManifest(); err != nil {
		return err
	}
	if err := r.checkpoint("write manifest"); err != nil {
		return err
	}
	r.progress("write manifest", bandWriteManifest, "Installation manifest written")

	r.progress("complete", bandComplete, "Installation complete")
	return nil
}

func (r *runState) validateRequest() error {
	if !r.req.Consent {
		return types.NewError(types.KindInvalidInput, fmt.Errorf("installation consent is required"))
	}
	if r.req.DBSetup.CreateNew {
		return types.NewError(types.KindInvalidInput,
			fmt.Errorf("creating a new database is not yet implemented; connect to an existing database instead"))
	}
	if r.req.ConfigDBConnStr == "" {
		return types.NewError(types.KindInvalidInput, fmt.Errorf("Database connection is required."))
	}
	if err := validate.ConnectionString(r.req.ConfigDBConnStr); err != nil {
		return types.NewError(types.KindInvalidInput, fmt.Errorf("config database connection string is invalid: %w", err))
	}
	if r.req.SourceDBConnStr != "" {
		if err := validate.ConnectionString(r.req.SourceDBConnStr); err != nil {
			return types.NewError(types.KindInvalidInput, fmt.Errorf("source database connection string is invalid: %w", err))
		}
	}
	if err := validate.HotRetentionMonths(r.req.HotRetentionMo); err != nil {
		return types.NewError(types.KindInvalidInput, err)
	}
	if r.req.Destination == "" {
		return types.NewError(types.KindInvalidInput, fmt.Errorf("destination path is required"))
	}
	return nil
}

func (r *runState) preflight() error {
	if err := os.MkdirAll(r.req.Destination, 0o755); err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: create destination %s: %w", r.req.Destination, err))
	}
	return nil
}

func (r *runState) validateArchivePolicy() error {
	if err := validate.DayOfMonth(r.req.Archive.Schedule.DayOfMonth); err != nil {
		return types.NewError(types.KindInvalidInput, err)
	}
	if err := validate.TimeOfDay(r.req.Archive.Schedule.TimeLocal); err != nil {
		return types.NewError(types.KindInvalidInput, err)
	}
	if err := validate.MaxUsageGB(r.req.Archive.MaxUsageGB); err != nil {
		return types.NewError(types.KindInvalidInput, err)
	}
	return nil
}

func (r *runState) connect(ctx context.Context) error {
	db, engine, err := dbconn.ConnectWithRetry(ctx, r.req.ConfigDBConnStr)
	if err != nil {
		return err
	}
	version := dbconn.DetectVersion(ctx, db, engine)

	r.protector = secret.New(r.o.cfg.SecretKeyPath)
	r.db = &dbconnHandle{
		db:      db,
		engine:  engine,
		version: version,
		store:   store.New(db, engine, r.protector),
		runner:  migrate.NewRunner(db, engine, r.o.cfg.AppliedBy),
	}
	return nil
}

// closeDB releases the run-scoped connection pool shared by the store and
// the migration runner. A no-op when the run failed before connecting.
func (r *runState) closeDB() {
	if r.db == nil || r.db.db == nil {
		return
	}
	if err := r.db.db.Close(); err != nil {
		logger := log.WithComponent("orchestrator")
		logger.Warn().Err(err).Msg("failed to close config db connection")
	}
}

func (r *runState) applyMigrations(ctx context.Context) error {
	manifest, err := migrate.LoadManifest(r.o.cfg.MigrationManifestPath)
	if err != nil {
		return types.NewError(types.KindMigrationFailed, err)
	}

	onProgress := func(name string) {
		r.progress("apply migrations", bandMigrateLow, fmt.Sprintf("Applying %s", name))
	}
	checkCancel := func() bool { return r.o.cancelled() }

	if err := r.db.runner.Run(ctx, manifest, r.db.version, checkCancel, onProgress); err != nil {
		return err
	}

	// Best-effort column-presence check on the namespaced tables; a miss
	// logs a warning without failing the run.
	migrate.VerifySchema(ctx, r.db.runner.DB, r.db.engine, map[string][]string{
		"instance_settings":  {"key", "value", "updated_at"},
		"applied_migrations": {"migration_name", "applied_at"},
		"wizard_checkpoints": {"step_name", "state_json", "updated_at"},
		"license_state":      {"mode", "status", "signed_token_blob"},
		"setup_events":       {"event_type", "occurred_at"},
		"schema_mapping":     {"canonical_field", "source_column"},
	})
	return nil
}

func (r *runState) persist(ctx context.Context) error {
	if err := r.db.store.SetSetting(ctx, "config_db_connection_string_masked", maskHost(r.req.ConfigDBConnStr)); err != nil {
		logger := log.WithComponent("orchestrator")
		logger.Warn().Err(err).Msg("failed to persist masked connection string, continuing")
	}
	if r.req.Mapping != nil {
		if err := r.db.store.SaveMapping(ctx, r.req.Mapping); err != nil {
			return types.NewError(types.KindMigrationFailed, fmt.Errorf("orchestrator: persist mapping: %w", err))
		}
	}
	if err := r.db.store.SetCheckpoint(ctx, "persist settings", map[string]any{"completed_at": time.Now().UTC()}); err != nil {
		logger := log.WithComponent("orchestrator")
		logger.Warn().Err(err).Msg("failed to persist checkpoint, continuing")
	}
	return nil
}

func maskHost(connStr string) string {
	engine := dbconn.GuessEngine(connStr)
	if engine == dbconn.EnginePostgres {
		return "postgres://***"
	}
	return "sqlserver://***"
}

func (r *runState) deployPrep() (shared, platform string, err error) {
	root := r.o.cfg.RuntimeRoot
	if root == "" {
		root, err = ResolveRuntimeRoot()
		if err != nil {
			return "", "", types.NewError(types.KindDeploymentFailed, err)
		}
	}
	return runtimeSources(root, r.req.Mode)
}

func (r *runState) deployFiles(ctx context.Context, roots ...string) error {
	percentSpan := bandDeployHigh - bandDeployLow
	var allFiles []string
	var allRoots []string
	for _, root := range roots {
		files, err := deployfiles.Collect(root)
		if err != nil {
			return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: collect %s: %w", root, err))
		}
		for _, f := range files {
			allFiles = append(allFiles, f)
			allRoots = append(allRoots, root)
		}
	}

	lastPercent := -1
	for i, rel := range allFiles {
		if err := r.checkpoint("deploy files"); err != nil {
			return err
		}
		src := filepath.Join(allRoots[i], rel)
		dst := filepath.Join(r.req.Destination, rel)

		res, err := deployfiles.CopyFile(ctx, src, dst)
		if err != nil {
			return err
		}
		r.manifest = append(r.manifest, types.ManifestFileEntry{
			RelativePath: filepath.ToSlash(rel),
			SHA256:       res.SHA256Hex,
		})
		metrics.DeployedFilesTotal.Inc()
		metrics.DeployedBytesTotal.Add(float64(res.BytesWritten))

		percent := bandDeployLow
		if len(allFiles) > 1 {
			percent = bandDeployLow + (percentSpan * (i + 1) / len(allFiles))
		}
		if percent != lastPercent {
			r.progress("deploy files", percent, fmt.Sprintf("Deployed %s", rel))
			lastPercent = percent
		}
	}
	return nil
}

func (r *runState) generateRuntimeConfig() error {
	path := filepath.Join(r.req.Destination, "appsettings.json")
	if _, err := os.Stat(path); err == nil {
		return nil // never overwrite an existing, possibly user-edited config
	}
	cfg := map[string]any{
		"mode":        r.req.Mode,
		"destination": r.req.Destination,
	}
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: marshal appsettings: %w", err))
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: write appsettings: %w", err))
	}
	return nil
}

func (r *runState) writeServicePlaceholders() error {
	dir := filepath.Join(r.req.Destination, "installer-artifacts", "service_placeholders")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: create service placeholders dir: %w", err))
	}

	if err := r.writeAuxArtifacts(); err != nil {
		return err
	}

	if r.req.Mode == types.InstallModeDocker {
		composePath := filepath.Join(r.req.Destination, "docker-compose.yml")
		if _, err := os.Stat(composePath); os.IsNotExist(err) {
			placeholder := "# docker-compose placeholder\nversion: \"3.8\"\nservices: {}\n"
			if err := os.WriteFile(composePath, []byte(placeholder), 0o644); err != nil {
				return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: write compose placeholder: %w", err))
			}
		}
	}
	return nil
}

// writeAuxArtifacts records the mapping state and a secret-free view of the
// request alongside the manifest, so support can reconstruct what a run was
// asked to do without access to the config DB.
func (r *runState) writeAuxArtifacts() error {
	dir := filepath.Join(r.req.Destination, "installer-artifacts")

	mapping := r.req.Mapping
	if mapping == nil {
		mapping = types.NewMappingState()
	}
	if err := writeJSONArtifact(filepath.Join(dir, "mapping.json"), map[string]any{
		"source_fields":     mapping.SourceFields,
		"target_fields":     mapping.TargetFields,
		"source_to_targets": mapping.SourceToTargets,
		"target_to_source":  mapping.TargetToSource,
		"override":          mapping.Override,
		"column_mapping":    r.req.ColumnMapping,
	}); err != nil {
		return err
	}

	return writeJSONArtifact(filepath.Join(dir, "install-config.json"), map[string]any{
		"mode":                 r.req.Mode,
		"type":                 r.req.Type,
		"destination":          r.req.Destination,
		"source_object":        r.req.SourceObjectID,
		"storage_policy":       r.req.StoragePolicy,
		"hot_retention_months": r.req.HotRetentionMo,
		"archive":              r.req.Archive,
		"consent":              r.req.Consent,
		"mapping_override":     r.req.MappingOverride,
		"config_db":            maskHost(r.req.ConfigDBConnStr),
	})
}

func writeJSONArtifact(path string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: marshal %s: %w", filepath.Base(path), err))
	}
	if err := os.WriteFile(path, append(body, '\n'), 0o644); err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: write %s: %w", filepath.Base(path), err))
	}
	return nil
}

func (r *runState) startService(ctx context.Context) error {
	if r.req.Mode == types.InstallModeDocker {
		return startDocker(ctx, r.req.Destination)
	}
	return startWindowsService(ctx, r.req.Destination)
}

func (r *runState) verifyService(ctx context.Context) error {
	if r.req.Mode == types.InstallModeDocker {
		return verifyDocker(ctx, r.req.Destination)
	}
	return verifyWindowsService(ctx)
}

func (r *runState) writeManifest() error {
	body, _, err := manifestwriter.Build(r.req, r.manifest)
	if err != nil {
		return types.NewError(types.KindVerifyFailed, err)
	}
	dir := filepath.Join(r.req.Destination, "installer-artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: create artifacts dir: %w", err))
	}
	path := filepath.Join(dir, "install-manifest.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: write manifest: %w", err))
	}
	return nil
}
