// Package store is the Platform Store: settings, schema mappings, wizard
// checkpoints, the single-row license state, and the setup audit log, all
// under the cadalytix_config schema. Writes to a closed set of sensitive
// setting keys go through the Secret Protector; every read transparently
// decrypts whatever the ENCv1: prefix marks as ciphertext.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadalytix/installer/pkg/dbconn"
	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/secret"
	"github.com/cadalytix/installer/pkg/types"
)

const schema = "cadalytix_config"

// Sensitive setting keys: these are encrypted on write and transparently
// decrypted on read. Every other key is stored as plaintext.
const (
	KeyConfigDBConnString   = "config_db_connection_string"
	KeyCallDataDBConnString = "call_data_db_connection_string"
	KeyBootstrapSecret      = "bootstrap_secret"
	KeyOpsAPIKey            = "ops_api_key"
	KeyWeatherAPIKey        = "weather_api_key"
)

var sensitiveKeys = map[string]bool{
	KeyConfigDBConnString:   true,
	KeyCallDataDBConnString: true,
	KeyBootstrapSecret:      true,
	KeyOpsAPIKey:            true,
	KeyWeatherAPIKey:        true,
}

// Store is the Platform Store bound to one shared config-DB connection.
type Store struct {
	DB        *sql.DB
	Engine    dbconn.Engine
	Protector *secret.Protector
}

// New returns a Store sharing db with the rest of the run.
func New(db *sql.DB, engine dbconn.Engine, protector *secret.Protector) *Store {
	return &Store{DB: db, Engine: engine, Protector: protector}
}

// SetSetting upserts key=value into instance_settings, encrypting value
// first when key is in the sensitive set.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	stored := value
	if sensitiveKeys[key] {
		enc, err := s.Protector.Encrypt(value)
		if err != nil {
			return fmt.Errorf("store: encrypt setting %s: %w", key, err)
		}
		stored = enc
	}
	// "key" and "value" are reserved words on SQL Server; upsert quotes
	// every column name for whichever engine is active.
	return s.upsert(ctx, schema+".instance_settings", []string{"key"}, map[string]any{
		"key": key, "value": stored, "updated_at": time.Now().UTC(),
	})
}

// GetSetting reads key, decrypting the value if it carries the ciphertext
// prefix regardless of whether key is currently in the sensitive set — this
// is what lets rows written under an older sensitive-key policy keep
// reading correctly.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s.instance_settings WHERE %s = %s",
			s.quote("value"), schema, s.quote("key"), s.param(1)), key).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %s: %w", key, err)
	}
	plain, err := s.Protector.Decrypt(raw)
	if err != nil {
		return "", false, fmt.Errorf("store: decrypt setting %s: %w", key, err)
	}
	return plain, true, nil
}

// SetCheckpoint upserts the wizard's state for a step.
func (s *Store) SetCheckpoint(ctx context.Context, step string, state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal checkpoint %s: %w", step, err)
	}
	return s.upsert(ctx, schema+".wizard_checkpoints", []string{"step_name"}, map[string]any{
		"step_name": step, "state_json": string(body), "updated_at": time.Now().UTC(),
	})
}

// GetCheckpoint loads a step's last-persisted state, if any.
func (s *Store) GetCheckpoint(ctx context.Context, step string) (string, bool, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT state_json FROM %s.wizard_checkpoints WHERE step_name = %s", schema, s.param(1)), step).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get checkpoint %s: %w", step, err)
	}
	return raw, true, nil
}

// SaveLicenseState persists the single license_state row: update the
// lowest id if one exists, otherwise insert. Never creates a second row.
func (s *Store) SaveLicenseState(ctx context.Context, ls *types.LicenseState) error {
	encInstall, err := s.Protector.Encrypt(ls.EncryptedInstallToken)
	if err != nil {
		return fmt.Errorf("store: encrypt install token: %w", err)
	}
	encSigned, err := s.Protector.Encrypt(ls.EncryptedSignedToken)
	if err != nil {
		return fmt.Errorf("store: encrypt signed token: %w", err)
	}

	var existingID sql.NullInt64
	err = s.DB.QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(id) FROM %s.license_state", schema)).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: lookup license row: %w", err)
	}

	now := time.Now().UTC()
	if existingID.Valid {
		_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s.license_state SET
				mode=%s, masked_key=%s, fingerprint=%s, status=%s,
				issued_at=%s, expires_at=%s, grace_until=%s,
				last_verified=%s, signed_token_blob=%s, install_token=%s,
				last_seen_now_utc=%s, last_seen_expires_utc=%s, install_id=%s, updated_at=%s
			WHERE id=%s`, schema,
			s.param(1), s.param(2), s.param(3), s.param(4),
			s.param(5), s.param(6), s.param(7),
			s.param(8), s.param(9), s.param(10),
			s.param(11), s.param(12), s.param(13), s.param(14), s.param(15)),
			string(ls.Mode), ls.MaskedKey, ls.Fingerprint, string(ls.Status),
			ls.IssuedAt, ls.ExpiresAt, ls.GraceUntil,
			now, encSigned, encInstall,
			ls.LastSeenNowUTC, ls.LastSeenExpiresUTC, ls.InstallID, now, existingID.Int64)
		if err != nil {
			return fmt.Errorf("store: update license state: %w", err)
		}
		return nil
	}

	_, err = s.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.license_state
			(mode, masked_key, fingerprint, status, issued_at, expires_at, grace_until,
			 last_verified, signed_token_blob, install_token, last_seen_now_utc, last_seen_expires_utc,
			 install_id, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`, schema,
		s.param(1), s.param(2), s.param(3), s.param(4), s.param(5), s.param(6), s.param(7),
		s.param(8), s.param(9), s.param(10), s.param(11), s.param(12), s.param(13), s.param(14), s.param(15)),
		string(ls.Mode), ls.MaskedKey, ls.Fingerprint, string(ls.Status),
		ls.IssuedAt, ls.ExpiresAt, ls.GraceUntil,
		now, encSigned, encInstall,
		ls.LastSeenNowUTC, ls.LastSeenExpiresUTC, ls.InstallID, now, now)
	if err != nil {
		return fmt.Errorf("store: insert license state: %w", err)
	}
	return nil
}

// RecordEvent appends a setup_events row. Callers treat failures here as
// log-and-continue: the audit trail must never fail an otherwise-successful
// run.
func (s *Store) RecordEvent(ctx context.Context, eventType, description, actor string, metadata map[string]string) error {
	logger := log.WithComponent("store")
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal event metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.setup_events (event_type, description, actor, metadata, occurred_at)
		VALUES (%s, %s, %s, %s, %s)`, schema, s.param(1), s.param(2), s.param(3), s.param(4), s.param(5)),
		eventType, description, actor, string(body), time.Now().UTC())
	if err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to record setup event")
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// SaveMapping replaces schema_mapping with the rows derived from a
// MappingState's target-to-source index.
func (s *Store) SaveMapping(ctx context.Context, ms *types.MappingState) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin mapping tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s.schema_mapping", schema)); err != nil {
		return fmt.Errorf("store: clear schema_mapping: %w", err)
	}

	fieldByID := make(map[string]types.TargetField, len(ms.TargetFields))
	for _, tf := range ms.TargetFields {
		fieldByID[tf.ID] = tf
	}
	sourceByID := make(map[string]types.SourceField, len(ms.SourceFields))
	for _, sf := range ms.SourceFields {
		sourceByID[sf.ID] = sf
	}

	now := time.Now().UTC()
	for targetID, sourceID := range ms.TargetToSource {
		tf := fieldByID[targetID]
		sf := sourceByID[sourceID]
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.schema_mapping
				(source_name, canonical_field, source_column, is_required, created_at, updated_at)
			VALUES (%s, %s, %s, %s, %s, %s)`, schema,
			s.param(1), s.param(2), s.param(3), s.param(4), s.param(5), s.param(6)),
			sf.RawName, tf.Name, sf.RawName, tf.Required, now, now)
		if err != nil {
			return fmt.Errorf("store: insert schema_mapping row for %s: %w", targetID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) upsert(ctx context.Context, table string, naturalKey []string, cols map[string]any) error {
	names := make([]string, 0, len(cols))
	values := make([]any, 0, len(cols))
	for k, v := range cols {
		names = append(names, k)
		values = append(values, v)
	}

	if s.Engine == dbconn.EnginePostgres {
		quoted := make([]string, len(names))
		keyCols := make([]string, len(naturalKey))
		placeholders := make([]string, len(names))
		updates := make([]string, 0, len(names))
		for i, n := range names {
			quoted[i] = s.quote(n)
			placeholders[i] = s.param(i + 1)
			if !contains(naturalKey, n) {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", s.quote(n), s.quote(n)))
			}
		}
		for i, n := range naturalKey {
			keyCols[i] = s.quote(n)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			table, join(quoted), join(placeholders), join(keyCols), join(updates))
		_, err := s.DB.ExecContext(ctx, q, values...)
		return err
	}

	// SQL Server: MERGE on the natural key.
	quoted := make([]string, len(names))
	sourceCols := make([]string, len(names))
	matchCond := make([]string, 0, len(naturalKey))
	updateSet := make([]string, 0, len(names))
	insertVals := make([]string, len(names))
	for i, n := range names {
		quoted[i] = s.quote(n)
		sourceCols[i] = fmt.Sprintf("%s AS %s", s.param(i+1), s.quote(n))
		insertVals[i] = "source." + s.quote(n)
		if contains(naturalKey, n) {
			matchCond = append(matchCond, fmt.Sprintf("target.%s = source.%s", s.quote(n), s.quote(n)))
		} else {
			updateSet = append(updateSet, fmt.Sprintf("%s = source.%s", s.quote(n), s.quote(n)))
		}
	}
	insertCols := join(quoted)
	q := fmt.Sprintf(`
		MERGE %s AS target
		USING (SELECT %s) AS source
		ON %s
		WHEN MATCHED THEN UPDATE SET %s
		WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);`,
		table, join(sourceCols), join(matchCond), join(updateSet), insertCols, join(insertVals))
	_, err := s.DB.ExecContext(ctx, q, values...)
	return err
}

// param renders the i'th bind placeholder in the syntax the active engine
// expects ($N for Postgres, @pN for SQL Server).
func (s *Store) param(i int) string {
	if s.Engine == dbconn.EnginePostgres {
		return fmt.Sprintf("$%d", i)
	}
	return fmt.Sprintf("@p%d", i)
}

// quote renders a column identifier in the active engine's quoting style.
// SQL Server needs brackets because instance_settings uses the reserved
// words key and value as column names.
func (s *Store) quote(col string) string {
	if s.Engine == dbconn.EnginePostgres {
		return `"` + col + `"`
	}
	return "[" + col + "]"
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
