package migrate

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cadalytix/installer/pkg/dbconn"
)

// fakeDB simulates just enough of an engine to drive the apply path: the
// history table's lifecycle, the enhanced-column probe, and the strictness
// of inserting into columns that do not exist yet, which is what the
// bootstrap install hits on its very first migration.
type fakeDB struct {
	mu          sync.Mutex
	tableExists bool
	enhanced    bool
	history     map[string]bool
	backfilled  map[string]bool
	statements  []string
}

type fakeConnector struct{ state *fakeDB }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{state: c.state}, nil
}
func (c fakeConnector) Driver() driver.Driver { return fakeDriver{state: c.state} }

type fakeDriver struct{ state *fakeDB }

func (d fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{state: d.state}, nil }

type fakeConn struct{ state *fakeDB }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements = append(s.statements, query)

	switch {
	case strings.Contains(query, "CREATE TABLE") && strings.Contains(query, "applied_migrations"):
		s.tableExists = true
	case strings.Contains(query, "ALTER TABLE") && strings.Contains(query, "checksum"):
		s.enhanced = true
	case strings.Contains(query, "INSERT INTO cadalytix_config.applied_migrations"):
		if !s.tableExists {
			return nil, errors.New(`relation "cadalytix_config.applied_migrations" does not exist`)
		}
		if strings.Contains(query, "checksum") && !s.enhanced {
			return nil, errors.New(`column "checksum" of relation "applied_migrations" does not exist`)
		}
		s.history[args[0].Value.(string)] = true
	case strings.Contains(query, "UPDATE cadalytix_config.applied_migrations") && strings.Contains(query, "checksum"):
		if !s.enhanced {
			return nil, errors.New(`column "checksum" of relation "applied_migrations" does not exist`)
		}
		s.backfilled[args[5].Value.(string)] = true
	}
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(query, "information_schema.columns"):
		rows := &fakeRows{cols: []string{"one"}}
		if s.enhanced {
			rows.data = [][]driver.Value{{int64(1)}}
		}
		return rows, nil
	case strings.Contains(query, "SELECT migration_name FROM"):
		if !s.tableExists {
			return nil, errors.New(`relation "cadalytix_config.applied_migrations" does not exist`)
		}
		rows := &fakeRows{cols: []string{"migration_name"}}
		for name := range s.history {
			rows.data = append(rows.data, []driver.Value{name})
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", query)
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	i    int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.i])
	r.i++
	return nil
}

func shippedManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := LoadManifest(filepath.Join("..", "..", "migrations", "manifest.yaml"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	return m
}

// The bootstrap case: an empty database, the shipped bundle, and a first
// migration that creates the history table itself with only the two basic
// columns. The run must record 001's history with the two-column upsert,
// switch to the full upsert once 002 adds the enhanced columns, and then
// backfill 001's row.
func TestRunAppliesShippedBundleFromBootstrap(t *testing.T) {
	s := &fakeDB{history: map[string]bool{}, backfilled: map[string]bool{}}
	db := sql.OpenDB(fakeConnector{state: s})
	defer db.Close()

	r := NewRunner(db, dbconn.EnginePostgres, "installer")
	if err := r.Run(context.Background(), shippedManifest(t), 17, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{"001_init_config_schema", "002_applied_migrations_enhanced"} {
		if !s.history[name] {
			t.Errorf("history row missing for %s", name)
		}
	}
	if !s.backfilled["001_init_config_schema"] {
		t.Error("001's history row was not backfilled with enhanced metadata")
	}
}

func TestRunShippedBundleIsIdempotent(t *testing.T) {
	s := &fakeDB{history: map[string]bool{}, backfilled: map[string]bool{}}
	db := sql.OpenDB(fakeConnector{state: s})
	defer db.Close()

	m := shippedManifest(t)
	r := NewRunner(db, dbconn.EnginePostgres, "installer")
	if err := r.Run(context.Background(), m, 17, nil, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	before := len(s.statements)
	if err := r.Run(context.Background(), m, 17, nil, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(s.statements) != before {
		t.Fatalf("second run executed %d statements, want 0", len(s.statements)-before)
	}
}

// Guard for the degradation itself: with the table present but the enhanced
// columns absent, recording history must not name columns that do not exist.
func TestUpsertHistoryDegradesWithoutEnhancedColumns(t *testing.T) {
	s := &fakeDB{history: map[string]bool{}, backfilled: map[string]bool{}, tableExists: true}
	db := sql.OpenDB(fakeConnector{state: s})
	defer db.Close()

	r := NewRunner(db, dbconn.EnginePostgres, "installer")
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer tx.Rollback()

	entry := ManifestEntry{Name: "001_init_config_schema", Group: "bootstrap"}
	if err := r.upsertHistory(context.Background(), tx, entry, "abc123", 5); err != nil {
		t.Fatalf("upsertHistory before enhanced columns: %v", err)
	}
	if !s.history["001_init_config_schema"] {
		t.Fatal("history row was not recorded")
	}
}
