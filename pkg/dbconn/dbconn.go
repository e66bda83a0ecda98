// Package dbconn opens a config-DB connection for whichever of the two
// supported engines a connection string addresses, with bounded retry on
// transient failures and best-effort major-version detection used to
// select the right migration bundle.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/types"
)

// Engine identifies one of the two supported database engines.
type Engine string

const (
	EnginePostgres  Engine = "postgres"
	EngineSQLServer Engine = "sqlserver"
)

// defaultVersion is used when version detection fails; the orchestrator
// still needs an engine+version pair to select migrations.
var defaultVersion = map[Engine]int{
	EnginePostgres:  17,
	EngineSQLServer: 2022,
}

// sqlServerMajorToYear maps SERVERPROPERTY('ProductMajorVersion') to the
// marketing release year the migration manifest keys on.
var sqlServerMajorToYear = map[int]int{
	16: 2022,
	15: 2019,
	14: 2017,
	13: 2016,
	12: 2014,
}

// GuessEngine inspects the shape of a connection string to pick a driver.
// A postgres:// or postgresql:// scheme, or the presence of a `host=`
// fragment, selects Postgres; anything else is assumed to be the SQL
// Server semicolon form.
func GuessEngine(connStr string) Engine {
	if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") || strings.Contains(connStr, "host=") {
		return EnginePostgres
	}
	return EngineSQLServer
}

func driverName(e Engine) string {
	if e == EnginePostgres {
		return "pgx"
	}
	return "sqlserver"
}

var transientMarkers = []string{"timeout", "network", "connection", "i/o", "reset", "refused"}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

const (
	retryBase    = 100 * time.Millisecond
	retryCap     = 2 * time.Second
	retryAttempt = 3
	attemptLimit = 20 * time.Second
)

// ConnectWithRetry opens and pings connStr, retrying transient failures
// with bounded exponential backoff (base 100ms, factor 2, cap 2s, 3
// attempts, plus jitter), each attempt itself bounded to 20s.
func ConnectWithRetry(ctx context.Context, connStr string) (*sql.DB, Engine, error) {
	engine := GuessEngine(connStr)
	logger := log.WithComponent("dbconn")

	var lastErr error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempt; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptLimit)
		db, err := open(attemptCtx, engine, connStr)
		cancel()
		if err == nil {
			return db, engine, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, engine, types.NewError(types.KindUnreachable, fmt.Errorf("dbconn: connect: %w", err))
		}
		if attempt == retryAttempt {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("transient connect failure, retrying")
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return nil, engine, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return nil, engine, types.NewError(types.KindUnreachable, fmt.Errorf("dbconn: connect: %w", lastErr))
}

func open(ctx context.Context, engine Engine, connStr string) (*sql.DB, error) {
	db, err := sql.Open(driverName(engine), connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// DetectVersion probes the engine's major version, falling back to the
// documented default when the probe itself fails (old engines without the
// expected function, permission-restricted views, etc).
func DetectVersion(ctx context.Context, db *sql.DB, engine Engine) int {
	logger := log.WithComponent("dbconn")

	switch engine {
	case EnginePostgres:
		var raw string
		if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&raw); err != nil {
			logger.Warn().Err(err).Msg("failed to detect postgres version, using default")
			return defaultVersion[EnginePostgres]
		}
		major := strings.SplitN(raw, ".", 2)[0]
		n, err := strconv.Atoi(strings.TrimSpace(major))
		if err != nil {
			logger.Warn().Str("raw", raw).Msg("could not parse postgres major version, using default")
			return defaultVersion[EnginePostgres]
		}
		return n
	case EngineSQLServer:
		var major int
		row := db.QueryRowContext(ctx, "SELECT CAST(SERVERPROPERTY('ProductMajorVersion') AS INT)")
		if err := row.Scan(&major); err != nil {
			logger.Warn().Err(err).Msg("failed to detect sql server version, using default")
			return defaultVersion[EngineSQLServer]
		}
		if year, ok := sqlServerMajorToYear[major]; ok {
			return year
		}
		logger.Warn().Int("product_major_version", major).Msg("unrecognized sql server major version, using default")
		return defaultVersion[EngineSQLServer]
	default:
		return 0
	}
}
