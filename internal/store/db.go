package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectOf picks the SQL dialect from a DATABASE_URL. Anything that is not a
// postgres URL is handed to the embedded sqlite driver.
func DialectOf(databaseURL string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(databaseURL))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch DialectOf(databaseURL) {
	case DialectPostgres:
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	default:
		db, err = sql.Open("sqlite", strings.TrimPrefix(databaseURL, "sqlite://"))
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		// sqlite allows one writer; a single connection keeps lock upserts from
		// failing with SQLITE_BUSY instead of queueing.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
