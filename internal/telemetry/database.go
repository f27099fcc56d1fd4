package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenPostgres opens a traced connection pool and checks it is reachable.
// The search path is sent as a startup parameter so every pooled connection
// gets it, not only the first one.
func OpenPostgres(ctx context.Context, dsn, searchPath string) (*sql.DB, error) {
	dsn, err := WithSearchPath(dsn, searchPath)
	if err != nil {
		return nil, err
	}

	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// WithSearchPath adds search_path to a postgres:// URL unless it already has one.
func WithSearchPath(dsn, searchPath string) (string, error) {
	if searchPath == "" {
		return dsn, nil
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return "", fmt.Errorf("database url must use the postgres:// scheme")
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	q := u.Query()
	if q.Get("search_path") == "" {
		q.Set("search_path", searchPath)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
