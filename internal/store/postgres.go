package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// OpenPostgres connects to dsn and verifies connectivity. The schema is
// managed by migrations, see ApplyMigrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return NewPostgres(d), nil
}

// NewPostgres wraps an already opened postgres handle.
func NewPostgres(d *sql.DB) *SQLDB {
	return &SQLDB{db: d, dialect: dialectPostgres, now: time.Now}
}
