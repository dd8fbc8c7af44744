package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) the database file at path and
// applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLDB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// one writer at a time; also keeps ":memory:" on a single database
	d.SetMaxOpenConns(1)

	s := &SQLDB{db: d, dialect: dialectSQLite, now: time.Now}
	if err := s.initSQLite(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLDB) initSQLite(ctx context.Context) error {
	schema, err := migrationFS.ReadFile("migrations/000001_init.up.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying sqlite schema: %w", err)
		}
	}
	return nil
}
