package state

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

func (s *Store) gooseDialect() string {
	if s.dialect == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(s.gooseDialect()); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, s.db)
	if err == nil {
		s.logger.Debug("migrations applied", "version", version, "dialect", s.dialect)
	}
	return nil
}

// MigrationVersion returns the current migration version.
func (s *Store) MigrationVersion(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(s.gooseDialect()); err != nil {
		return 0, fmt.Errorf("failed to set dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, s.db)
}
