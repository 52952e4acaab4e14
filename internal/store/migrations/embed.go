// Package migrations runs the fixed, statically-versioned schema migrations
// (the store registry table) at startup. Per-store event tables are NOT
// managed here: their names are dynamic (store_id-dependent) and are
// created with raw DDL in store.PostgresStore.EnsureStore instead, since
// golang-migrate's migration set is resolved once at process start and
// cannot express a table-per-key-at-runtime schema.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Run applies all pending migrations to databaseURL. It is safe to call on
// every process start: golang-migrate is idempotent against the current
// schema_migrations version.
func Run(databaseURL string) error {
	source, err := iofs.New(embeddedMigrations, "sql")
	if err != nil {
		return fmt.Errorf("migrations: load embedded source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("migrations: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: apply: %w", err)
	}

	return nil
}
