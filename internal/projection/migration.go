package projection

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/bmxtiming/timingcore/pkg/log"
)

//go:embed migrations/sqlite3/*
var migrationFiles embed.FS

const supportedVersion uint = 1

// migrate applies any pending schema migrations to dsn, following
// cc-backend's internal/repository/migration.go golang-migrate/iofs wiring.
func migrate(dsn string) error {
	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("projection: load migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", dsn))
	if err != nil {
		return fmt.Errorf("projection: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("projection: apply migrations: %w", err)
	}

	v, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("projection: read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("projection: database at version %d is dirty", v)
	}
	if v < supportedVersion {
		log.Warnf("projection: schema at version %d, code expects %d", v, supportedVersion)
	}
	return nil
}
