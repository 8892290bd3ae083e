package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/convsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings the cache schema up to date. A schema left dirty by an
// interrupted migration is reported as ErrUnavailable; the cache is then
// bypassed until the file is removed.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, unavailable("migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, unavailable("migration instance", err)
	}

	var dirty migrate.ErrDirty
	switch err := m.Up(); {
	case err == nil:
	case errors.Is(err, migrate.ErrNoChange):
		version, _, verr := m.Version()
		if verr != nil {
			return nil, unavailable("migration version", verr)
		}
		return &MigrateResult{Version: version}, nil
	case errors.As(err, &dirty):
		return nil, unavailable(fmt.Sprintf("schema dirty at version %d", dirty.Version), err)
	default:
		return nil, unavailable("migration up", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return nil, unavailable("migration version", err)
	}
	return &MigrateResult{Version: version, Changed: true}, nil
}
