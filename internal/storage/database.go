package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// OpenCatalog applies pending migrations and returns a catalog over a
// connection pool for the given driver ("mysql" or "sqlite").
func OpenCatalog(ctx context.Context, driver, dsn string) (*Catalog, error) {
	if err := Migrate(ctx, driver, dsn); err != nil {
		return nil, err
	}
	db, err := openDB(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	return NewCatalog(db), nil
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case config.DBDriverMySQL, config.DBDriverSQLite:
	default:
		return nil, fmt.Errorf("%w: unsupported db driver %q", apperr.ErrConfiguration, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	if driver == config.DBDriverSQLite {
		// one writer at a time; busy_timeout covers the rest
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	return db, nil
}

// Migrate runs all pending up migrations embedded in the binary on a
// dedicated connection that is closed afterwards.
func Migrate(ctx context.Context, driver, dsn string) error {
	db, err := openDB(ctx, driver, dsn)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("load migration source: %w", err)
	}

	var target database.Driver
	switch driver {
	case config.DBDriverMySQL:
		target, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case config.DBDriverSQLite:
		target, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		db.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
