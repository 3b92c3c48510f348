// Package sqlitestore keeps the license in a single-row SQLite table.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"licensegate/internal/license"
	"licensegate/internal/persis"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements license.Store on the license_slot table. The table's
// CHECK constraint allows exactly one row.
type Store struct {
	db     *sql.DB
	sealer persis.Sealer
	now    func() time.Time
}

var _ license.Store = (*Store)(nil)

// Open opens the database at path, applies migrations and returns the store.
// A nil sealer stores plain JSON.
func Open(ctx context.Context, path string, sealer persis.Sealer) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, sealer: sealer, now: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns nil, nil when the slot is empty.
func (s *Store) Load(ctx context.Context) (*license.License, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM license_slot WHERE slot = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, license.NewError(license.KindStorage, "query license", err)
	}
	return persis.Decode(payload, s.sealer)
}

// Store replaces the slot in one transaction.
func (s *Store) Store(ctx context.Context, lic *license.License) error {
	payload, err := persis.Encode(lic, s.sealer)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return license.NewError(license.KindStorage, "begin store", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO license_slot (slot, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		payload, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return license.NewError(license.KindStorage, "store license", err)
	}
	if err := tx.Commit(); err != nil {
		return license.NewError(license.KindStorage, "commit license", err)
	}
	return nil
}

// Delete empties the slot.
func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM license_slot WHERE slot = 1`); err != nil {
		return license.NewError(license.KindStorage, "delete license", err)
	}
	return nil
}
