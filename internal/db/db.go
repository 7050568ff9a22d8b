// Package db opens catatan's SQLCipher-encrypted database and applies its schema.
package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxOpenConns caps the pool. SQLite has a single writer, so more
	// connections only add lock contention.
	MaxOpenConns = 10

	// MaxIdleConns is the idle pool size.
	MaxIdleConns = 2

	// KeySize is the raw SQLCipher key size in bytes.
	KeySize = 32
)

// DB wraps the encrypted database handle.
type DB struct {
	db *sql.DB
}

// Wrap adopts an already opened handle. The schema is not applied.
func Wrap(sqlDB *sql.DB) *DB {
	return &DB{db: sqlDB}
}

// Open opens (creating if needed) the encrypted database at path with the
// raw 32-byte key, then applies the schema and migrations.
func Open(path string, key []byte) (*DB, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("database key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := appendSQLiteParams(path, keyParams(key))
	dsn = appendSQLiteParams(dsn, sqliteCommonParams())
	return OpenDSN(dsn)
}

// OpenDSN opens a database from a full DSN, verifies the key by reading
// from it, and initializes the schema.
func OpenDSN(dsn string) (*DB, error) {
	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(MaxIdleConns)

	// A wrong key surfaces here as "file is not a database".
	var version string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("verify database: %w", err)
	}
	var count int
	if err := sqlDB.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&count); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("verify database key: %w", err)
	}

	d := Wrap(sqlDB)
	if err := d.Init(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Init applies Schema and then Migrations.
func (d *DB) Init() error {
	if _, err := d.db.Exec(Schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return d.Migrate()
}

// Migrate applies each statement of Migrations, tolerating columns that
// already exist.
func (d *DB) Migrate() error {
	for _, stmt := range strings.Split(Migrations, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// KeyParams renders the SQLCipher DSN parameters for a raw key.
func keyParams(key []byte) string {
	return fmt.Sprintf("_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hex.EncodeToString(key))
}

// InMemoryDSN returns a shared-cache in-memory DSN encrypted with key.
// Connections using the same name share one database.
func InMemoryDSN(name string, key []byte) string {
	return appendSQLiteParams(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), keyParams(key))
}

func sqliteCommonParams() string {
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}
