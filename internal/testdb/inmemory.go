// Package testdb opens throwaway encrypted databases for tests.
package testdb

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kuitang/catatan/internal/db"
)

var seq atomic.Int64

// Key is the fixed SQLCipher key used by in-memory test databases.
var Key = bytes.Repeat([]byte{0x42}, db.KeySize)

// NewInMemory opens a fresh in-memory encrypted database with the schema
// applied. Each call gets its own database.
func NewInMemory() (*db.DB, error) {
	name := fmt.Sprintf("catatan_test_%d", seq.Add(1))
	d, err := db.OpenDSN(db.InMemoryDSN(name, Key))
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := d.SQL().Exec(pragma); err != nil {
			d.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return d, nil
}

// New is NewInMemory that fails tb on error and closes the database on cleanup.
func New(tb testing.TB) *db.DB {
	tb.Helper()
	d, err := NewInMemory()
	if err != nil {
		tb.Fatalf("testdb: %v", err)
	}
	tb.Cleanup(func() { d.Close() })
	return d
}
