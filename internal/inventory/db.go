package inventory

import (
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
)

// NewDB opens a DuckDB database at path ("" or ":memory:" for an
// in-process, non-durable instance). Schema creation is the caller's
// responsibility via Migrate.
func NewDB(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb at %q: %w", path, err)
	}
	return db, nil
}
