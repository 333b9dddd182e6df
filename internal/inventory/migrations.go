package inventory

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently: it is small and stable enough that
// CREATE ... IF NOT EXISTS suffices - there is no schema_migrations
// bookkeeping to maintain.
const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	hostname   VARCHAR PRIMARY KEY,
	servertype VARCHAR NOT NULL
);

CREATE TABLE IF NOT EXISTS host_attributes (
	hostname VARCHAR NOT NULL,
	key      VARCHAR NOT NULL,
	value    VARCHAR NOT NULL,
	PRIMARY KEY (hostname, key)
);
`

// Migrate creates the inventory schema if it doesn't already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply inventory schema: %w", err)
	}
	return nil
}
