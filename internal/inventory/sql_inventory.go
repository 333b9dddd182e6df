package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/kubev2v/igvm/internal/models"
)

// SQLInventory is a database/sql + squirrel backed Inventory, storing
// attributes as an entity-attribute-value table so that arbitrary
// attribute names can be read and written without a migration per field.
type SQLInventory struct {
	db *sql.DB
}

func NewSQLInventory(db *sql.DB) *SQLInventory {
	return &SQLInventory{db: db}
}

func (s *SQLInventory) ReadAttributes(ctx context.Context, hostname string) (map[string]any, error) {
	query, args, err := sq.Select("key", "value").
		From("host_attributes").
		Where(sq.Eq{"hostname": hostname}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read attributes for %s: %w", hostname, err)
	}
	defer rows.Close()

	attrs := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		attrs[key] = val
	}
	return attrs, rows.Err()
}

func (s *SQLInventory) Get(ctx context.Context, hostname, key string, def any) (any, error) {
	attrs, err := s.ReadAttributes(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if v, ok := attrs[key]; ok {
		return v, nil
	}
	return def, nil
}

func (s *SQLInventory) Keys(ctx context.Context, hostname string) ([]string, error) {
	attrs, err := s.ReadAttributes(ctx, hostname)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	return keys, nil
}

// Commit implements models.Committer: it upserts every staged attribute,
// and additionally upserts the hosts table when a servertype attribute
// is present among the staged keys.
func (s *SQLInventory) Commit(ctx context.Context, hostname string, staged map[string]any) error {
	return s.Update(ctx, hostname, staged)
}

func (s *SQLInventory) Update(ctx context.Context, hostname string, mapping map[string]any) error {
	if len(mapping) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin inventory update for %s: %w", hostname, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for key, value := range mapping {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode attribute %s.%s: %w", hostname, key, err)
		}
		query, args, err := sq.Insert("host_attributes").
			Columns("hostname", "key", "value").
			Values(hostname, key, string(raw)).
			Suffix("ON CONFLICT (hostname, key) DO UPDATE SET value = EXCLUDED.value").
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert attribute %s.%s: %w", hostname, key, err)
		}

		if key == "servertype" {
			var servertype string
			if err := json.Unmarshal(raw, &servertype); err == nil {
				if err := upsertHost(ctx, tx, hostname, servertype); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit()
}

func upsertHost(ctx context.Context, tx *sql.Tx, hostname, servertype string) error {
	query, args, err := sq.Insert("hosts").
		Columns("hostname", "servertype").
		Values(hostname, servertype).
		Suffix("ON CONFLICT (hostname) DO UPDATE SET servertype = EXCLUDED.servertype").
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLInventory) RegisterHost(ctx context.Context, hostname, servertype string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	if err := upsertHost(ctx, tx, hostname, servertype); err != nil {
		return err
	}
	return tx.Commit()
}

// Query implements models.Querier. filters["servertype"] is matched
// against the hosts table directly; every other filter key is matched
// against host_attributes via a join aliased per key, so a caller can
// combine an arbitrary set of equality filters (e.g. servertype=vm,
// xen_host=<hostname>) in one round trip.
func (s *SQLInventory) Query(ctx context.Context, filters models.Filter) ([]map[string]any, error) {
	builder := sq.Select("h.hostname").From("hosts h")

	i := 0
	for key, value := range filters {
		if key == "servertype" {
			builder = builder.Where(sq.Eq{"h.servertype": value})
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode filter %s: %w", key, err)
		}
		alias := fmt.Sprintf("a%d", i)
		i++
		builder = builder.
			Join(fmt.Sprintf("host_attributes %s ON %s.hostname = h.hostname AND %s.key = ?", alias, alias, alias), key).
			Where(sq.Eq{alias + ".value": string(raw)})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var hostnames []string
	for rows.Next() {
		var hostname string
		if err := rows.Scan(&hostname); err != nil {
			return nil, err
		}
		hostnames = append(hostnames, hostname)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(hostnames))
	for _, hostname := range hostnames {
		attrs, err := s.ReadAttributes(ctx, hostname)
		if err != nil {
			return nil, err
		}
		attrs["hostname"] = hostname
		records = append(records, attrs)
	}
	return records, nil
}
