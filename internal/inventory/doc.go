// Package inventory implements the Inventory contract: a keyed
// attribute store over host records supporting read, staged update,
// dirty-check and commit, plus a query primitive used to resolve
// vms_on(hypervisor).
//
// SQLInventory is a concrete, locally-durable implementation backed by an
// embedded github.com/duckdb/duckdb-go/v2 database and query building via
// github.com/Masterminds/squirrel, in a single type that serves reads,
// commits and queries. Attributes are stored as an entity-attribute
// table (host_attributes) rather than a fixed schema, since the engine
// only ever reads/writes a handful of named attributes but must not
// assume it knows the full attribute set a real external inventory
// carries.
//
// Production deployments point the Inventory interface at the real
// external inventory system instead - the engine's core only depends
// on the interface in this package, never on SQLInventory directly.
package inventory
