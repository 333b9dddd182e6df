package inventory

import (
	"context"

	"github.com/kubev2v/igvm/internal/models"
)

// Inventory is the full contract consumed by the migration engine's
// model layer: attribute read/write staging plus the query primitive
// used for vms_on(hypervisor) lookups.
type Inventory interface {
	models.AttributeReader
	models.Committer
	models.Querier

	// Get returns a single attribute, or def if absent.
	Get(ctx context.Context, hostname, key string, def any) (any, error)
	// Keys lists the known attribute names for hostname.
	Keys(ctx context.Context, hostname string) ([]string, error)
	// Update commits mapping directly, bypassing Host staging - used by
	// fixtures and by out-of-scope commands (vm_sync) that don't need
	// the staged/dirty-check dance a migration does.
	Update(ctx context.Context, hostname string, mapping map[string]any) error
	// RegisterHost ensures hostname is queryable by servertype; called
	// when seeding fixtures or onboarding a new record.
	RegisterHost(ctx context.Context, hostname, servertype string) error
}
