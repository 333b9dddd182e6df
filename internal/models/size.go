package models

import (
	units "github.com/docker/go-units"
)

// ParseSize parses a human-supplied size string (e.g. "4G", "512M") into
// bytes, the shape of value the out-of-scope mem_set/disk_set commands
// accept for their "+"/"-" relative deltas. Nothing in this repository
// calls it; the migration preflight and the migratevm flags do not
// parse size strings.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

// FormatMiB renders a MiB quantity as a human-readable size string
// ("2GiB") for logs and CLI output.
func FormatMiB(mib int64) string {
	return units.BytesSize(float64(mib) * 1024 * 1024)
}

// FormatGiB renders a GiB quantity as a human-readable size string.
func FormatGiB(gib float64) string {
	return units.BytesSize(gib * 1024 * 1024 * 1024)
}
