package config

import "time"

//go:generate go run github.com/ecordell/optgen -output zz_generated.configuration.go . Configuration Agent Remote Auth

// Configuration is the root configuration tree for migratevm.
type Configuration struct {
	Agent     Agent  `debugmap:"visible"`
	Remote    Remote `debugmap:"visible"`
	Auth      Auth   `debugmap:"visible"`
	LogFormat string `default:"console" debugmap:"visible"`
	LogLevel  string `default:"info" debugmap:"visible"`
}

// Agent configures the local process: where its local Inventory adapter
// keeps its DuckDB file, and which libvirt storage pool to resolve
// volumes against.
type Agent struct {
	DataFolder  string `default:"" debugmap:"visible"`
	StoragePool string `default:"default" debugmap:"visible"`
}

// Remote configures how the engine reaches hypervisors: the
// pre-authenticated RemoteExec channel's connection parameters and
// SyncTimeout, a ceiling on the whole migration run (wait_for_sync
// included); it is not a ceiling on wait_for_sync alone.
type Remote struct {
	SSHUser     string        `default:"root" debugmap:"visible"`
	SSHPort     int           `default:"22" debugmap:"visible"`
	SyncTimeout time.Duration `default:"0" debugmap:"visible"`
}

// Auth names where the engine's own SSH identity lives. Credential
// loading itself - reading this path, prompting for a passphrase,
// talking to an agent - is out of scope; this is only the configuration
// surface a caller points at an already-provisioned key.
type Auth struct {
	SSHKeyPath string `default:"" debugmap:"visible"`
}
