// Package config defines the configuration structure for migratevm, the
// CLI wrapper around the live-migration orchestration engine.
//
// Configuration is organized into logical sections (Agent, Remote, Auth,
// plus the top-level LogFormat and LogLevel fields) and uses code generation via optgen to create functional option
// helpers, matching the convention the rest of this repository follows.
//
// # Configuration Structure
//
//	Configuration
//	├── Agent   - local process identity and storage
//	├── Remote  - how the engine reaches hypervisors over SSH
//	├── Auth    - where the engine's own SSH identity lives
//	├── LogFormat - logging format
//	└── LogLevel  - logging verbosity
//
// # Agent Configuration
//
//	┌─────────────┬─────────┬────────────────────────────────────────┐
//	│ Field       │ Default │ Description                            │
//	├─────────────┼─────────┼────────────────────────────────────────┤
//	│ DataFolder  │ ""      │ Path to the local inventory DuckDB file │
//	│ StoragePool │ "default" │ libvirt storage pool name             │
//	└─────────────┴─────────┴────────────────────────────────────────┘
//
// # Remote Configuration
//
//	┌───────────────┬─────────┬────────────────────────────────────────┐
//	│ Field         │ Default │ Description                            │
//	├───────────────┼─────────┼────────────────────────────────────────┤
//	│ SSHUser       │ "root"  │ User for the pre-authenticated channel │
//	│ SSHPort       │ 22      │ SSH port on each hypervisor             │
//	│ SyncTimeout   │ 0       │ whole-migration ceiling (0 = unbounded) │
//	└───────────────┴─────────┴────────────────────────────────────────┘
//
// # Code Generation
//
// The package uses optgen to generate functional option helpers:
//
//	//go:generate go run github.com/ecordell/optgen -output zz_generated.configuration.go . Configuration Agent Remote Auth
//
// Generated helpers include:
//
//   - NewConfigurationWithOptions(...ConfigurationOption) - create with options
//   - NewConfigurationWithOptionsAndDefaults(...ConfigurationOption) - defaults + options
//   - WithAgent(Agent), WithRemote(Remote), WithLogLevel(string) - set fields
//   - DebugMap() - returns a map for debug logging (respects debugmap tags)
//
// # Usage Example
//
//	cfg := config.NewConfigurationWithOptionsAndDefaults(
//	    config.WithRemote(config.Remote{SSHUser: "migrate", SSHPort: 22}),
//	    config.WithAgent(config.Agent{StoragePool: "vms"}),
//	    config.WithLogLevel("debug"),
//	)
package config
