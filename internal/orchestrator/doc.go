// Package orchestrator implements MigrationOrchestrator: the component
// that composes two HypervisorProxies, a primary/secondary DRBD
// endpoint pair and Inventory into a single migration with full
// rollback. Pre-flight gates run before any mutation; the DRBD sessions
// are acquired as a nested scoped pair (primary outer, secondary inner)
// so either failing unwinds both; Inventory is committed only after a
// fully successful path.
package orchestrator
