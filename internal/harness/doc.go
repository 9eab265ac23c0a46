// Package harness runs multi-center replication scenarios.
//
// A scenario is a YAML file naming a set of centers, which peers each one
// knows, a list of steps and the assertions to check afterwards. Every
// center is a memkeeper.Keeper with its own syncer.Synchronizer; the
// synchronizers reach each other over a syncer.Loopback and share one
// manual clock, so a run is fully deterministic.
//
// Steps edit documents of the test domain (testutil.DocumentType), move the
// clock, purge logs and run imports. Each step and every sync observer
// callback lands in the trace, which can be compared against a golden file:
//
//	go test ./internal/harness -update
//
// rewrites the golden files from the current behavior.
package harness
