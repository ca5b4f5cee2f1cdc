// Package types defines the shared value types of trellis-go: job records,
// the job state machine, generation parameters, and the structured error
// taxonomy used across the transport client, ledger, scheduler, and importer.
package types
