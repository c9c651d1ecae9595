// Package diagnostics gathers host and process facts for crash reports and
// guards the receiver's own goroutines against panics.
//
// The package implements three components:
//
//   - HostInfo: describes the operating system a report was produced on,
//     using gopsutil's host queries.
//
//   - SnapshotProcess: captures memory, thread, descriptor and CPU usage of
//     the crashing process while it is still blocked in its crash handler.
//
//   - SelfDumpWriter: persists a dump when the receiver itself panics, so a
//     bug in report assembly is never silent, and keeps the dump directory
//     bounded.
package diagnostics
