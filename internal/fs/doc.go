// Package fs abstracts filesystem access so the engine can run against the
// local disk in production and a fault-injecting filesystem in tests.
//
// [LocalFS] is the production implementation. [FaultyFS] wraps any
// FileSystem and injects write, sync, or close failures into files whose
// names match a rule, which is how crash-recovery tests simulate torn
// segment and WAL writes.
package fs
