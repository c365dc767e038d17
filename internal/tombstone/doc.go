// Package tombstone remembers recently ended conversations.
//
// Ended conversations leave the store, so a later lookup by id only reports
// that the id is unknown. A Registry fed from the lifecycle event stream keeps
// the ending type and time for a bounded window so callers can tell a
// conversation that timed out from one that never existed.
package tombstone
