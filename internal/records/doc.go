// Package records holds the authoritative in-memory set of reviewable
// slide-label records for the current CSV snapshot, the derived accession
// counts, and the atomic save/backup path back to disk.
//
// Records are keyed by their position in the snapshot at load time
// (OriginalIndex). The queue table references the same positional key, so a
// snapshot rewritten upstream with rows inserted or removed invalidates
// outstanding leases. The pipeline's single-writer convention makes this
// acceptable: only this process rewrites the snapshot, and it never reorders
// rows.
package records
