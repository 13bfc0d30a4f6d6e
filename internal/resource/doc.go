// Package resource owns receiver-side bookkeeping of known-live resources.
//
// Ownership boundary:
// - resource identity
// - live-set membership
// - idempotent removal and downstream health notification
//
// Allocation and container lifecycle stay with the resource manager.
package resource
