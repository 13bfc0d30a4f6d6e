// Package leader owns leader-session tokens and the in-process view of
// who currently holds leadership.
//
// Ownership boundary:
// - token identity and encoding
// - current-token queries for fencing
// - grant/revoke change notifications
//
// The election algorithm itself lives outside this module; Election only
// records the outcome it is told about.
package leader
