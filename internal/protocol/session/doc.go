// Package session owns resource-manager <-> coordinator session transport
// helpers.
//
// Ownership boundary:
// - hello/hello.ack handshake control messages
// - fenced notification and delivery.ack frame helpers
// - retry/backoff/outbox primitives
// - transport security policy
//
// Delivery acks confirm receipt only. Whether the coordinator accepted or
// fenced a notification is never reported back to the sender.
package session
