// Package coordinator owns the receiving side of resource notifications.
//
// Ownership boundary:
// - sender session accept loop and hello handshake
// - decoding inbound frames into messages
// - the single fencing check per message, then the live-set update
//
// Delivery acks report receipt only. A fenced-out notification is acked like
// any other so a stale sender cannot learn the current term from the reply.
package coordinator
