// Package fencing decides whether an inbound control message may act on
// receiver state, and routes accepted messages to their handlers.
//
// A fenced message is accepted only while the receiver holds leadership and
// the message's stamped token equals the receiver's current token. The
// current token is read when the message is processed, not when it was
// queued. Rejections are expected traffic after failover: they are logged and
// counted, never returned as errors.
package fencing
