// Package messages defines the control messages exchanged between a resource
// manager and a job coordinator.
//
// Every message that must only be acted on by the current leader implements
// Fenced. Values are immutable once constructed; the fence token a sender
// stamps is the one the receiver checks.
package messages
