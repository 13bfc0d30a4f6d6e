package messages

import (
	"errors"

	"github.com/danmuck/fencectl/internal/leader"
)

var ErrInvalidArgument = errors.New("messages: invalid argument")

// Kind names a message variant on the wire and in logs.
type Kind string

const (
	KindResourceRegistered Kind = "resource.registered"
	KindResourceRemoved    Kind = "resource.removed"
)

// Message is any control message routed by kind.
type Message interface {
	Kind() Kind
}

// Fenced marks messages that carry a leader-session token and must pass the
// fencing check before any state changes.
type Fenced interface {
	Message
	LeaderSessionToken() leader.Token
}

// AsFenced reports whether msg requires fencing, without looking at its
// payload.
func AsFenced(msg any) (Fenced, bool) {
	f, ok := msg.(Fenced)
	return f, ok
}

// RequiresFencing is AsFenced without the conversion.
func RequiresFencing(msg any) bool {
	_, ok := AsFenced(msg)
	return ok
}
