package messages

import (
	"fmt"
	"strings"

	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/resource"
)

// ResourceRemoved tells the coordinator that a registered resource is gone.
// The optional message is diagnostic text only.
type ResourceRemoved struct {
	resourceID resource.ID
	message    string
	hasMessage bool
	token      leader.Token
}

// Option configures optional ResourceRemoved fields at construction.
type Option func(*ResourceRemoved)

// WithMessage attaches diagnostic text. An empty string is kept as present.
func WithMessage(message string) Option {
	return func(r *ResourceRemoved) {
		r.message = message
		r.hasMessage = true
	}
}

// NewResourceRemoved builds a removal notification stamped with token.
func NewResourceRemoved(id resource.ID, token leader.Token, opts ...Option) (ResourceRemoved, error) {
	if err := validateIdentity(id, token); err != nil {
		return ResourceRemoved{}, err
	}
	out := ResourceRemoved{resourceID: id, token: token}
	for _, opt := range opts {
		opt(&out)
	}
	return out, nil
}

func (r ResourceRemoved) Kind() Kind {
	return KindResourceRemoved
}

func (r ResourceRemoved) ResourceID() resource.ID {
	return r.resourceID
}

// Message returns the diagnostic text and whether one was supplied.
func (r ResourceRemoved) Message() (string, bool) {
	return r.message, r.hasMessage
}

func (r ResourceRemoved) LeaderSessionToken() leader.Token {
	return r.token
}

// Equal compares resource and token. The diagnostic message is display-only.
func (r ResourceRemoved) Equal(other ResourceRemoved) bool {
	return r.resourceID == other.resourceID && r.token == other.token
}

func (r ResourceRemoved) String() string {
	var b strings.Builder
	b.WriteString("ResourceRemoved{resourceID=")
	b.WriteString(string(r.resourceID))
	if r.hasMessage {
		fmt.Fprintf(&b, ", message='%s'", r.message)
	} else {
		b.WriteString(", message=<none>")
	}
	b.WriteString("}")
	return b.String()
}

// ResourceRegistered tells the coordinator that a resource is live.
type ResourceRegistered struct {
	resourceID resource.ID
	token      leader.Token
}

func NewResourceRegistered(id resource.ID, token leader.Token) (ResourceRegistered, error) {
	if err := validateIdentity(id, token); err != nil {
		return ResourceRegistered{}, err
	}
	return ResourceRegistered{resourceID: id, token: token}, nil
}

func (r ResourceRegistered) Kind() Kind {
	return KindResourceRegistered
}

func (r ResourceRegistered) ResourceID() resource.ID {
	return r.resourceID
}

func (r ResourceRegistered) LeaderSessionToken() leader.Token {
	return r.token
}

func (r ResourceRegistered) String() string {
	return "ResourceRegistered{resourceID=" + string(r.resourceID) + "}"
}

func validateIdentity(id resource.ID, token leader.Token) error {
	if id.IsZero() {
		return fmt.Errorf("%w: missing resource id", ErrInvalidArgument)
	}
	if token.IsZero() {
		return fmt.Errorf("%w: missing leader session token", ErrInvalidArgument)
	}
	return nil
}
