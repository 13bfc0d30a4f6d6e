package resource

import (
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/observability"
)

// HealthListener receives every removal that actually changed the live set.
// Failures inside the listener are its own concern.
type HealthListener interface {
	ResourceRemoved(id ID, message string)
}

// RegistrationListener may also be implemented by a HealthListener that
// wants to hear when a resource becomes live again.
type RegistrationListener interface {
	ResourceRegistered(id ID)
}

// HealthListenerFunc adapts a func to HealthListener.
type HealthListenerFunc func(id ID, message string)

func (f HealthListenerFunc) ResourceRemoved(id ID, message string) {
	f(id, message)
}

// Outcome reports what one Apply did to the live set.
type Outcome string

const (
	OutcomeRemoved       Outcome = "removed"
	OutcomeAlreadyAbsent Outcome = "already_absent"
)

// RemovalHandler applies accepted removal notifications to a LiveSet.
type RemovalHandler struct {
	node     string
	live     *LiveSet
	listener HealthListener
}

// NewRemovalHandler binds live and an optional downstream listener. node
// labels logs and metrics.
func NewRemovalHandler(node string, live *LiveSet, listener HealthListener) *RemovalHandler {
	return &RemovalHandler{node: node, live: live, listener: listener}
}

// Apply removes id from the live set. Applying the same id again leaves the
// set unchanged and only reports the race; it never fails.
func (h *RemovalHandler) Apply(id ID, message string) Outcome {
	if _, removed := h.live.Remove(id); !removed {
		log.Warn().
			Str("node", h.node).
			Str("resource_id", id.String()).
			Str("message", message).
			Msg("resource.RemovalHandler already absent")
		observability.RecordRemoval(h.node, string(OutcomeAlreadyAbsent))
		return OutcomeAlreadyAbsent
	}
	observability.RecordRemoval(h.node, string(OutcomeRemoved))
	observability.SetLiveResources(h.node, h.live.Len())
	log.Info().
		Str("node", h.node).
		Str("resource_id", id.String()).
		Str("message", message).
		Msg("resource.RemovalHandler removed")
	if h.listener != nil {
		h.listener.ResourceRemoved(id, message)
	}
	return OutcomeRemoved
}

// Register marks id live; it is the inverse path used by registration
// notifications.
func (h *RemovalHandler) Register(id ID) bool {
	added := h.live.Add(id)
	if added {
		observability.SetLiveResources(h.node, h.live.Len())
		log.Info().Str("node", h.node).Str("resource_id", id.String()).Msg("resource.RemovalHandler registered")
		if rl, ok := h.listener.(RegistrationListener); ok {
			rl.ResourceRegistered(id)
		}
	}
	return added
}

func (h *RemovalHandler) LiveSet() *LiveSet {
	return h.live
}
