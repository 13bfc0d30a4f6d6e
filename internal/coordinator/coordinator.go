package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/fencing"
	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/messages"
	"github.com/danmuck/fencectl/internal/resource"
)

var ErrCoordinatorIDRequired = errors.New("coordinator: coordinator_id required")

// Coordinator holds the receiver-side state for one leadership candidate.
type Coordinator struct {
	id         string
	source     leader.Source
	live       *resource.LiveSet
	handler    *resource.RemovalHandler
	dispatcher *fencing.Dispatcher
}

// New wires a dispatcher for both resource notification kinds. listener may
// be nil; clk nil means wall clock.
func New(id string, source leader.Source, listener resource.HealthListener, clk clock.Clock) (*Coordinator, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrCoordinatorIDRequired
	}
	if clk == nil {
		clk = clock.WallClock
	}
	dispatcher, err := fencing.NewDispatcher(id, source)
	if err != nil {
		return nil, err
	}
	live := resource.NewLiveSet(clk)
	c := &Coordinator{
		id:         id,
		source:     source,
		live:       live,
		handler:    resource.NewRemovalHandler(id, live, listener),
		dispatcher: dispatcher,
	}
	if err := dispatcher.Handle(messages.KindResourceRemoved, c.onRemoved); err != nil {
		return nil, err
	}
	if err := dispatcher.Handle(messages.KindResourceRegistered, c.onRegistered); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) ID() string {
	return c.id
}

func (c *Coordinator) LiveSet() *resource.LiveSet {
	return c.live
}

// Deliver runs one inbound message through fencing and, if accepted, its
// handler. Errors are wiring errors only.
func (c *Coordinator) Deliver(msg messages.Message) (fencing.Decision, error) {
	return c.dispatcher.Dispatch(msg)
}

// WatchElection logs every leadership change seen by e until the returned
// func is called.
func (c *Coordinator) WatchElection(e *leader.Election) func() {
	return e.Subscribe(func(change leader.Change) {
		ev := log.Warn()
		if change.Held {
			ev = log.Info()
		}
		ev.Str("coordinator_id", c.id).
			Str("previous", change.Previous.String()).
			Str("current", change.Current.String()).
			Bool("held", change.Held).
			Int("live_resources", c.live.Len()).
			Msg("coordinator.Coordinator leadership changed")
	})
}

func (c *Coordinator) onRemoved(msg messages.Message) {
	var removed messages.ResourceRemoved
	switch m := msg.(type) {
	case messages.ResourceRemoved:
		removed = m
	case *messages.ResourceRemoved:
		removed = *m
	default:
		log.Error().Str("type", fmt.Sprintf("%T", msg)).Msg("coordinator.onRemoved unsupported message")
		return
	}
	text, _ := removed.Message()
	c.handler.Apply(removed.ResourceID(), text)
}

func (c *Coordinator) onRegistered(msg messages.Message) {
	var registered messages.ResourceRegistered
	switch m := msg.(type) {
	case messages.ResourceRegistered:
		registered = m
	case *messages.ResourceRegistered:
		registered = *m
	default:
		log.Error().Str("type", fmt.Sprintf("%T", msg)).Msg("coordinator.onRegistered unsupported message")
		return
	}
	c.handler.Register(registered.ResourceID())
}
