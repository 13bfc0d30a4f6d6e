package fencing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/messages"
	"github.com/danmuck/fencectl/internal/observability"
)

var (
	ErrNoHandler     = errors.New("fencing: no handler for message kind")
	ErrDuplicateKind = errors.New("fencing: handler already registered")
	ErrNilSource     = errors.New("fencing: leader source required")
	ErrNilMessage    = errors.New("fencing: nil message")
)

// Handler reacts to one delivered message. It runs synchronously on the
// caller's goroutine and must not block.
type Handler func(msg messages.Message)

// Dispatcher runs each inbound message through one fencing check and, when
// it passes, the handler registered for its kind.
type Dispatcher struct {
	node   string
	source leader.Source

	mu       sync.RWMutex
	handlers map[messages.Kind]Handler
}

func NewDispatcher(node string, source leader.Source) (*Dispatcher, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	return &Dispatcher{
		node:     node,
		source:   source,
		handlers: make(map[messages.Kind]Handler),
	}, nil
}

// Handle registers h for kind.
func (d *Dispatcher) Handle(kind messages.Kind, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	d.handlers[kind] = h
	return nil
}

// Dispatch checks msg against the current token and delivers it if allowed.
// The returned error is only for wiring mistakes (nil message, unknown kind);
// fencing rejections are reported through the Decision.
func (d *Dispatcher) Dispatch(msg messages.Message) (Decision, error) {
	if msg == nil {
		return "", ErrNilMessage
	}
	d.mu.RLock()
	h, ok := d.handlers[msg.Kind()]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, msg.Kind())
	}

	decision := DecisionUnfenced
	if fenced, isFenced := messages.AsFenced(msg); isFenced {
		current, held := d.source.CurrentToken()
		decision = Validate(fenced, current, held)
		observability.RecordFencingDecision(d.node, string(msg.Kind()), string(decision))
		if !decision.Delivers() {
			log.Debug().
				Str("node", d.node).
				Str("kind", string(msg.Kind())).
				Str("decision", string(decision)).
				Str("stamped", fenced.LeaderSessionToken().String()).
				Str("current", current.String()).
				Msg("fencing.Dispatcher rejected")
			return decision, nil
		}
	}
	h(msg)
	return decision, nil
}
