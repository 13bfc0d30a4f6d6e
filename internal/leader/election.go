package leader

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Source answers "which leadership term is active here right now".
type Source interface {
	CurrentToken() (Token, bool)
}

// Change describes one leadership transition.
type Change struct {
	Previous Token
	Current  Token
	Held     bool
}

// Election records grants and revocations made by an external elector and
// notifies subscribers. It is safe for concurrent use.
type Election struct {
	mu      sync.RWMutex
	current Token
	held    bool

	subsMu sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

func NewElection() *Election {
	return &Election{subs: make(map[int]func(Change))}
}

// CurrentToken returns the active token and whether leadership is held.
func (e *Election) CurrentToken() (Token, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.held {
		return NoToken, false
	}
	return e.current, true
}

// Acquire starts a new leadership term with a fresh token.
func (e *Election) Acquire() Token {
	token := NewToken()
	e.set(token, true)
	return token
}

// Adopt installs a token granted elsewhere, for example one read from config
// or handed over by the elector on failover.
func (e *Election) Adopt(token Token) error {
	if token.IsZero() {
		return ErrInvalidToken
	}
	e.set(token, true)
	return nil
}

// Revoke drops leadership. Revoking while not leader is a no-op.
func (e *Election) Revoke() {
	e.mu.RLock()
	held := e.held
	e.mu.RUnlock()
	if !held {
		return
	}
	e.set(NoToken, false)
}

// Subscribe registers fn for every subsequent change. The returned func
// removes the subscription.
func (e *Election) Subscribe(fn func(Change)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Election) set(token Token, held bool) {
	e.mu.Lock()
	change := Change{Previous: e.current, Current: token, Held: held}
	e.current = token
	e.held = held
	e.mu.Unlock()

	if held {
		log.Info().Str("token", token.String()).Msg("leader.Election granted")
	} else {
		log.Warn().Str("previous", change.Previous.String()).Msg("leader.Election revoked")
	}
	e.notify(change)
}

func (e *Election) notify(change Change) {
	e.subsMu.Lock()
	fns := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// Static is a Source pinned to one token, used by senders that learn the
// leader token out of band.
type Static struct {
	Token Token
}

func (s Static) CurrentToken() (Token, bool) {
	if s.Token.IsZero() {
		return NoToken, false
	}
	return s.Token, true
}
