package fencing

import (
	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/messages"
)

// Decision is the outcome of one fencing check.
type Decision string

const (
	DecisionAccepted     Decision = "accepted"
	DecisionNoLeadership Decision = "no_leadership"
	DecisionStaleToken   Decision = "stale_token"
	// DecisionUnfenced is returned for messages that carry no token and
	// therefore bypass the check.
	DecisionUnfenced Decision = "unfenced"
)

// Delivers reports whether the message may reach its handler.
func (d Decision) Delivers() bool {
	return d == DecisionAccepted || d == DecisionUnfenced
}

// Validate checks msg against the receiver's current token. held is false
// when the receiver is not leader, in which case current is ignored.
func Validate(msg messages.Fenced, current leader.Token, held bool) Decision {
	if !held || current.IsZero() {
		return DecisionNoLeadership
	}
	if msg == nil || msg.LeaderSessionToken() != current {
		return DecisionStaleToken
	}
	return DecisionAccepted
}

// Accept is Validate reduced to a yes/no answer.
func Accept(msg messages.Fenced, current leader.Token, held bool) bool {
	return Validate(msg, current, held) == DecisionAccepted
}
