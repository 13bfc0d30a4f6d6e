// Package auth admits resource-manager senders at session start.
//
// It only compares secrets; issuing and storing them is the operator's job.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator decides whether senderID may open a session with secret.
type Validator interface {
	Validate(senderID, secret string) error
}

// SharedSecret admits any sender presenting the one configured secret.
// An empty Secret admits nobody.
type SharedSecret struct {
	Secret string
}

func (s SharedSecret) Validate(_ string, secret string) error {
	return compare(s.Secret, secret)
}

// PerSender holds one secret per sender id. Unknown senders are refused.
type PerSender map[string]string

func (p PerSender) Validate(senderID, secret string) error {
	want, ok := p[strings.TrimSpace(senderID)]
	if !ok {
		return ErrUnauthorized
	}
	return compare(want, secret)
}

// ValidatorFunc adapts a function into a Validator.
type ValidatorFunc func(senderID, secret string) error

func (f ValidatorFunc) Validate(senderID, secret string) error {
	return f(senderID, secret)
}

func compare(want, got string) error {
	if want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
