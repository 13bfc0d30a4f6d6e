package leader

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/fencectl/internal/testutil/testlog"
)

func TestElectionAcquireRevoke(t *testing.T) {
	testlog.Start(t)

	e := NewElection()
	if _, held := e.CurrentToken(); held {
		t.Fatalf("new election should not hold leadership")
	}

	first := e.Acquire()
	got, held := e.CurrentToken()
	if !held || got != first {
		t.Fatalf("expected token %s held, got %s held=%v", first, got, held)
	}

	second := e.Acquire()
	if second == first {
		t.Fatalf("expected a new token per term")
	}

	e.Revoke()
	got, held = e.CurrentToken()
	if held || !got.IsZero() {
		t.Fatalf("expected no leadership after revoke, got %s held=%v", got, held)
	}
}

func TestElectionAdoptRejectsZeroToken(t *testing.T) {
	testlog.Start(t)

	e := NewElection()
	if err := e.Adopt(NoToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	epoch := TokenFromName("epoch-7")
	if err := e.Adopt(epoch); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if got, held := e.CurrentToken(); !held || got != epoch {
		t.Fatalf("expected adopted token, got %s held=%v", got, held)
	}
}

func TestElectionSubscribe(t *testing.T) {
	testlog.Start(t)

	e := NewElection()
	var mu sync.Mutex
	var changes []Change
	cancel := e.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	token := e.Acquire()
	e.Revoke()
	e.Revoke()
	cancel()
	e.Acquire()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}
	if !changes[0].Held || changes[0].Current != token {
		t.Fatalf("unexpected grant change: %+v", changes[0])
	}
	if changes[1].Held || changes[1].Previous != token {
		t.Fatalf("unexpected revoke change: %+v", changes[1])
	}
}

func TestTokenEncodings(t *testing.T) {
	token := TokenFromName("epoch-7")
	if token != TokenFromName("epoch-7") {
		t.Fatalf("name-derived tokens must be stable")
	}
	if token == TokenFromName("epoch-6") {
		t.Fatalf("distinct names must yield distinct tokens")
	}

	parsed, err := ParseToken(token.String())
	if err != nil || parsed != token {
		t.Fatalf("parse: %v %s", err, parsed)
	}
	fromBytes, err := TokenFromBytes(token.Bytes())
	if err != nil || fromBytes != token {
		t.Fatalf("from bytes: %v %s", err, fromBytes)
	}
	if _, err := TokenFromBytes([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for short bytes, got %v", err)
	}

	var text Token
	if err := text.UnmarshalText([]byte(token.String())); err != nil || text != token {
		t.Fatalf("unmarshal text: %v %s", err, text)
	}
}

func TestParseSession(t *testing.T) {
	got, err := ParseSession(" name:epoch-7 ")
	if err != nil || got != TokenFromName("epoch-7") {
		t.Fatalf("name form: %s %v", got, err)
	}
	token := NewToken()
	if got, err := ParseSession(token.String()); err != nil || got != token {
		t.Fatalf("canonical form: %s %v", got, err)
	}
	for _, raw := range []string{"name:", "epoch-7", ""} {
		if _, err := ParseSession(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%q: expected ErrInvalidToken, got %v", raw, err)
		}
	}
}

func TestStaticSource(t *testing.T) {
	if _, held := (Static{}).CurrentToken(); held {
		t.Fatalf("zero static source should not hold leadership")
	}
	token := NewToken()
	if got, held := (Static{Token: token}).CurrentToken(); !held || got != token {
		t.Fatalf("unexpected static token %s held=%v", got, held)
	}
}
