package leader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TokenSize is the encoded width of a Token on the wire.
const TokenSize = 16

var ErrInvalidToken = errors.New("leader: invalid session token")

// namespace scopes name-derived tokens so they never collide with random ones.
var namespace = uuid.MustParse("6f0b8f7e-4c1a-5d2e-9b3f-0a7c1e2d4f60")

// Token identifies one leadership term. The zero value means "no token".
type Token uuid.UUID

// NoToken is the zero Token.
var NoToken Token

// NewToken returns a fresh random token for a new leadership term.
func NewToken() Token {
	return Token(uuid.New())
}

// TokenFromName derives a stable token from a human label such as "epoch-7".
func TokenFromName(name string) Token {
	return Token(uuid.NewSHA1(namespace, []byte(name)))
}

// ParseToken parses the canonical string form of a token.
func ParseToken(raw string) (Token, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return NoToken, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Token(id), nil
}

// ParseSession accepts either a canonical token or "name:<label>", which
// maps to TokenFromName(label). Operators use the second form to pin test
// clusters to readable epochs.
func ParseSession(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if label, ok := strings.CutPrefix(raw, "name:"); ok {
		label = strings.TrimSpace(label)
		if label == "" {
			return NoToken, fmt.Errorf("%w: empty name", ErrInvalidToken)
		}
		return TokenFromName(label), nil
	}
	return ParseToken(raw)
}

// TokenFromBytes decodes the 16-byte wire form.
func TokenFromBytes(b []byte) (Token, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return NoToken, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Token(id), nil
}

func (t Token) IsZero() bool {
	return t == NoToken
}

func (t Token) Bytes() []byte {
	out := make([]byte, TokenSize)
	copy(out, t[:])
	return out
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}

func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(b []byte) error {
	parsed, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
