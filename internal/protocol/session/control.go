package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "session.hello"
	controlTypeHelloAck = "session.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlBytes = 128 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the resource-manager -> coordinator session-start payload.
type Hello struct {
	SenderID     string `cbor:"sender_id"`
	PeerIdentity string `cbor:"peer_identity,omitempty"`
	Secret       string `cbor:"secret,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.SenderID) == "" {
		return fmt.Errorf("%w: missing sender_id", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the coordinator response to Hello.
type HelloAck struct {
	Status        string `cbor:"status"`
	Code          uint32 `cbor:"code"`
	Message       string `cbor:"message,omitempty"`
	CoordinatorID string `cbor:"coordinator_id"`
	TimestampMS   uint64 `cbor:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.CoordinatorID) == "" {
		return fmt.Errorf("%w: missing coordinator_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `cbor:"type"`
	Hello *Hello    `cbor:"hello,omitempty"`
	Ack   *HelloAck `cbor:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &hello,
	})
}

func ReadHello(r io.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeHelloAck,
		Ack:  &ack,
	})
}

func ReadHelloAck(r io.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

// Control envelopes are a 4-byte big-endian length followed by one CBOR item.
func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	body, err := encMode.Marshal(env)
	if err != nil {
		return err
	}
	if len(body) > maxControlBytes {
		return ErrControlMessageTooLarge
	}
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

func readControlEnvelope(r io.Reader) (controlEnvelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return controlEnvelope{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxControlBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return controlEnvelope{}, err
	}
	var env controlEnvelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
