package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic   uint32 = 0x46454E43 // "FENC"
	Version uint16 = 1

	FixedHeaderLen uint16 = 32
	// FenceLen is the width of the leader-session token block that follows
	// the fixed header on fenced frames.
	FenceLen uint16 = 16

	FlagFenced     uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrBadMagic          = errors.New("frame: bad magic")
	ErrBadVersion        = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch = errors.New("frame: header_len does not match fence flag")
	ErrFenceLen          = errors.New("frame: fence block must be 16 bytes")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Fenced reports whether the frame carries a fence block.
func (h Header) Fenced() bool {
	return h.Flags&FlagFenced != 0
}

// Frame is one complete wire message. Fence is empty for unfenced frames and
// exactly FenceLen bytes otherwise.
type Frame struct {
	Header  Header
	Fence   []byte
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1024 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, ErrBadVersion
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	extLen := h.HeaderLen - FixedHeaderLen
	switch {
	case h.Fenced() && extLen != FenceLen:
		return Frame{}, ErrHeaderLenMismatch
	case !h.Fenced() && extLen != 0:
		return Frame{}, ErrHeaderLenMismatch
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	// fence block and payload arrive back to back
	body := make([]byte, uint64(extLen)+h.PayloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var fence []byte
	if extLen > 0 {
		fence = body[:extLen:extLen]
	}
	payload := body[extLen:]

	return Frame{Header: h, Fence: fence, Payload: payload}, nil
}

// WriteFrame fills in magic, version, lengths and the fence flag from f
// before writing it.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	fenceLen := len(f.Fence)
	if fenceLen != 0 && fenceLen != int(FenceLen) {
		return ErrFenceLen
	}
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(fenceLen)
	h.PayloadLen = payloadLen
	if fenceLen > 0 {
		h.Flags |= FlagFenced
	} else {
		h.Flags &^= FlagFenced
	}

	buf := AppendHeader(make([]byte, 0, int(h.HeaderLen)+len(f.Payload)), h)
	buf = append(buf, f.Fence...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

// AppendHeader appends the fixed header fields of h to dst, big-endian.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Magic)
	dst = binary.BigEndian.AppendUint16(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.HeaderLen)
	dst = binary.BigEndian.AppendUint64(dst, h.MessageID)
	dst = binary.BigEndian.AppendUint32(dst, h.MessageType)
	dst = binary.BigEndian.AppendUint32(dst, h.Flags)
	return binary.BigEndian.AppendUint64(dst, h.PayloadLen)
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, FixedHeaderLen), h)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
