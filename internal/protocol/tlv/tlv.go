package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrFieldMissing     = errors.New("tlv: field missing")
	ErrFieldType        = errors.New("tlv: field type mismatch")
)

// Type IDs from tlv contract.
const (
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

// AppendField appends the wire form of f to dst.
func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
	return append(dst, f.Value...)
}

func EncodeField(f Field) []byte {
	return AppendField(make([]byte, 0, HeaderLen+len(f.Value)), f)
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields splits payload into fields. Values are copied out of payload.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		f := Field{
			ID:   binary.BigEndian.Uint16(rest[0:2]),
			Type: rest[2],
		}
		n := binary.BigEndian.Uint32(rest[3:HeaderLen])
		rest = rest[HeaderLen:]
		if uint64(len(rest)) < uint64(n) {
			return nil, ErrShortFieldValue
		}
		f.Value = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// StringValue returns the string field id. ok is false when it is absent.
func StringValue(fields []Field, id uint16) (string, bool, error) {
	f, found := GetField(fields, id)
	if !found {
		return "", false, nil
	}
	if f.Type != TypeString {
		return "", true, fmt.Errorf("%w: field %d got %d want %d", ErrFieldType, id, f.Type, TypeString)
	}
	return string(f.Value), true, nil
}

// Uint64Value returns the u64 field id, failing when absent.
func Uint64Value(fields []Field, id uint16) (uint64, error) {
	f, found := GetField(fields, id)
	if !found {
		return 0, fmt.Errorf("%w: field %d", ErrFieldMissing, id)
	}
	if f.Type != TypeU64 || len(f.Value) != 8 {
		return 0, fmt.Errorf("%w: field %d", ErrFieldType, id)
	}
	return binary.BigEndian.Uint64(f.Value), nil
}
