package schema

import (
	"testing"

	"github.com/danmuck/fencectl/internal/protocol/tlv"
	"github.com/danmuck/fencectl/internal/testutil/testlog"
)

func TestValidateResourceRemovedRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldResourceID, "c-123"),
		tlv.String(FieldMessage, "container exited"),
	}
	if err := Validate(MsgResourceRemoved, fields); err != nil {
		t.Fatalf("validate removal: %v", err)
	}
}

func TestValidateMessageIsOptional(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldResourceID, "c-123")}
	if err := Validate(MsgResourceRemoved, fields); err != nil {
		t.Fatalf("validate removal without message: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldResourceID, "c-123"),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgResourceRegistered, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgDeliveryAck, []tlv.Field{tlv.String(FieldAckStatus, "received")})
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldTimestampMS || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U32(FieldResourceID, 7)}
	err := Validate(MsgResourceRemoved, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldResourceID || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(999, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequiresFence(t *testing.T) {
	if !RequiresFence(MsgResourceRemoved) || !RequiresFence(MsgResourceRegistered) {
		t.Fatalf("resource notifications must be fenced")
	}
	if RequiresFence(MsgDeliveryAck) || RequiresFence(999) {
		t.Fatalf("acks and unknown types are not fenced")
	}
	if Name(MsgResourceRemoved) != "resource.removed" || Name(999) != "unknown(999)" {
		t.Fatalf("unexpected names: %q %q", Name(MsgResourceRemoved), Name(999))
	}
}
