package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fencectl/internal/protocol/tlv"
)

// Message type IDs from tlv contract.
const (
	MsgResourceRegistered uint32 = 1
	MsgResourceRemoved    uint32 = 2
	MsgDeliveryAck        uint32 = 3
)

// Field IDs from tlv contract.
const (
	FieldResourceID uint16 = 1
	FieldMessage    uint16 = 2
	FieldSenderID   uint16 = 3

	FieldAckStatus   uint16 = 100
	FieldTimestampMS uint16 = 101
)

type Requirement struct {
	ID   uint16
	Type uint8
}

// Contract is the wire contract for one message type.
type Contract struct {
	Name     string
	Fenced   bool
	Required []Requirement
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var contracts = map[uint32]Contract{
	MsgResourceRegistered: {
		Name:   "resource.registered",
		Fenced: true,
		Required: []Requirement{
			{FieldResourceID, tlv.TypeString},
		},
	},
	MsgResourceRemoved: {
		Name:   "resource.removed",
		Fenced: true,
		Required: []Requirement{
			{FieldResourceID, tlv.TypeString},
		},
	},
	MsgDeliveryAck: {
		Name: "delivery.ack",
		Required: []Requirement{
			{FieldAckStatus, tlv.TypeString},
			{FieldTimestampMS, tlv.TypeU64},
		},
	},
}

// Lookup returns the contract for messageType.
func Lookup(messageType uint32) (Contract, bool) {
	c, ok := contracts[messageType]
	return c, ok
}

// Name returns a printable name for messageType.
func Name(messageType uint32) string {
	if c, ok := contracts[messageType]; ok {
		return c.Name
	}
	return fmt.Sprintf("unknown(%d)", messageType)
}

// RequiresFence reports whether frames of messageType must carry a fence
// block. Unknown types report false.
func RequiresFence(messageType uint32) bool {
	return contracts[messageType].Fenced
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	contract, ok := contracts[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range contract.Required {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", contract.Name).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
