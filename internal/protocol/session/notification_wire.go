package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/messages"
	"github.com/danmuck/fencectl/internal/protocol/frame"
	"github.com/danmuck/fencectl/internal/protocol/schema"
	"github.com/danmuck/fencectl/internal/protocol/tlv"
	"github.com/danmuck/fencectl/internal/resource"
)

// AckStatusReceived is the only delivery.ack status. It confirms the frame
// was decoded and handed to the coordinator, nothing more.
const AckStatusReceived = "received"

var (
	ErrMissingFence       = errors.New("session: fenced message without fence block")
	ErrUnexpectedFence    = errors.New("session: unfenced message carries fence block")
	ErrUnsupportedMessage = errors.New("session: unsupported message type")
	ErrInvalidDeliveryAck = errors.New("session: invalid delivery.ack")
)

// Notification is one decoded inbound notification frame.
type Notification struct {
	MessageID uint64
	SenderID  string
	Message   messages.Message
}

// DeliveryAck is the coordinator -> resource-manager receipt for one frame.
type DeliveryAck struct {
	MessageID   uint64
	Status      string
	TimestampMS uint64
}

func (a DeliveryAck) Validate() error {
	if strings.TrimSpace(a.Status) == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidDeliveryAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidDeliveryAck)
	}
	return nil
}

// EncodeResourceRemovedFrame writes msg as a fenced resource.removed frame.
// An absent diagnostic message is encoded as a missing field.
func EncodeResourceRemovedFrame(messageID uint64, senderID string, msg messages.ResourceRemoved) ([]byte, error) {
	if msg.ResourceID().IsZero() || msg.LeaderSessionToken().IsZero() {
		return nil, fmt.Errorf("%w: zero-value ResourceRemoved", messages.ErrInvalidArgument)
	}
	fields := []tlv.Field{tlv.String(schema.FieldResourceID, msg.ResourceID().String())}
	if text, ok := msg.Message(); ok {
		fields = append(fields, tlv.String(schema.FieldMessage, text))
	}
	return encodeFenced(messageID, schema.MsgResourceRemoved, senderID, msg.LeaderSessionToken(), fields)
}

// EncodeResourceRegisteredFrame writes msg as a fenced resource.registered frame.
func EncodeResourceRegisteredFrame(messageID uint64, senderID string, msg messages.ResourceRegistered) ([]byte, error) {
	if msg.ResourceID().IsZero() || msg.LeaderSessionToken().IsZero() {
		return nil, fmt.Errorf("%w: zero-value ResourceRegistered", messages.ErrInvalidArgument)
	}
	fields := []tlv.Field{tlv.String(schema.FieldResourceID, msg.ResourceID().String())}
	return encodeFenced(messageID, schema.MsgResourceRegistered, senderID, msg.LeaderSessionToken(), fields)
}

// EncodeNotificationFrame dispatches on the concrete notification type.
func EncodeNotificationFrame(messageID uint64, senderID string, msg messages.Message) ([]byte, error) {
	switch m := msg.(type) {
	case messages.ResourceRemoved:
		return EncodeResourceRemovedFrame(messageID, senderID, m)
	case messages.ResourceRegistered:
		return EncodeResourceRegisteredFrame(messageID, senderID, m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}

func encodeFenced(messageID uint64, messageType uint32, senderID string, token leader.Token, fields []tlv.Field) ([]byte, error) {
	if senderID = strings.TrimSpace(senderID); senderID != "" {
		fields = append(fields, tlv.String(schema.FieldSenderID, senderID))
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
		},
		Fence:   token.Bytes(),
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeNotificationFrame turns a fenced notification frame back into its
// message. A blank resource id or zero fence fails with
// messages.ErrInvalidArgument; the fence itself is not judged here.
func DecodeNotificationFrame(f frame.Frame) (Notification, error) {
	messageType := f.Header.MessageType
	if _, ok := schema.Lookup(messageType); !ok || messageType == schema.MsgDeliveryAck {
		return Notification{}, fmt.Errorf("%w: %s", ErrUnsupportedMessage, schema.Name(messageType))
	}
	if schema.RequiresFence(messageType) && !f.Header.Fenced() {
		return Notification{}, fmt.Errorf("%w: %s", ErrMissingFence, schema.Name(messageType))
	}
	token, err := leader.TokenFromBytes(f.Fence)
	if err != nil {
		return Notification{}, err
	}

	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Notification{}, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return Notification{}, err
	}
	rawID, _, err := tlv.StringValue(fields, schema.FieldResourceID)
	if err != nil {
		return Notification{}, err
	}
	senderID, _, err := tlv.StringValue(fields, schema.FieldSenderID)
	if err != nil {
		return Notification{}, err
	}
	id, _ := resource.ParseID(rawID)

	out := Notification{MessageID: f.Header.MessageID, SenderID: senderID}
	switch messageType {
	case schema.MsgResourceRemoved:
		var opts []messages.Option
		text, ok, err := tlv.StringValue(fields, schema.FieldMessage)
		if err != nil {
			return Notification{}, err
		}
		if ok {
			opts = append(opts, messages.WithMessage(text))
		}
		msg, err := messages.NewResourceRemoved(id, token, opts...)
		if err != nil {
			return Notification{}, err
		}
		out.Message = msg
	case schema.MsgResourceRegistered:
		msg, err := messages.NewResourceRegistered(id, token)
		if err != nil {
			return Notification{}, err
		}
		out.Message = msg
	}
	return out, nil
}

func EncodeDeliveryAckFrame(ack DeliveryAck) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldAckStatus, ack.Status),
		tlv.U64(schema.FieldTimestampMS, ack.TimestampMS),
	}
	if err := schema.Validate(schema.MsgDeliveryAck, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   ack.MessageID,
			MessageType: schema.MsgDeliveryAck,
			Flags:       frame.FlagIsResponse,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeDeliveryAckFrame(f frame.Frame) (DeliveryAck, error) {
	if f.Header.MessageType != schema.MsgDeliveryAck {
		return DeliveryAck{}, fmt.Errorf("%w: got %s", ErrInvalidDeliveryAck, schema.Name(f.Header.MessageType))
	}
	if f.Header.Fenced() {
		return DeliveryAck{}, ErrUnexpectedFence
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return DeliveryAck{}, err
	}
	if err := schema.Validate(schema.MsgDeliveryAck, fields); err != nil {
		return DeliveryAck{}, err
	}
	status, _, err := tlv.StringValue(fields, schema.FieldAckStatus)
	if err != nil {
		return DeliveryAck{}, err
	}
	ts, err := tlv.Uint64Value(fields, schema.FieldTimestampMS)
	if err != nil {
		return DeliveryAck{}, err
	}
	ack := DeliveryAck{MessageID: f.Header.MessageID, Status: status, TimestampMS: ts}
	return ack, ack.Validate()
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}
