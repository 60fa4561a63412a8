package someip

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/eshenhu/someip/serializer"
)

const (
	// HeaderSize is the size of the SOME/IP header on the wire.
	HeaderSize = 16
	// lengthCovered is the part of the header counted by the length field.
	lengthCovered = 8

	// DefaultProtocolVersion is the SOME/IP protocol version we speak.
	DefaultProtocolVersion uint8 = 0x01
)

// Errors
var (
	ErrHeaderTooShort  = errors.New("someip: header too short")
	ErrInvalidLength   = errors.New("someip: invalid length field")
	ErrMessageTooLarge = errors.New("someip: message too large")
)

// Header is the SOME/IP message header. It is always a copy of the bytes on
// the wire, never a view into a buffer.
type Header struct {
	MessageID        MessageID
	RequestID        RequestID
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      MsgType
	ReturnCode       ReturnCode
}

// NewHeader returns a REQUEST header with the default protocol version.
func NewHeader() Header {
	return Header{
		ProtocolVersion: DefaultProtocolVersion,
		MessageType:     MsgTypeRequest,
		ReturnCode:      ReturnOK,
	}
}

// ServiceID returns the service part of the message id.
func (h Header) ServiceID() ServiceID { return h.MessageID.ServiceID() }

// MemberID returns the member part of the message id.
func (h Header) MemberID() MemberID { return h.MessageID.MemberID() }

// SetServiceID replaces the service part of the message id.
func (h *Header) SetServiceID(s ServiceID) {
	h.MessageID = NewMessageID(s, h.MemberID())
}

// SetMemberID replaces the member part of the message id.
func (h *Header) SetMemberID(m MemberID) {
	h.MessageID = NewMessageID(h.ServiceID(), m)
}

// ClientID returns the client part of the request id.
func (h Header) ClientID() ClientID { return h.RequestID.ClientID() }

// SetClientID replaces the client part of the request id.
func (h *Header) SetClientID(c ClientID) {
	h.RequestID = NewRequestID(c, h.RequestID.SessionID())
}

// IsNotification reports whether the message is an event.
func (h Header) IsNotification() bool { return h.MessageType == MsgTypeNotification }

// IsReply reports whether the message answers a request.
func (h Header) IsReply() bool {
	return h.MessageType == MsgTypeResponse || h.MessageType == MsgTypeError
}

// IsRequestWithReturn reports whether the sender waits for a reply.
func (h Header) IsRequestWithReturn() bool { return h.MessageType == MsgTypeRequest }

func (h Header) String() string {
	return fmt.Sprintf("MessageID:0x%08X, RequestID:0x%08X, MessageType:%s, ReturnCode:0x%02X",
		uint32(h.MessageID), uint32(h.RequestID), h.MessageType, uint8(h.ReturnCode))
}

// Serialize writes the header followed by whatever payload writes. The
// length field is patched once the payload is complete.
func (h *Header) Serialize(s *serializer.Serializer, payload func() error) error {
	s.WriteUint32(uint32(h.MessageID))
	return s.WriteLengthDelimited(4, 0, func() error {
		s.WriteUint32(uint32(h.RequestID))
		s.WriteUint8(h.ProtocolVersion)
		s.WriteUint8(h.InterfaceVersion)
		serializer.WriteEnum(s, h.MessageType)
		serializer.WriteEnum(s, h.ReturnCode)
		if payload == nil {
			return nil
		}
		return payload()
	})
}

// DeserializeHeader reads a header and returns it together with its length
// field.
func DeserializeHeader(d *serializer.Deserializer) (Header, uint32, error) {
	var h Header
	if d.Remaining() < HeaderSize {
		return h, 0, errors.Wrapf(ErrHeaderTooShort, "%d bytes", d.Remaining())
	}
	mid, _ := d.ReadUint32()
	length, _ := d.ReadUint32()
	rid, _ := d.ReadUint32()
	h.MessageID = MessageID(mid)
	h.RequestID = RequestID(rid)
	h.ProtocolVersion, _ = d.ReadUint8()
	h.InterfaceVersion, _ = d.ReadUint8()
	h.MessageType, _ = serializer.ReadEnum[MsgType](d)
	h.ReturnCode, _ = serializer.ReadEnum[ReturnCode](d)
	if length < lengthCovered {
		return h, length, errors.Wrapf(ErrInvalidLength, "length %d", length)
	}
	return h, length, nil
}

// putHeader writes h into the first HeaderSize bytes of b.
func putHeader(b []byte, h *Header, payloadLen int) {
	s := serializer.NewSerializer(b[:0])
	s.WriteUint32(uint32(h.MessageID))
	s.WriteUint32(uint32(payloadLen + lengthCovered))
	s.WriteUint32(uint32(h.RequestID))
	s.WriteUint8(h.ProtocolVersion)
	s.WriteUint8(h.InterfaceVersion)
	serializer.WriteEnum(s, h.MessageType)
	serializer.WriteEnum(s, h.ReturnCode)
}
