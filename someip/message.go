package someip

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"go.nanomsg.org/mangos/v3"

	"github.com/eshenhu/someip/serializer"
)

// IPC envelope layout. The envelope header carries the dispatcher metadata,
// the envelope body carries the SOME/IP header followed by the payload.
//
//	[]byte : 0        1        2    3
//	       : ipcType  reserved instanceID
const (
	IPCHeaderSize = 4

	// IPCSendMessage tags an envelope carrying a SOME/IP message.
	IPCSendMessage uint8 = 0x01
)

// ErrNotSendMessage is returned for envelopes which carry no SOME/IP message.
var ErrNotSendMessage = errors.New("someip: envelope is not a send message")

func newEnvelope(bodySize int) *mangos.Message {
	m := mangos.NewMessage(bodySize)
	m.Header = append(m.Header[:0], IPCSendMessage, 0, 0, 0)
	m.Body = m.Body[:0]
	return m
}

func envelopeInstance(m *mangos.Message) InstanceID {
	return InstanceID(binary.BigEndian.Uint16(m.Header[2:4]))
}

func setEnvelopeInstance(m *mangos.Message, id InstanceID) {
	binary.BigEndian.PutUint16(m.Header[2:4], uint16(id))
}

// InputMessage is a received SOME/IP message. It borrows the envelope it was
// created from unless it was copied.
type InputMessage struct {
	ipc    *mangos.Message
	header Header
	owned  bool
}

// NewInputMessage borrows m, which must stay valid while the returned message
// is in use.
func NewInputMessage(m *mangos.Message) (*InputMessage, error) {
	if len(m.Header) < IPCHeaderSize || m.Header[0] != IPCSendMessage {
		return nil, ErrNotSendMessage
	}
	d := serializer.NewDeserializer(m.Body)
	h, length, err := DeserializeHeader(d)
	if err != nil {
		return nil, err
	}
	if int(length) != len(m.Body)-lengthCovered {
		return nil, errors.Wrapf(ErrInvalidLength, "length field %d for %d bytes", length, len(m.Body))
	}
	return &InputMessage{ipc: m, header: h}, nil
}

// ParseInputMessage wraps raw wire bytes into a borrowed message. b must stay
// valid while the returned message is in use.
func ParseInputMessage(b []byte) (*InputMessage, error) {
	m := newEnvelope(0)
	m.Body = b
	return NewInputMessage(m)
}

// Copy returns a message owning a private copy of the envelope.
func (m *InputMessage) Copy() *InputMessage {
	c := mangos.NewMessage(len(m.ipc.Body))
	c.Header = append(c.Header[:0], m.ipc.Header...)
	c.Body = append(c.Body[:0], m.ipc.Body...)
	return &InputMessage{ipc: c, header: m.header, owned: true}
}

// Release returns an owned envelope to the allocator. Borrowed envelopes are
// left alone.
func (m *InputMessage) Release() {
	if m.owned && m.ipc != nil {
		m.ipc.Free()
		m.ipc = nil
	}
}

// Owned reports whether the message owns its envelope.
func (m *InputMessage) Owned() bool { return m.owned }

// Header returns a copy of the header.
func (m *InputMessage) Header() Header { return m.header }

// ServiceID returns the service id of the header.
func (m *InputMessage) ServiceID() ServiceID { return m.header.ServiceID() }

// MemberID returns the member id of the header.
func (m *InputMessage) MemberID() MemberID { return m.header.MemberID() }

// MessageID returns the message id of the header.
func (m *InputMessage) MessageID() MessageID { return m.header.MessageID }

// RequestID returns the request id of the header.
func (m *InputMessage) RequestID() RequestID { return m.header.RequestID }

// MessageType returns the message type of the header.
func (m *InputMessage) MessageType() MsgType { return m.header.MessageType }

// ClientID returns the client part of the request id.
func (m *InputMessage) ClientID() ClientID { return m.header.ClientID() }

// SetClientID stamps the client part of the request id, in the header copy
// and in the wire bytes.
func (m *InputMessage) SetClientID(c ClientID) {
	m.header.SetClientID(c)
	binary.BigEndian.PutUint32(m.ipc.Body[8:12], uint32(m.header.RequestID))
}

// InstanceID returns the instance the message is addressed to.
func (m *InputMessage) InstanceID() InstanceID { return envelopeInstance(m.ipc) }

// SetInstanceID sets the instance the message is addressed to.
func (m *InputMessage) SetInstanceID(id InstanceID) { setEnvelopeInstance(m.ipc, id) }

// Payload returns the bytes following the header.
func (m *InputMessage) Payload() []byte { return m.ipc.Body[HeaderSize:] }

// PayloadLength returns the number of bytes following the header.
func (m *InputMessage) PayloadLength() int { return len(m.ipc.Body) - HeaderSize }

// PayloadDeserializer returns a read cursor over the payload.
func (m *InputMessage) PayloadDeserializer() *serializer.Deserializer {
	return serializer.NewDeserializer(m.Payload())
}

// Bytes returns the message as sent on the wire.
func (m *InputMessage) Bytes() []byte { return m.ipc.Body }

// Envelope returns the IPC envelope.
func (m *InputMessage) Envelope() *mangos.Message { return m.ipc }

// IsPing reports whether the message targets the ping member.
func (m *InputMessage) IsPing() bool { return m.MemberID() == PingMemberID }

// IsAnswerTo reports whether m is the reply to out: same request id and
// type RESPONSE or ERROR. The payload is not looked at.
func (m *InputMessage) IsAnswerTo(out *OutputMessage) bool {
	return m.header.RequestID == out.header.RequestID && m.header.IsReply()
}

// Equal reports whether headers and payload bytes are identical.
func (m *InputMessage) Equal(out *OutputMessage) bool {
	return m.header == out.header && bytes.Equal(m.Payload(), out.Payload())
}

func (m *InputMessage) String() string {
	return fmt.Sprintf("%s, InstanceID=%d, payload: %s", m.header, m.InstanceID(), hex.EncodeToString(m.Payload()))
}

// OutputMessage owns its envelope. The header space is reserved at the start
// of the body and written when the message is sealed.
type OutputMessage struct {
	ipc    *mangos.Message
	header Header
}

// NewOutputMessage creates a REQUEST for ids with a fresh session id drawn
// from seq.
func NewOutputMessage(seq *Sequencer, ids MemberIDs) *OutputMessage {
	m := newOutputMessage()
	m.header.RequestID = NewRequestID(0, seq.Next())
	m.header.MessageID = NewMessageID(ids.ServiceID, ids.MemberID)
	m.SetInstanceID(ids.InstanceID)
	return m
}

func newOutputMessage() *OutputMessage {
	m := &OutputMessage{
		ipc:    newEnvelope(HeaderSize),
		header: NewHeader(),
	}
	m.ipc.Body = append(m.ipc.Body, make([]byte, HeaderSize)...)
	return m
}

// CreateMethodReturn builds the RESPONSE to in: message id, instance id and
// request id (client id included) are copied.
func CreateMethodReturn(in *InputMessage) *OutputMessage {
	m := newOutputMessage()
	m.header.MessageID = in.MessageID()
	m.header.RequestID = in.RequestID()
	m.header.ProtocolVersion = in.header.ProtocolVersion
	m.header.InterfaceVersion = in.header.InterfaceVersion
	m.header.MessageType = MsgTypeResponse
	m.SetInstanceID(in.InstanceID())
	return m
}

// CreateErrorReturn builds an ERROR reply to in carrying code.
func CreateErrorReturn(in *InputMessage, code ReturnCode) *OutputMessage {
	m := CreateMethodReturn(in)
	m.header.MessageType = MsgTypeError
	m.header.ReturnCode = code
	return m
}

// Header gives write access to the header.
func (m *OutputMessage) Header() *Header { return &m.header }

// ServiceID returns the service id of the header.
func (m *OutputMessage) ServiceID() ServiceID { return m.header.ServiceID() }

// RequestID returns the request id of the header.
func (m *OutputMessage) RequestID() RequestID { return m.header.RequestID }

// SetClientID stamps the client part of the request id.
func (m *OutputMessage) SetClientID(c ClientID) { m.header.SetClientID(c) }

// ClientID returns the client part of the request id.
func (m *OutputMessage) ClientID() ClientID { return m.header.ClientID() }

// InstanceID returns the instance the message is addressed to.
func (m *OutputMessage) InstanceID() InstanceID { return envelopeInstance(m.ipc) }

// SetInstanceID sets the instance the message is addressed to.
func (m *OutputMessage) SetInstanceID(id InstanceID) { setEnvelopeInstance(m.ipc, id) }

// Write appends p to the payload.
func (m *OutputMessage) Write(p []byte) (int, error) {
	m.ipc.Body = append(m.ipc.Body, p...)
	return len(p), nil
}

// WritePayload appends to the payload through a serializer.
func (m *OutputMessage) WritePayload(f func(s *serializer.Serializer) error) error {
	s := serializer.NewSerializer(m.ipc.Body)
	err := f(s)
	m.ipc.Body = s.Bytes()
	return err
}

// Payload returns the bytes written after the header.
func (m *OutputMessage) Payload() []byte { return m.ipc.Body[HeaderSize:] }

// PayloadLength returns the number of bytes written after the header.
func (m *OutputMessage) PayloadLength() int { return len(m.ipc.Body) - HeaderSize }

// Bytes seals the header and returns the message as sent on the wire.
func (m *OutputMessage) Bytes() []byte {
	putHeader(m.ipc.Body, &m.header, m.PayloadLength())
	return m.ipc.Body
}

// Envelope seals the header and returns the IPC envelope.
func (m *OutputMessage) Envelope() *mangos.Message {
	m.Bytes()
	return m.ipc
}

// AsInput returns a read view of the sealed message. The view borrows m.
func (m *OutputMessage) AsInput() *InputMessage {
	m.Bytes()
	return &InputMessage{ipc: m.ipc, header: m.header}
}

// Equal reports whether headers and payload bytes are identical.
func (m *OutputMessage) Equal(o *OutputMessage) bool {
	return m.header == o.header && bytes.Equal(m.Payload(), o.Payload())
}

// Release returns the envelope to the allocator.
func (m *OutputMessage) Release() {
	if m.ipc != nil {
		m.ipc.Free()
		m.ipc = nil
	}
}

func (m *OutputMessage) String() string {
	return fmt.Sprintf("%s, InstanceID=%d, payload: %s", m.header, m.InstanceID(), hex.EncodeToString(m.Payload()))
}
