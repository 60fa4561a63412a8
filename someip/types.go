package someip

import "fmt"

// MsgType is the SOME/IP message type field.
type MsgType uint8

// SOME/IP message types
const (
	MsgTypeRequest         MsgType = 0x00
	MsgTypeRequestNoReturn MsgType = 0x01
	MsgTypeNotification    MsgType = 0x02
	MsgTypeResponse        MsgType = 0x80
	MsgTypeError           MsgType = 0x81
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "REQUEST"
	case MsgTypeRequestNoReturn:
		return "REQUEST_NO_RETURN"
	case MsgTypeNotification:
		return "NOTIFICATION"
	case MsgTypeResponse:
		return "RESPONSE"
	case MsgTypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// ReturnCode is the SOME/IP return code field.
type ReturnCode uint8

// SOME/IP return codes
const (
	ReturnOK                    ReturnCode = 0x00 // No error occurred
	ReturnNotOK                 ReturnCode = 0x01 // An unspecified error occurred
	ReturnUnknownService        ReturnCode = 0x02 // The requested Service ID is unknown.
	ReturnUnknownMethod         ReturnCode = 0x03 // The requested Method ID is unknown. Service ID is known.
	ReturnNotReady              ReturnCode = 0x04 // Service ID and Method ID are known. Application not running.
	ReturnNotReachable          ReturnCode = 0x05 // System running the service is not reachable (internal error code only).
	ReturnTimeout               ReturnCode = 0x06 // A timeout occurred (internal error code only).
	ReturnWrongProtocolVersion  ReturnCode = 0x07 // Version of SOME/IP protocol not supported
	ReturnWrongInterfaceVersion ReturnCode = 0x08 // Interface version mismatch
	ReturnMalformedMessage      ReturnCode = 0x09 // Deserialization error, so that payload cannot be deserialized.
	ReturnWrongMessageType      ReturnCode = 0x0a // An unexpected message type was received
)

// ServiceID identifies a service interface.
type ServiceID uint16

// InstanceID identifies one instance of a service.
type InstanceID uint16

// MemberID identifies a method or event of a service.
type MemberID uint16

// ClientID identifies the client which issued a request.
type ClientID uint16

// SessionID is the per client sequence number of a request.
type SessionID uint16

// MessageID is the service id in the high and the member id in the low 16 bits.
type MessageID uint32

// NewMessageID combines a service and a member id.
func NewMessageID(s ServiceID, m MemberID) MessageID {
	return MessageID(uint32(s)<<16 | uint32(m))
}

// ServiceID returns the high 16 bits.
func (id MessageID) ServiceID() ServiceID { return ServiceID(id >> 16) }

// MemberID returns the low 16 bits.
func (id MessageID) MemberID() MemberID { return MemberID(id & 0xFFFF) }

// RequestID is the client id in the high and the session id in the low 16 bits.
type RequestID uint32

// NewRequestID combines a client and a session id.
func NewRequestID(c ClientID, s SessionID) RequestID {
	return RequestID(uint32(c)<<16 | uint32(s))
}

// ClientID returns the high 16 bits.
func (id RequestID) ClientID() ClientID { return ClientID(id >> 16) }

// SessionID returns the low 16 bits.
func (id RequestID) SessionID() SessionID { return SessionID(id & 0xFFFF) }

// MemberIDs addresses one member of one service instance.
type MemberIDs struct {
	ServiceID  ServiceID
	InstanceID InstanceID
	MemberID   MemberID
}

// Reserved identifiers
const (
	// DispatcherServiceID is the service answering ping requests of the daemon.
	DispatcherServiceID ServiceID = 0xFFFE
	// PingMemberID is the member used for ping / pong round trips.
	PingMemberID MemberID = 0x7FFF
	// UnknownClient marks a message which was not issued through a client connection.
	UnknownClient ClientID = 0xFFFF
)
