package sd

import (
	"net"

	"github.com/eshenhu/someip/someip"
)

// ServiceIDs addresses one service instance.
type ServiceIDs struct {
	ServiceID  someip.ServiceID
	InstanceID someip.InstanceID
}

func offerEntry(m *Message, ids ServiceIDs, protocol TransportProtocol, ip net.IP, port uint16, ttl uint32) (*ServiceEntry, error) {
	o, err := NewIPv4Option(protocol, ip, port)
	if err != nil {
		return nil, err
	}
	idx, err := m.AddOption(o)
	if err != nil {
		return nil, err
	}
	e := &ServiceEntry{
		EntryHeader: EntryHeader{
			Type:              OfferService,
			FirstOptionIndex:  idx,
			SecondOptionIndex: idx,
			ServiceID:         ids.ServiceID,
			InstanceID:        ids.InstanceID,
			MajorVersion:      1,
			TTL:               ttl,
		},
		MinorVersion: 1,
	}
	return e, nil
}

// NewOfferedEntry adds the endpoint option of a local service to m and
// returns an OfferService entry referring to it. The offer never expires.
func NewOfferedEntry(m *Message, ids ServiceIDs, protocol TransportProtocol, ip net.IP, port uint16) (*ServiceEntry, error) {
	e, err := offerEntry(m, ids, protocol, ip, port, TTLInfinite)
	if err != nil {
		return nil, err
	}
	e.FirstOptionCount = 1
	return e, nil
}

// NewUnregisteredEntry is NewOfferedEntry with TTL 0: the service goes away
// immediately.
func NewUnregisteredEntry(m *Message, ids ServiceIDs, protocol TransportProtocol, ip net.IP, port uint16) (*ServiceEntry, error) {
	return offerEntry(m, ids, protocol, ip, port, 0)
}

// NewQueryEntry returns a FindService entry matching any instance and any
// version of serviceID.
func NewQueryEntry(serviceID someip.ServiceID) *ServiceEntry {
	return &ServiceEntry{
		EntryHeader: EntryHeader{
			Type:         FindService,
			ServiceID:    serviceID,
			InstanceID:   AnyInstance,
			MajorVersion: AnyMajorVersion,
			TTL:          TTLInfinite,
		},
		MinorVersion: AnyMinorVersion,
	}
}

// NewSubscribeEntry returns a Subscribe entry for an event group. It carries
// no endpoint option.
func NewSubscribeEntry(ids ServiceIDs, eventGroupID uint16) *EventGroupEntry {
	return &EventGroupEntry{
		EntryHeader: EntryHeader{
			Type:         Subscribe,
			ServiceID:    ids.ServiceID,
			InstanceID:   ids.InstanceID,
			MajorVersion: 1,
			TTL:          TTLInfinite,
		},
		EventGroupID: eventGroupID,
	}
}

// NewStopSubscribeEntry is NewSubscribeEntry with TTL 0.
func NewStopSubscribeEntry(ids ServiceIDs, eventGroupID uint16) *EventGroupEntry {
	e := NewSubscribeEntry(ids, eventGroupID)
	e.TTL = 0
	return e
}

// NewSubscribeAckEntry acknowledges sub.
func NewSubscribeAckEntry(sub *EventGroupEntry) *EventGroupEntry {
	ack := *sub
	ack.Type = SubscribeAck
	ack.FirstOptionIndex, ack.SecondOptionIndex = 0, 0
	ack.FirstOptionCount, ack.SecondOptionCount = 0, 0
	return &ack
}
