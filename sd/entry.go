package sd

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/eshenhu/someip/serializer"
	"github.com/eshenhu/someip/someip"
)

// EntryType is the type tag leading each entry.
type EntryType uint8

// Entry types
const (
	FindService  EntryType = 0x00
	OfferService EntryType = 0x01
	Subscribe    EntryType = 0x06
	SubscribeAck EntryType = 0x07
)

func (t EntryType) String() string {
	switch t {
	case FindService:
		return "FindService"
	case OfferService:
		return "OfferService"
	case Subscribe:
		return "Subscribe"
	case SubscribeAck:
		return "SubscribeAck"
	default:
		return fmt.Sprintf("EntryType(0x%02x)", uint8(t))
	}
}

const (
	// entrySize is the wire size of every entry, type tag included.
	entrySize = 16

	// TTLInfinite is the largest TTL the 24 bit field can carry, an entry
	// with this TTL never expires.
	TTLInfinite uint32 = 0xFFFFFF
	ttlBytes           = 3

	// AnyInstance matches all instances of a service.
	AnyInstance someip.InstanceID = 0xFFFF
	// AnyMajorVersion matches all major versions.
	AnyMajorVersion uint8 = 0xFF
	// AnyMinorVersion matches all minor versions.
	AnyMinorVersion uint32 = 0xFFFFFFFF
)

// Entry is either a *ServiceEntry or an *EventGroupEntry.
type Entry interface {
	// Header returns the fields shared by all entries.
	Header() *EntryHeader
	// Accept calls the visitor method of the concrete entry.
	Accept(v EntryVisitor) error

	serialize(s *serializer.Serializer) error
}

// EntryVisitor has one method per entry variant, adding a variant breaks
// every visitor until it handles the new one.
type EntryVisitor interface {
	VisitServiceEntry(e *ServiceEntry) error
	VisitEventGroupEntry(e *EventGroupEntry) error
}

// EntryHeader holds the fields shared by service and event group entries.
type EntryHeader struct {
	Type              EntryType
	FirstOptionIndex  uint8
	SecondOptionIndex uint8
	// FirstOptionCount and SecondOptionCount are 4 bit fields packed into
	// one byte on the wire.
	FirstOptionCount  uint8
	SecondOptionCount uint8
	ServiceID         someip.ServiceID
	InstanceID        someip.InstanceID
	MajorVersion      uint8
	// TTL is 24 bits on the wire and only the low 24 bits are sent, so
	// 0x01000000 goes out as 0 and reads as a withdrawal. Use TTLInfinite
	// for an entry that never expires.
	TTL uint32
}

func (h *EntryHeader) serialize(s *serializer.Serializer) error {
	serializer.WriteEnum(s, h.Type)
	s.WriteUint8(h.FirstOptionIndex)
	s.WriteUint8(h.SecondOptionIndex)
	if err := s.WriteNibbles(h.FirstOptionCount, h.SecondOptionCount); err != nil {
		return errors.Wrap(err, "option counts")
	}
	s.WriteUint16(uint16(h.ServiceID))
	s.WriteUint16(uint16(h.InstanceID))
	s.WriteUint8(h.MajorVersion)
	return s.WriteTruncated(uint64(h.TTL), ttlBytes)
}

// deserialize reads everything after the type tag up to the TTL.
func (h *EntryHeader) deserialize(d *serializer.Deserializer) (err error) {
	if h.FirstOptionIndex, err = d.ReadUint8(); err != nil {
		return err
	}
	if h.SecondOptionIndex, err = d.ReadUint8(); err != nil {
		return err
	}
	if h.FirstOptionCount, h.SecondOptionCount, err = d.ReadNibbles(); err != nil {
		return err
	}
	sid, err := d.ReadUint16()
	if err != nil {
		return err
	}
	iid, err := d.ReadUint16()
	if err != nil {
		return err
	}
	h.ServiceID, h.InstanceID = someip.ServiceID(sid), someip.InstanceID(iid)
	if h.MajorVersion, err = d.ReadUint8(); err != nil {
		return err
	}
	ttl, err := d.ReadTruncated(ttlBytes)
	if err != nil {
		return err
	}
	h.TTL = uint32(ttl)
	return nil
}

// ServiceEntry announces or looks for a service instance.
type ServiceEntry struct {
	EntryHeader
	MinorVersion uint32
}

// Header returns the shared entry fields.
func (e *ServiceEntry) Header() *EntryHeader { return &e.EntryHeader }

// Accept implements Entry.
func (e *ServiceEntry) Accept(v EntryVisitor) error { return v.VisitServiceEntry(e) }

func (e *ServiceEntry) serialize(s *serializer.Serializer) error {
	if e.Type != FindService && e.Type != OfferService {
		return errors.Wrapf(ErrEntryTypeMismatch, "%s in service entry", e.Type)
	}
	if err := e.EntryHeader.serialize(s); err != nil {
		return err
	}
	s.WriteUint32(e.MinorVersion)
	return nil
}

func deserializeServiceEntry(t EntryType, d *serializer.Deserializer) (*ServiceEntry, error) {
	e := &ServiceEntry{EntryHeader: EntryHeader{Type: t}}
	if err := e.EntryHeader.deserialize(d); err != nil {
		return nil, err
	}
	v, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	e.MinorVersion = v
	return e, nil
}

// EventGroupEntry subscribes to or acknowledges an event group.
type EventGroupEntry struct {
	EntryHeader
	Reserved     uint16
	EventGroupID uint16
}

// Header returns the shared entry fields.
func (e *EventGroupEntry) Header() *EntryHeader { return &e.EntryHeader }

// Accept implements Entry.
func (e *EventGroupEntry) Accept(v EntryVisitor) error { return v.VisitEventGroupEntry(e) }

func (e *EventGroupEntry) serialize(s *serializer.Serializer) error {
	if e.Type != Subscribe && e.Type != SubscribeAck {
		return errors.Wrapf(ErrEntryTypeMismatch, "%s in event group entry", e.Type)
	}
	if err := e.EntryHeader.serialize(s); err != nil {
		return err
	}
	s.WriteUint16(e.Reserved)
	s.WriteUint16(e.EventGroupID)
	return nil
}

func deserializeEventGroupEntry(t EntryType, d *serializer.Deserializer) (*EventGroupEntry, error) {
	e := &EventGroupEntry{EntryHeader: EntryHeader{Type: t}}
	if err := e.EntryHeader.deserialize(d); err != nil {
		return nil, err
	}
	var err error
	if e.Reserved, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if e.EventGroupID, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	return e, nil
}

// deserializeEntry reads one entry. An unknown type tag is fatal since
// entries carry no length of their own.
func deserializeEntry(d *serializer.Deserializer) (Entry, error) {
	t, err := serializer.ReadEnum[EntryType](d)
	if err != nil {
		return nil, err
	}
	if d.Remaining() < entrySize-1 {
		return nil, errors.Wrapf(ErrLengthMismatch, "%s entry needs %d bytes, run has %d left", t, entrySize-1, d.Remaining())
	}
	switch t {
	case FindService, OfferService:
		return deserializeServiceEntry(t, d)
	case Subscribe, SubscribeAck:
		return deserializeEventGroupEntry(t, d)
	default:
		return nil, errors.Wrapf(ErrUnknownEntryType, "type 0x%02x", uint8(t))
	}
}
