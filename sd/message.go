package sd

import (
	"net"

	"github.com/pkg/errors"

	"github.com/eshenhu/someip/serializer"
	"github.com/eshenhu/someip/someip"
)

// Errors
var (
	ErrUnknownEntryType      = errors.New("sd: unknown entry type")
	ErrEntryTypeMismatch     = errors.New("sd: entry type does not match entry variant")
	ErrLengthMismatch        = errors.New("sd: length mismatch")
	ErrOptionIndexOutOfRange = errors.New("sd: option index out of range")
	ErrTooManyOptions        = errors.New("sd: too many options")
	ErrNotServiceDiscovery   = errors.New("sd: not a service discovery message")
	ErrNotIPv4               = errors.New("sd: not an IPv4 address")
)

const (
	// ServiceDiscoveryMessageID is the message id of every SD message.
	ServiceDiscoveryMessageID someip.MessageID = 0xFFFF8100

	// DefaultPort is the UDP port SD listens on.
	DefaultPort = 10102
	// DefaultMulticastGroup is the group SD messages are broadcast to.
	DefaultMulticastGroup = "226.1.1.1"

	maxOptions = 0x100
)

// Flags of the SD header.
//
//	bit : 7       6        5..0
//	    : reboot  unicast  reserved
type Flags struct {
	Reboot  bool
	Unicast bool
}

const (
	flagReboot  uint8 = 0x80
	flagUnicast uint8 = 0x40
)

func (f Flags) byte() uint8 {
	var b uint8
	if f.Reboot {
		b |= flagReboot
	}
	if f.Unicast {
		b |= flagUnicast
	}
	return b
}

func flagsFromByte(b uint8) Flags {
	return Flags{Reboot: b&flagReboot != 0, Unicast: b&flagUnicast != 0}
}

// Message is a service discovery message: a SOME/IP header, flags, and the
// entries and options runs. Entries refer to options by their index in the
// options run.
type Message struct {
	Header someip.Header
	Flags  Flags
	// Reserved holds the three bytes following the flags.
	Reserved [3]byte

	// Source is the sender of a received message. It is not on the wire.
	Source net.Addr

	entries []Entry
	options []Option
}

// NewMessage creates an empty outgoing message and assigns it the next
// session id of the unicast or multicast direction.
func NewMessage(sessions *Sessions, multicast bool) *Message {
	m := newMessage()
	m.Flags.Unicast = !multicast
	sessions.Assign(m)
	return m
}

func newMessage() *Message {
	h := someip.NewHeader()
	h.MessageID = ServiceDiscoveryMessageID
	h.InterfaceVersion = 0x01
	h.MessageType = someip.MsgTypeNotification
	return &Message{Header: h}
}

// AddEntry appends e and returns its index.
func (m *Message) AddEntry(e Entry) int {
	m.entries = append(m.entries, e)
	return len(m.entries) - 1
}

// AddOption appends o and returns the index entries use to refer to it.
func (m *Message) AddOption(o Option) (uint8, error) {
	if len(m.options) >= maxOptions {
		return 0, errors.Wrapf(ErrTooManyOptions, "%d options", len(m.options))
	}
	m.options = append(m.options, o)
	return uint8(len(m.options) - 1), nil
}

// Entries returns the entries in wire order.
func (m *Message) Entries() []Entry { return m.entries }

// Options returns the options in wire order.
func (m *Message) Options() []Option { return m.options }

// Option returns the option at index i.
func (m *Message) Option(i uint8) (Option, error) {
	if int(i) >= len(m.options) {
		return nil, errors.Wrapf(ErrOptionIndexOutOfRange, "index %d of %d options", i, len(m.options))
	}
	return m.options[i], nil
}

// Serialize writes the whole message, SOME/IP header included.
func (m *Message) Serialize(s *serializer.Serializer) error {
	return m.Header.Serialize(s, func() error {
		return m.serializePayload(s)
	})
}

func (m *Message) serializePayload(s *serializer.Serializer) error {
	s.WriteUint8(m.Flags.byte())
	s.WriteBytes(m.Reserved[:])

	err := s.WriteLengthDelimited(4, 0, func() error {
		for i, e := range m.entries {
			if err := e.serialize(s); err != nil {
				return errors.Wrapf(err, "entry %d", i)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.WriteLengthDelimited(4, 0, func() error {
		for i, o := range m.options {
			if err := serializeOption(s, o); err != nil {
				return errors.Wrapf(err, "option %d", i)
			}
		}
		return nil
	})
}

// Encode returns the message as sent on the wire.
func (m *Message) Encode() ([]byte, error) {
	s := serializer.NewSerializer(make([]byte, 0, 64))
	if err := m.Serialize(s); err != nil {
		return nil, err
	}
	return s.Bytes(), nil
}

// Decode parses a complete SD message, SOME/IP header included. log may be
// nil.
func Decode(b []byte, log someip.Logger) (*Message, error) {
	d := serializer.NewDeserializer(b)
	h, length, err := someip.DeserializeHeader(d)
	if err != nil {
		return nil, err
	}
	if h.MessageID != ServiceDiscoveryMessageID {
		return nil, errors.Wrapf(ErrNotServiceDiscovery, "message id 0x%08x", uint32(h.MessageID))
	}
	if int(length) != len(b)-8 {
		return nil, errors.Wrapf(ErrLengthMismatch, "header length %d for %d bytes", length, len(b))
	}
	return DecodePayload(h, b[someip.HeaderSize:], log)
}

// DecodePayload parses the SD part of a message whose header was already
// read. Any malformed length, short buffer or unknown entry type fails the
// whole message.
func DecodePayload(h someip.Header, payload []byte, log someip.Logger) (*Message, error) {
	d := serializer.NewDeserializer(payload)
	m := &Message{Header: h}

	flags, err := d.ReadUint8()
	if err != nil {
		return nil, errors.Wrap(err, "sd flags")
	}
	m.Flags = flagsFromByte(flags)
	reserved, err := d.ReadBytes(3)
	if err != nil {
		return nil, errors.Wrap(err, "sd flags")
	}
	copy(m.Reserved[:], reserved)

	entries, err := readRun(d, "entries")
	if err != nil {
		return nil, err
	}
	for entries.Remaining() > 0 {
		e, err := deserializeEntry(entries)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", len(m.entries))
		}
		m.entries = append(m.entries, e)
	}

	options, err := readRun(d, "options")
	if err != nil {
		return nil, err
	}
	for options.Remaining() > 0 {
		o, known, err := deserializeOption(options)
		if err != nil {
			return nil, errors.Wrapf(err, "option %d", len(m.options))
		}
		if !known && log != nil {
			log.Warnf("sd: unknown option type 0x%02x at index %d, kept opaque", uint8(o.Type()), len(m.options))
		}
		if _, err := m.AddOption(o); err != nil {
			return nil, err
		}
	}

	if d.Remaining() != 0 {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d trailing bytes", d.Remaining())
	}
	return m, nil
}

func readRun(d *serializer.Deserializer, name string) (*serializer.Deserializer, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, errors.Wrapf(err, "%s length", name)
	}
	if int64(n) > int64(d.Remaining()) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%s run declares %d bytes, %d left", name, n, d.Remaining())
	}
	return d.Sub(int(n))
}
