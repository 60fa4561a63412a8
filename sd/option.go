package sd

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/eshenhu/someip/serializer"
)

// OptionType is the type tag of a configuration option.
type OptionType uint8

// Option types
const (
	IPv4OptionType OptionType = 0x04
)

// TransportProtocol is the L4 protocol announced in an endpoint option.
type TransportProtocol uint8

// Transport protocols, IANA numbers
const (
	TCP TransportProtocol = 0x06
	UDP TransportProtocol = 0x11
)

func (p TransportProtocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(0x%02x)", uint8(p))
	}
}

// option framing: the 16 bit length counts everything after the type tag
const (
	optionLengthSize = 2
	optionTypeSize   = 1
	ipv4OptionLength = 9
)

// Option is either an *IPv4Option or an *UnknownOption.
type Option interface {
	// Type returns the option type tag.
	Type() OptionType
	// Accept calls the visitor method of the concrete option.
	Accept(v OptionVisitor) error

	serializeBody(s *serializer.Serializer) error
}

// OptionVisitor has one method per option variant.
type OptionVisitor interface {
	VisitIPv4Option(o *IPv4Option) error
	VisitUnknownOption(o *UnknownOption) error
}

// IPv4Option carries a transport endpoint.
type IPv4Option struct {
	Address  [4]byte
	Reserved uint8
	Protocol TransportProtocol
	Port     uint16
}

// NewIPv4Option builds an endpoint option. ip must be an IPv4 address.
func NewIPv4Option(protocol TransportProtocol, ip net.IP, port uint16) (*IPv4Option, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, errors.Wrapf(ErrNotIPv4, "%v", ip)
	}
	o := &IPv4Option{Protocol: protocol, Port: port}
	copy(o.Address[:], v4)
	return o, nil
}

// Type implements Option.
func (o *IPv4Option) Type() OptionType { return IPv4OptionType }

// Accept implements Option.
func (o *IPv4Option) Accept(v OptionVisitor) error { return v.VisitIPv4Option(o) }

// IP returns the address as net.IP.
func (o *IPv4Option) IP() net.IP {
	return net.IPv4(o.Address[0], o.Address[1], o.Address[2], o.Address[3])
}

// Addr returns the endpoint as host:port.
func (o *IPv4Option) Addr() string {
	return net.JoinHostPort(o.IP().String(), fmt.Sprint(o.Port))
}

func (o *IPv4Option) String() string {
	return fmt.Sprintf("%s/%s", o.Addr(), o.Protocol)
}

func (o *IPv4Option) serializeBody(s *serializer.Serializer) error {
	s.WriteBytes(o.Address[:])
	s.WriteUint8(o.Reserved)
	serializer.WriteEnum(s, o.Protocol)
	s.WriteUint16(o.Port)
	return nil
}

func deserializeIPv4Option(d *serializer.Deserializer) (*IPv4Option, error) {
	o := &IPv4Option{}
	a, err := d.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	copy(o.Address[:], a)
	if o.Reserved, err = d.ReadUint8(); err != nil {
		return nil, err
	}
	if o.Protocol, err = serializer.ReadEnum[TransportProtocol](d); err != nil {
		return nil, err
	}
	if o.Port, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	return o, nil
}

// UnknownOption keeps the body of an option type we do not understand, so
// the indices of the options after it stay valid.
type UnknownOption struct {
	OptionType OptionType
	Body       []byte
}

// Type implements Option.
func (o *UnknownOption) Type() OptionType { return o.OptionType }

// Accept implements Option.
func (o *UnknownOption) Accept(v OptionVisitor) error { return v.VisitUnknownOption(o) }

func (o *UnknownOption) serializeBody(s *serializer.Serializer) error {
	s.WriteBytes(o.Body)
	return nil
}

// serializeOption writes length, type tag, one reserved byte and the body.
func serializeOption(s *serializer.Serializer, o Option) error {
	return s.WriteLengthDelimited(optionLengthSize, optionTypeSize, func() error {
		serializer.WriteEnum(s, o.Type())
		s.WriteUint8(0)
		return o.serializeBody(s)
	})
}

// deserializeOption reads one option. known is false for a type we skipped.
func deserializeOption(d *serializer.Deserializer) (o Option, known bool, err error) {
	length, err := d.ReadUint16()
	if err != nil {
		return nil, false, err
	}
	t, err := serializer.ReadEnum[OptionType](d)
	if err != nil {
		return nil, false, err
	}
	body, err := d.Sub(int(length))
	if err != nil {
		return nil, false, errors.Wrapf(ErrLengthMismatch, "option %d declares %d bytes, run has %d left", t, length, d.Remaining())
	}
	if err := body.Skip(1); err != nil {
		return nil, false, errors.Wrapf(ErrLengthMismatch, "option %d has no reserved byte", t)
	}

	switch t {
	case IPv4OptionType:
		if length != ipv4OptionLength {
			return nil, false, errors.Wrapf(ErrLengthMismatch, "ipv4 option length %d", length)
		}
		o, err := deserializeIPv4Option(body)
		return o, true, err
	default:
		rest, _ := body.ReadBytes(body.Remaining())
		return &UnknownOption{OptionType: t, Body: append([]byte(nil), rest...)}, false, nil
	}
}
