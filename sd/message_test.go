package sd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/someip/someip"
)

type event struct {
	kind string
	sid  someip.ServiceID
	addr string
}

type recorder struct {
	events []event
	acks   int
}

func (r *recorder) add(kind string, h *EntryHeader, addr *IPv4Option) {
	ev := event{kind: kind, sid: h.ServiceID}
	if addr != nil {
		ev.addr = addr.String()
	}
	r.events = append(r.events, ev)
}

func (r *recorder) OnRemoteServiceAvailable(e *ServiceEntry, addr *IPv4Option, _ *Message) {
	r.add("available", e.Header(), addr)
}

func (r *recorder) OnRemoteServiceUnavailable(e *ServiceEntry, addr *IPv4Option, _ *Message) {
	r.add("unavailable", e.Header(), addr)
}

func (r *recorder) OnFindServiceRequested(e *ServiceEntry, _ *Message) {
	r.add("find", e.Header(), nil)
}

func (r *recorder) OnRemoteClientSubscription(e *EventGroupEntry, addr *IPv4Option) {
	r.add("subscribe", e.Header(), addr)
}

func (r *recorder) OnRemoteClientSubscriptionFinished(e *EventGroupEntry, addr *IPv4Option) {
	r.add("unsubscribe", e.Header(), addr)
}

type ackRecorder struct {
	recorder
}

func (r *ackRecorder) OnSubscriptionAcknowledged(*EventGroupEntry, *IPv4Option, *Message) {
	r.acks++
}

var testService = ServiceIDs{ServiceID: 0x1234, InstanceID: 1}

func offerMessage(t *testing.T, sessions *Sessions, ttl uint32) *Message {
	m := NewMessage(sessions, true)
	e, err := NewOfferedEntry(m, testService, UDP, net.ParseIP("10.0.0.5"), 30509)
	require.NoError(t, err)
	e.TTL = ttl
	m.AddEntry(e)
	return m
}

func TestOfferWireFormat(t *testing.T) {
	m := offerMessage(t, NewSessions(), TTLInfinite)
	b, err := m.Encode()
	require.NoError(t, err)

	assert.Equal(t, []byte{
		// SOME/IP header
		0xFF, 0xFF, 0x81, 0x00,
		0x00, 0x00, 0x00, 0x30,
		0x00, 0x00, 0x00, 0x01,
		0x01, 0x01, 0x02, 0x00,
		// flags, reserved
		0x80, 0x00, 0x00, 0x00,
		// entries
		0x00, 0x00, 0x00, 0x10,
		0x01, 0x00, 0x00, 0x10,
		0x12, 0x34, 0x00, 0x01,
		0x01, 0xFF, 0xFF, 0xFF,
		0x00, 0x00, 0x00, 0x01,
		// options
		0x00, 0x00, 0x00, 0x0C,
		0x00, 0x09, 0x04, 0x00,
		0x0A, 0x00, 0x00, 0x05,
		0x00, 0x11, 0x77, 0x2D,
	}, b)
}

func TestOfferRoundTrip(t *testing.T) {
	rec := &recorder{}
	dec := NewDecoder(rec, someip.NewNopLogger())

	b, err := offerMessage(t, NewSessions(), TTLInfinite).Encode()
	require.NoError(t, err)
	m, err := dec.DecodeMessage(b)
	require.NoError(t, err)

	assert.True(t, m.Flags.Reboot)
	assert.False(t, m.Flags.Unicast)
	require.Len(t, m.Entries(), 1)
	e, ok := m.Entries()[0].(*ServiceEntry)
	require.True(t, ok)
	assert.Equal(t, OfferService, e.Type)
	assert.Equal(t, someip.InstanceID(1), e.InstanceID)
	assert.Equal(t, uint8(1), e.FirstOptionCount)

	assert.Equal(t, []event{{kind: "available", sid: 0x1234, addr: "10.0.0.5:30509/udp"}}, rec.events)
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage(NewSessions(), false)
	m.Reserved = [3]byte{0x01, 0x02, 0x03}
	ip, err := NewIPv4Option(TCP, net.ParseIP("192.168.7.9"), 40000)
	require.NoError(t, err)
	ip.Reserved = 0x5A
	_, err = m.AddOption(ip)
	require.NoError(t, err)
	_, err = m.AddOption(&UnknownOption{OptionType: 0x21, Body: []byte{0xDE, 0xAD}})
	require.NoError(t, err)

	svc := &ServiceEntry{
		EntryHeader: EntryHeader{
			Type:              OfferService,
			FirstOptionIndex:  0,
			SecondOptionIndex: 1,
			FirstOptionCount:  1,
			SecondOptionCount: 1,
			ServiceID:         0x4321,
			InstanceID:        7,
			MajorVersion:      3,
			TTL:               300,
		},
		MinorVersion: 0x00010203,
	}
	eg := &EventGroupEntry{
		EntryHeader: EntryHeader{
			Type:              Subscribe,
			FirstOptionIndex:  0,
			SecondOptionIndex: 1,
			FirstOptionCount:  1,
			SecondOptionCount: 1,
			ServiceID:         0x4321,
			InstanceID:        7,
			MajorVersion:      3,
			TTL:               0x00ABCDEF,
		},
		Reserved:     0x0F0F,
		EventGroupID: 0x0042,
	}
	m.AddEntry(svc)
	m.AddEntry(eg)

	b, err := m.Encode()
	require.NoError(t, err)
	got, err := Decode(b, someip.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, m.Header, got.Header)
	assert.Equal(t, m.Flags, got.Flags)
	assert.Equal(t, m.Reserved, got.Reserved)
	require.Len(t, got.Entries(), 2)
	assert.Equal(t, svc, got.Entries()[0])
	assert.Equal(t, eg, got.Entries()[1])
	assert.Equal(t, m.Options(), got.Options())
	assert.Equal(t, m, got)
}

func TestTTLKeepsLow24Bits(t *testing.T) {
	tests := []struct {
		name string
		ttl  uint32
		kind string
		want uint32
	}{
		{"all ones", 0xFFFFFFFF, "available", TTLInfinite},
		{"infinite", TTLInfinite, "available", TTLInfinite},
		{"short", 0x00000003, "available", 3},
		{"high byte only", 0x01000000, "unavailable", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := offerMessage(t, NewSessions(), tt.ttl).Encode()
			require.NoError(t, err)

			rec := &recorder{}
			got, err := NewDecoder(rec, nil).DecodeMessage(b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Entries()[0].Header().TTL)
			assert.Equal(t, []event{{kind: tt.kind, sid: 0x1234, addr: "10.0.0.5:30509/udp"}}, rec.events)
		})
	}
}

func TestOfferWithZeroTTLIsUnavailable(t *testing.T) {
	rec := &recorder{}
	dec := NewDecoder(rec, nil)

	b, err := offerMessage(t, NewSessions(), 0).Encode()
	require.NoError(t, err)
	_, err = dec.DecodeMessage(b)
	require.NoError(t, err)

	assert.Equal(t, []event{{kind: "unavailable", sid: 0x1234, addr: "10.0.0.5:30509/udp"}}, rec.events)
}

func TestUnregisteredEntry(t *testing.T) {
	m := NewMessage(NewSessions(), true)
	e, err := NewUnregisteredEntry(m, testService, TCP, net.ParseIP("192.168.1.2"), 30509)
	require.NoError(t, err)
	m.AddEntry(e)

	rec := &recorder{}
	require.NoError(t, NewDecoder(rec, nil).Dispatch(m))
	assert.Equal(t, []event{{kind: "unavailable", sid: 0x1234, addr: "192.168.1.2:30509/tcp"}}, rec.events)
}

func TestDispatchOrderAndKinds(t *testing.T) {
	m := NewMessage(NewSessions(), false)
	m.AddEntry(NewQueryEntry(0x0001))
	offer, err := NewOfferedEntry(m, ServiceIDs{ServiceID: 0x0002, InstanceID: 1}, UDP, net.ParseIP("10.0.0.1"), 1000)
	require.NoError(t, err)
	m.AddEntry(offer)
	m.AddEntry(NewSubscribeEntry(ServiceIDs{ServiceID: 0x0003, InstanceID: 1}, 7))
	m.AddEntry(NewStopSubscribeEntry(ServiceIDs{ServiceID: 0x0004, InstanceID: 1}, 7))

	b, err := m.Encode()
	require.NoError(t, err)

	rec := &recorder{}
	got, err := NewDecoder(rec, nil).DecodeMessage(b)
	require.NoError(t, err)
	assert.True(t, got.Flags.Unicast)
	assert.Equal(t, []event{
		{kind: "find", sid: 0x0001},
		{kind: "available", sid: 0x0002, addr: "10.0.0.1:1000/udp"},
		{kind: "subscribe", sid: 0x0003},
		{kind: "unsubscribe", sid: 0x0004},
	}, rec.events)
}

func TestSubscriptionWithEndpoint(t *testing.T) {
	m := NewMessage(NewSessions(), false)
	o, err := NewIPv4Option(UDP, net.ParseIP("10.1.1.1"), 4000)
	require.NoError(t, err)
	idx, err := m.AddOption(o)
	require.NoError(t, err)
	sub := NewSubscribeEntry(testService, 1)
	sub.FirstOptionIndex, sub.FirstOptionCount = idx, 1
	m.AddEntry(sub)

	rec := &recorder{}
	require.NoError(t, NewDecoder(rec, nil).Dispatch(m))
	assert.Equal(t, []event{{kind: "subscribe", sid: 0x1234, addr: "10.1.1.1:4000/udp"}}, rec.events)
}

func TestSubscribeAck(t *testing.T) {
	m := NewMessage(NewSessions(), false)
	m.AddEntry(NewSubscribeAckEntry(NewSubscribeEntry(testService, 1)))

	plain := &recorder{}
	require.NoError(t, NewDecoder(plain, someip.NewNopLogger()).Dispatch(m))
	assert.Empty(t, plain.events)

	withAck := &ackRecorder{}
	require.NoError(t, NewDecoder(withAck, nil).Dispatch(m))
	assert.Equal(t, 1, withAck.acks)
}

func TestOptionIndexOutOfRange(t *testing.T) {
	m := NewMessage(NewSessions(), true)
	m.AddEntry(NewQueryEntry(0x0001))
	m.AddEntry(&ServiceEntry{EntryHeader: EntryHeader{
		Type:             OfferService,
		FirstOptionIndex: 3,
		FirstOptionCount: 1,
		ServiceID:        0x0002,
		TTL:              10,
	}})
	b, err := m.Encode()
	require.NoError(t, err)

	rec := &recorder{}
	_, err = NewDecoder(rec, nil).DecodeMessage(b)
	assert.ErrorIs(t, err, ErrOptionIndexOutOfRange)
	assert.Empty(t, rec.events, "no callback may run for a message that fails")
}

func TestUnknownOptionKeepsIndices(t *testing.T) {
	m := NewMessage(NewSessions(), true)
	_, err := m.AddOption(&UnknownOption{OptionType: 0x77, Body: []byte{1, 2, 3}})
	require.NoError(t, err)
	offer, err := NewOfferedEntry(m, testService, TCP, net.ParseIP("10.0.0.9"), 80)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), offer.FirstOptionIndex)
	m.AddEntry(offer)

	// An offer pointing at the unknown option still dispatches, without an
	// address.
	m.AddEntry(&ServiceEntry{EntryHeader: EntryHeader{
		Type:      OfferService,
		ServiceID: 0x9999,
		TTL:       5,
	}})

	b, err := m.Encode()
	require.NoError(t, err)

	rec := &recorder{}
	got, err := NewDecoder(rec, someip.NewNopLogger()).DecodeMessage(b)
	require.NoError(t, err)
	require.Len(t, got.Options(), 2)
	unknown, ok := got.Options()[0].(*UnknownOption)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, unknown.Body)
	assert.Equal(t, []event{
		{kind: "available", sid: 0x1234, addr: "10.0.0.9:80/tcp"},
		{kind: "available", sid: 0x9999},
	}, rec.events)
}

func TestDecodeErrors(t *testing.T) {
	good, err := offerMessage(t, NewSessions(), TTLInfinite).Encode()
	require.NoError(t, err)

	t.Run("not sd", func(t *testing.T) {
		b := append([]byte(nil), good...)
		b[3] = 0x01
		_, err := Decode(b, nil)
		assert.ErrorIs(t, err, ErrNotServiceDiscovery)
	})

	t.Run("header length", func(t *testing.T) {
		_, err := Decode(good[:len(good)-1], nil)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("entries run too long", func(t *testing.T) {
		b := append([]byte(nil), good...)
		b[23] = 0xF0
		_, err := Decode(b, nil)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("entries run truncates entry", func(t *testing.T) {
		// Entries run of 8 bytes followed by a bogus options run.
		h := someip.NewHeader()
		h.MessageID = ServiceDiscoveryMessageID
		payload := []byte{
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x08,
			0x01, 0, 0, 0, 0, 0, 0, 0,
			0x00, 0x00, 0x00, 0x00,
		}
		_, err := DecodePayload(h, payload, nil)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("unknown entry type", func(t *testing.T) {
		b := append([]byte(nil), good...)
		b[24] = 0x42
		_, err := Decode(b, nil)
		assert.ErrorIs(t, err, ErrUnknownEntryType)
	})

	t.Run("ipv4 option length", func(t *testing.T) {
		h := someip.NewHeader()
		payload := []byte{
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x05,
			0x00, 0x02, 0x04, 0x00, 0x01,
		}
		_, err := DecodePayload(h, payload, nil)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})
}

func TestEntryTypeMismatch(t *testing.T) {
	m := NewMessage(NewSessions(), true)
	m.AddEntry(&ServiceEntry{EntryHeader: EntryHeader{Type: Subscribe}})
	_, err := m.Encode()
	assert.ErrorIs(t, err, ErrEntryTypeMismatch)
}

func TestNibbleOverflow(t *testing.T) {
	m := NewMessage(NewSessions(), true)
	e := NewQueryEntry(1)
	e.FirstOptionCount = 16
	m.AddEntry(e)
	_, err := m.Encode()
	assert.Error(t, err)
}

func TestTooManyOptions(t *testing.T) {
	m := NewMessage(NewSessions(), true)
	for i := 0; i < maxOptions; i++ {
		_, err := m.AddOption(&UnknownOption{OptionType: 0x20})
		require.NoError(t, err)
	}
	_, err := m.AddOption(&UnknownOption{OptionType: 0x20})
	assert.ErrorIs(t, err, ErrTooManyOptions)
}

func TestNewIPv4OptionRejectsIPv6(t *testing.T) {
	_, err := NewIPv4Option(UDP, net.ParseIP("::1"), 1)
	assert.ErrorIs(t, err, ErrNotIPv4)
}
