package sd

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/someip/someip"
)

type sent struct {
	msg *Message
	to  net.Addr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) SendMulticast(m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{msg: m})
	return nil
}

func (f *fakeSender) SendUnicast(m *Message, to net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{msg: m, to: to})
	return nil
}

type watcher struct {
	up   []RemoteService
	down []ServiceKey
}

func (w *watcher) OnServiceAvailable(s RemoteService) { w.up = append(w.up, s) }
func (w *watcher) OnServiceUnavailable(k ServiceKey) { w.down = append(w.down, k) }

var local = LocalService{
	ServiceKey: ServiceKey{ServiceID: 0x1234, InstanceID: 1},
	Protocol:   TCP,
	IP:         net.ParseIP("10.0.0.5"),
	Port:       30509,
}

func newTestRegistry() (*Registry, *fakeSender) {
	f := &fakeSender{}
	return NewRegistry(NewSessions(), f, someip.NewNopLogger()), f
}

func TestRegistryTracksRemoteServices(t *testing.T) {
	r, _ := newTestRegistry()
	w := &watcher{}
	r.Watch(0x1234, w)

	sender := &fakeSender{}
	peer := NewRegistry(NewSessions(), sender, someip.NewNopLogger())
	require.NoError(t, peer.OfferLocal(local))
	require.Len(t, sender.sent, 1)

	offer := sender.sent[0].msg
	offer.Source = &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: DefaultPort}
	dec := NewDecoder(r, nil)
	require.NoError(t, dec.Dispatch(offer))
	// A repeated offer for the same endpoint is not news.
	require.NoError(t, dec.Dispatch(offer))

	require.Len(t, w.up, 1)
	assert.Equal(t, "10.0.0.5:30509/tcp", w.up[0].Endpoint.String())
	got, ok := r.Lookup(local.ServiceKey)
	require.True(t, ok)
	assert.Equal(t, offer.Source, got.Source)
	assert.Len(t, r.Remote(0x1234), 1)

	late := &watcher{}
	r.Watch(0x1234, late)
	assert.Len(t, late.up, 1, "known instances are replayed")

	require.NoError(t, peer.WithdrawLocal(local.ServiceKey))
	require.NoError(t, dec.Dispatch(sender.sent[1].msg))
	assert.Equal(t, []ServiceKey{local.ServiceKey}, w.down)
	_, ok = r.Lookup(local.ServiceKey)
	assert.False(t, ok)
}

func TestRegistryAnswersFind(t *testing.T) {
	r, f := newTestRegistry()
	require.NoError(t, r.OfferLocal(local))

	q := NewMessage(NewSessions(), true)
	q.AddEntry(NewQueryEntry(0x1234))
	q.Source = &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: DefaultPort}
	require.NoError(t, NewDecoder(r, nil).Dispatch(q))

	require.Len(t, f.sent, 2)
	answer := f.sent[1]
	assert.Equal(t, q.Source, answer.to)
	assert.True(t, answer.msg.Flags.Unicast)

	w := &recorder{}
	require.NoError(t, NewDecoder(w, nil).Dispatch(answer.msg))
	assert.Equal(t, []event{{kind: "available", sid: 0x1234, addr: "10.0.0.5:30509/tcp"}}, w.events)

	other := NewMessage(NewSessions(), true)
	other.AddEntry(NewQueryEntry(0x4321))
	require.NoError(t, NewDecoder(r, nil).Dispatch(other))
	assert.Len(t, f.sent, 2, "nothing to answer for unknown services")
}

func TestRegistryWithdraw(t *testing.T) {
	r, f := newTestRegistry()
	err := r.WithdrawLocal(local.ServiceKey)
	assert.ErrorIs(t, err, ErrNotOffered)

	require.NoError(t, r.OfferLocal(local))
	second := local
	second.InstanceID = 2
	require.NoError(t, r.OfferLocal(second))
	require.NoError(t, r.WithdrawAll())
	require.Len(t, f.sent, 4)

	for _, s := range f.sent[2:] {
		e := s.msg.Entries()[0].Header()
		assert.Equal(t, OfferService, e.Type)
		assert.Zero(t, e.TTL)
	}
}

func TestRegistrySubscribers(t *testing.T) {
	r, _ := newTestRegistry()
	dec := NewDecoder(r, nil)

	m := NewMessage(NewSessions(), false)
	o, err := NewIPv4Option(UDP, net.ParseIP("10.1.1.1"), 4000)
	require.NoError(t, err)
	idx, err := m.AddOption(o)
	require.NoError(t, err)
	sub := NewSubscribeEntry(ServiceIDs(local.ServiceKey), 5)
	sub.FirstOptionIndex, sub.FirstOptionCount = idx, 1
	m.AddEntry(sub)
	require.NoError(t, dec.Dispatch(m))

	subs := r.Subscribers(local.ServiceKey, 5)
	require.Len(t, subs, 1)
	assert.Equal(t, "10.1.1.1:4000/udp", subs[0].String())

	sub.TTL = 0
	require.NoError(t, dec.Dispatch(m))
	assert.Empty(t, r.Subscribers(local.ServiceKey, 5))
}

func TestEndpointLoopback(t *testing.T) {
	probe, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, probe.Close())

	ep, err := Listen(EndpointConfig{Port: port, Loopback: true}, someip.NewNopLogger())
	if err != nil {
		t.Skipf("no multicast capable interface: %v", err)
	}

	rec := &recorder{}
	done := make(chan struct{})
	dec := NewDecoder(ListenerFuncs{
		Available: func(e *ServiceEntry, addr *IPv4Option, m *Message) {
			rec.add("available", e.Header(), addr)
			close(done)
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ep.Serve(ctx, dec) }()

	assert.Equal(t, port, ep.LocalAddr().(*net.UDPAddr).Port)
	m := offerMessage(t, NewSessions(), TTLInfinite)
	require.NoError(t, ep.SendUnicast(m, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("offer not received")
	}
	assert.Equal(t, []event{{kind: "available", sid: 0x1234, addr: "10.0.0.5:30509/udp"}}, rec.events)

	cancel()
	assert.NoError(t, <-served)
}

func TestEndpointsSharePort(t *testing.T) {
	probe, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, probe.Close())

	cfg := EndpointConfig{Port: port, Loopback: true}
	first, err := Listen(cfg, someip.NewNopLogger())
	if err != nil {
		t.Skipf("no multicast capable interface: %v", err)
	}
	defer first.Close()

	second, err := Listen(cfg, someip.NewNopLogger())
	require.NoError(t, err, "a second participant binds the same SD port")
	defer second.Close()

	assert.Equal(t, port, second.LocalAddr().(*net.UDPAddr).Port)
}
