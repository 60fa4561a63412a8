package sd

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/eshenhu/someip/someip"
)

// ErrNotOffered is returned when withdrawing a service that was never offered.
var ErrNotOffered = errors.New("sd: service not offered")

// ServiceKey identifies a service instance.
type ServiceKey struct {
	ServiceID  someip.ServiceID
	InstanceID someip.InstanceID
}

// RemoteService is a service instance offered by another node.
type RemoteService struct {
	ServiceKey
	MajorVersion uint8
	MinorVersion uint32
	Endpoint     IPv4Option
	Source       net.Addr
}

// LocalService is a service instance this node offers.
type LocalService struct {
	ServiceKey
	Protocol TransportProtocol
	IP       net.IP
	Port     uint16
}

// AvailabilityListener is told when remote instances of a watched service
// come and go.
type AvailabilityListener interface {
	OnServiceAvailable(s RemoteService)
	OnServiceUnavailable(key ServiceKey)
}

// Sender puts SD messages on the wire.
type Sender interface {
	SendMulticast(m *Message) error
	SendUnicast(m *Message, to net.Addr) error
}

type eventGroupKey struct {
	ServiceKey
	EventGroupID uint16
}

// Registry tracks remote services learned from offers, answers FindService
// requests for local services and keeps the subscribers of local event
// groups. It implements Listener.
type Registry struct {
	sync.Mutex
	sessions *Sessions
	sender   Sender
	log      someip.Logger

	remote      map[ServiceKey]RemoteService
	local       map[ServiceKey]LocalService
	watchers    map[someip.ServiceID][]AvailabilityListener
	subscribers map[eventGroupKey]map[string]IPv4Option
}

// NewRegistry creates an empty registry sending through sender.
func NewRegistry(sessions *Sessions, sender Sender, log someip.Logger) *Registry {
	return &Registry{
		sessions:    sessions,
		sender:      sender,
		log:         log,
		remote:      make(map[ServiceKey]RemoteService),
		local:       make(map[ServiceKey]LocalService),
		watchers:    make(map[someip.ServiceID][]AvailabilityListener),
		subscribers: make(map[eventGroupKey]map[string]IPv4Option),
	}
}

// Watch registers l for availability changes of serviceID. Instances known
// already are reported right away.
func (r *Registry) Watch(serviceID someip.ServiceID, l AvailabilityListener) {
	r.Lock()
	r.watchers[serviceID] = append(r.watchers[serviceID], l)
	var known []RemoteService
	for k, s := range r.remote {
		if k.ServiceID == serviceID {
			known = append(known, s)
		}
	}
	r.Unlock()

	for _, s := range known {
		l.OnServiceAvailable(s)
	}
}

// Lookup returns the remote instance key if it is currently offered.
func (r *Registry) Lookup(key ServiceKey) (RemoteService, bool) {
	r.Lock()
	defer r.Unlock()
	s, ok := r.remote[key]
	return s, ok
}

// Remote returns all currently offered remote instances of serviceID.
func (r *Registry) Remote(serviceID someip.ServiceID) []RemoteService {
	r.Lock()
	defer r.Unlock()
	var out []RemoteService
	for k, s := range r.remote {
		if k.ServiceID == serviceID {
			out = append(out, s)
		}
	}
	return out
}

// OfferLocal records svc and announces it on the multicast group.
func (r *Registry) OfferLocal(svc LocalService) error {
	m := NewMessage(r.sessions, true)
	e, err := NewOfferedEntry(m, ServiceIDs(svc.ServiceKey), svc.Protocol, svc.IP, svc.Port)
	if err != nil {
		return err
	}
	m.AddEntry(e)

	r.Lock()
	r.local[svc.ServiceKey] = svc
	r.Unlock()

	r.log.Infof("sd: offering service 0x%04x instance %d at %s:%d/%s",
		svc.ServiceID, svc.InstanceID, svc.IP, svc.Port, svc.Protocol)
	return r.sender.SendMulticast(m)
}

// WithdrawLocal forgets the local instance key and announces it with TTL 0.
func (r *Registry) WithdrawLocal(key ServiceKey) error {
	r.Lock()
	svc, ok := r.local[key]
	delete(r.local, key)
	r.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotOffered, "service 0x%04x instance %d", key.ServiceID, key.InstanceID)
	}

	m := NewMessage(r.sessions, true)
	e, err := NewUnregisteredEntry(m, ServiceIDs(key), svc.Protocol, svc.IP, svc.Port)
	if err != nil {
		return err
	}
	m.AddEntry(e)
	r.log.Infof("sd: withdrawing service 0x%04x instance %d", key.ServiceID, key.InstanceID)
	return r.sender.SendMulticast(m)
}

// WithdrawAll withdraws every local service.
func (r *Registry) WithdrawAll() error {
	r.Lock()
	keys := make([]ServiceKey, 0, len(r.local))
	for k := range r.local {
		keys = append(keys, k)
	}
	r.Unlock()

	var err error
	for _, k := range keys {
		err = multierr.Append(err, r.WithdrawLocal(k))
	}
	return err
}

// Find asks the network for instances of serviceID.
func (r *Registry) Find(serviceID someip.ServiceID) error {
	m := NewMessage(r.sessions, true)
	m.AddEntry(NewQueryEntry(serviceID))
	return r.sender.SendMulticast(m)
}

// Subscribers returns the endpoints subscribed to an event group of a local
// service.
func (r *Registry) Subscribers(key ServiceKey, eventGroupID uint16) []IPv4Option {
	r.Lock()
	defer r.Unlock()
	subs := r.subscribers[eventGroupKey{ServiceKey: key, EventGroupID: eventGroupID}]
	out := make([]IPv4Option, 0, len(subs))
	for _, o := range subs {
		out = append(out, o)
	}
	return out
}

func (r *Registry) watchersOf(id someip.ServiceID) []AvailabilityListener {
	return append([]AvailabilityListener(nil), r.watchers[id]...)
}

// OnRemoteServiceAvailable implements Listener.
func (r *Registry) OnRemoteServiceAvailable(e *ServiceEntry, addr *IPv4Option, m *Message) {
	if addr == nil {
		r.log.Warnf("sd: offer of service 0x%04x without ipv4 endpoint ignored", e.ServiceID)
		return
	}
	key := ServiceKey{ServiceID: e.ServiceID, InstanceID: e.InstanceID}
	svc := RemoteService{
		ServiceKey:   key,
		MajorVersion: e.MajorVersion,
		MinorVersion: e.MinorVersion,
		Endpoint:     *addr,
		Source:       m.Source,
	}

	r.Lock()
	old, known := r.remote[key]
	r.remote[key] = svc
	ws := r.watchersOf(key.ServiceID)
	r.Unlock()

	if known && old.Endpoint == svc.Endpoint {
		return
	}
	r.log.Debugf("sd: service 0x%04x instance %d available at %s", key.ServiceID, key.InstanceID, addr)
	for _, w := range ws {
		w.OnServiceAvailable(svc)
	}
}

// OnRemoteServiceUnavailable implements Listener.
func (r *Registry) OnRemoteServiceUnavailable(e *ServiceEntry, _ *IPv4Option, _ *Message) {
	key := ServiceKey{ServiceID: e.ServiceID, InstanceID: e.InstanceID}

	r.Lock()
	_, known := r.remote[key]
	delete(r.remote, key)
	ws := r.watchersOf(key.ServiceID)
	r.Unlock()

	if !known {
		return
	}
	r.log.Debugf("sd: service 0x%04x instance %d gone", key.ServiceID, key.InstanceID)
	for _, w := range ws {
		w.OnServiceUnavailable(key)
	}
}

// OnFindServiceRequested implements Listener. Matching local services are
// offered back to the requester by unicast.
func (r *Registry) OnFindServiceRequested(e *ServiceEntry, m *Message) {
	r.Lock()
	var match []LocalService
	for k, svc := range r.local {
		if k.ServiceID == e.ServiceID && (e.InstanceID == AnyInstance || e.InstanceID == k.InstanceID) {
			match = append(match, svc)
		}
	}
	r.Unlock()
	if len(match) == 0 {
		return
	}

	reply := NewMessage(r.sessions, m.Source == nil)
	for _, svc := range match {
		entry, err := NewOfferedEntry(reply, ServiceIDs(svc.ServiceKey), svc.Protocol, svc.IP, svc.Port)
		if err != nil {
			r.log.Errorf("sd: offer for find of 0x%04x: %v", e.ServiceID, err)
			return
		}
		reply.AddEntry(entry)
	}

	var err error
	if m.Source == nil {
		err = r.sender.SendMulticast(reply)
	} else {
		err = r.sender.SendUnicast(reply, m.Source)
	}
	if err != nil {
		r.log.Errorf("sd: answering find of 0x%04x: %v", e.ServiceID, err)
	}
}

// OnRemoteClientSubscription implements Listener.
func (r *Registry) OnRemoteClientSubscription(e *EventGroupEntry, addr *IPv4Option) {
	if addr == nil {
		r.log.Debugf("sd: subscription to 0x%04x/%d without endpoint ignored", e.ServiceID, e.EventGroupID)
		return
	}
	k := eventGroupKey{ServiceKey: ServiceKey{ServiceID: e.ServiceID, InstanceID: e.InstanceID}, EventGroupID: e.EventGroupID}

	r.Lock()
	defer r.Unlock()
	subs, ok := r.subscribers[k]
	if !ok {
		subs = make(map[string]IPv4Option)
		r.subscribers[k] = subs
	}
	subs[addr.String()] = *addr
}

// OnRemoteClientSubscriptionFinished implements Listener.
func (r *Registry) OnRemoteClientSubscriptionFinished(e *EventGroupEntry, addr *IPv4Option) {
	k := eventGroupKey{ServiceKey: ServiceKey{ServiceID: e.ServiceID, InstanceID: e.InstanceID}, EventGroupID: e.EventGroupID}

	r.Lock()
	defer r.Unlock()
	if addr == nil {
		delete(r.subscribers, k)
		return
	}
	delete(r.subscribers[k], addr.String())
}
