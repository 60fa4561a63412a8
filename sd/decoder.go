package sd

import (
	"github.com/pkg/errors"

	"github.com/eshenhu/someip/someip"
)

// Listener receives the facts carried by decoded SD messages. Callbacks run
// synchronously on the decoding goroutine. addr is nil when the referenced
// option is not an IPv4 endpoint or, for subscriptions, when no option is
// referenced.
type Listener interface {
	OnRemoteServiceAvailable(e *ServiceEntry, addr *IPv4Option, m *Message)
	OnRemoteServiceUnavailable(e *ServiceEntry, addr *IPv4Option, m *Message)
	OnFindServiceRequested(e *ServiceEntry, m *Message)
	OnRemoteClientSubscription(e *EventGroupEntry, addr *IPv4Option)
	OnRemoteClientSubscriptionFinished(e *EventGroupEntry, addr *IPv4Option)
}

// SubscriptionAckListener is implemented by listeners which want to see
// SubscribeAck entries. They are dropped otherwise.
type SubscriptionAckListener interface {
	OnSubscriptionAcknowledged(e *EventGroupEntry, addr *IPv4Option, m *Message)
}

// ListenerFuncs adapts plain functions to Listener. Nil functions ignore
// their entries.
type ListenerFuncs struct {
	Available         func(e *ServiceEntry, addr *IPv4Option, m *Message)
	Unavailable       func(e *ServiceEntry, addr *IPv4Option, m *Message)
	FindRequested     func(e *ServiceEntry, m *Message)
	Subscription      func(e *EventGroupEntry, addr *IPv4Option)
	SubscriptionEnded func(e *EventGroupEntry, addr *IPv4Option)
}

// OnRemoteServiceAvailable implements Listener.
func (f ListenerFuncs) OnRemoteServiceAvailable(e *ServiceEntry, addr *IPv4Option, m *Message) {
	if f.Available != nil {
		f.Available(e, addr, m)
	}
}

// OnRemoteServiceUnavailable implements Listener.
func (f ListenerFuncs) OnRemoteServiceUnavailable(e *ServiceEntry, addr *IPv4Option, m *Message) {
	if f.Unavailable != nil {
		f.Unavailable(e, addr, m)
	}
}

// OnFindServiceRequested implements Listener.
func (f ListenerFuncs) OnFindServiceRequested(e *ServiceEntry, m *Message) {
	if f.FindRequested != nil {
		f.FindRequested(e, m)
	}
}

// OnRemoteClientSubscription implements Listener.
func (f ListenerFuncs) OnRemoteClientSubscription(e *EventGroupEntry, addr *IPv4Option) {
	if f.Subscription != nil {
		f.Subscription(e, addr)
	}
}

// OnRemoteClientSubscriptionFinished implements Listener.
func (f ListenerFuncs) OnRemoteClientSubscriptionFinished(e *EventGroupEntry, addr *IPv4Option) {
	if f.SubscriptionEnded != nil {
		f.SubscriptionEnded(e, addr)
	}
}

// Decoder decodes SD messages and hands every entry to its listener.
type Decoder struct {
	listener Listener
	log      someip.Logger
}

// NewDecoder creates a decoder dispatching to l.
func NewDecoder(l Listener, log someip.Logger) *Decoder {
	return &Decoder{listener: l, log: log}
}

// DecodeMessage decodes a complete SD message and dispatches it.
func (d *Decoder) DecodeMessage(b []byte) (*Message, error) {
	m, err := Decode(b, d.log)
	if err != nil {
		return nil, err
	}
	return m, d.Dispatch(m)
}

// DecodePayload decodes the SD part of a message whose header was read
// already and dispatches it.
func (d *Decoder) DecodePayload(h someip.Header, payload []byte) (*Message, error) {
	m, err := DecodePayload(h, payload, d.log)
	if err != nil {
		return nil, err
	}
	return m, d.Dispatch(m)
}

// Dispatch resolves the options referenced by every entry of m and then
// invokes one callback per entry. A dangling option index fails the whole
// message before any callback runs.
func (d *Decoder) Dispatch(m *Message) error {
	r := &resolver{msg: m}
	for i, e := range m.Entries() {
		if err := e.Accept(r); err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	for _, c := range r.calls {
		c(d)
	}
	return nil
}

// resolver checks every entry and records the callback to run for it.
type resolver struct {
	msg   *Message
	calls []func(d *Decoder)
}

func (r *resolver) address(idx uint8) (*IPv4Option, error) {
	o, err := r.msg.Option(idx)
	if err != nil {
		return nil, err
	}
	ext := &ipv4Extractor{}
	_ = o.Accept(ext)
	return ext.addr, nil
}

func (r *resolver) VisitServiceEntry(e *ServiceEntry) error {
	m := r.msg
	switch e.Type {
	case OfferService:
		addr, err := r.address(e.FirstOptionIndex)
		if err != nil {
			return err
		}
		if e.TTL != 0 {
			r.calls = append(r.calls, func(d *Decoder) { d.listener.OnRemoteServiceAvailable(e, addr, m) })
		} else {
			r.calls = append(r.calls, func(d *Decoder) { d.listener.OnRemoteServiceUnavailable(e, addr, m) })
		}
	case FindService:
		r.calls = append(r.calls, func(d *Decoder) {
			if d.log != nil {
				d.log.Debugf("sd: find service 0x%04x instance 0x%04x", e.ServiceID, e.InstanceID)
			}
			d.listener.OnFindServiceRequested(e, m)
		})
	default:
		return errors.Wrapf(ErrEntryTypeMismatch, "%s in service entry", e.Type)
	}
	return nil
}

func (r *resolver) VisitEventGroupEntry(e *EventGroupEntry) error {
	m := r.msg
	var addr *IPv4Option
	if e.FirstOptionCount != 0 {
		var err error
		if addr, err = r.address(e.FirstOptionIndex); err != nil {
			return err
		}
	}

	switch e.Type {
	case Subscribe:
		if e.TTL != 0 {
			r.calls = append(r.calls, func(d *Decoder) { d.listener.OnRemoteClientSubscription(e, addr) })
		} else {
			r.calls = append(r.calls, func(d *Decoder) { d.listener.OnRemoteClientSubscriptionFinished(e, addr) })
		}
	case SubscribeAck:
		r.calls = append(r.calls, func(d *Decoder) {
			if l, ok := d.listener.(SubscriptionAckListener); ok {
				l.OnSubscriptionAcknowledged(e, addr, m)
				return
			}
			if d.log != nil {
				d.log.Debugf("sd: subscribe ack for 0x%04x/%d dropped", e.ServiceID, e.EventGroupID)
			}
		})
	default:
		return errors.Wrapf(ErrEntryTypeMismatch, "%s in event group entry", e.Type)
	}
	return nil
}

// ipv4Extractor yields the option when it is an IPv4 endpoint, nil otherwise.
type ipv4Extractor struct {
	addr *IPv4Option
}

func (x *ipv4Extractor) VisitIPv4Option(o *IPv4Option) error {
	x.addr = o
	return nil
}

func (x *ipv4Extractor) VisitUnknownOption(*UnknownOption) error {
	x.addr = nil
	return nil
}
