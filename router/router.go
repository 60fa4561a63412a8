package router

import (
	"net"
	"sync"

	"github.com/eshenhu/someip/someip"
)

// A ResponseWriter is used by a handler to send messages back over the
// connection a message arrived on.
type ResponseWriter interface {
	// LocalAddr returns the net.Addr of our side of the connection.
	LocalAddr() net.Addr
	// RemoteAddr returns the net.Addr of the peer that sent the message.
	RemoteAddr() net.Addr
	// WriteMsg writes a message back to the peer.
	WriteMsg(m *someip.OutputMessage) error
}

// Handler is implemented by local services and remote proxies.
type Handler interface {
	ServeSomeIP(w ResponseWriter, m *someip.InputMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w ResponseWriter, m *someip.InputMessage)

// ServeSomeIP calls f(w, m).
func (f HandlerFunc) ServeSomeIP(w ResponseWriter, m *someip.InputMessage) { f(w, m) }

// ReplyHandler is called at most once with the reply to a request.
type ReplyHandler func(m *someip.InputMessage)

// Router holds the three routing tables of an endpoint: local services and
// remote proxies by service id, and pending replies by request id. Handlers
// are called on the goroutine calling Route, with the router unlocked.
type Router struct {
	sync.Mutex
	services map[someip.ServiceID]Handler
	proxies  map[someip.ServiceID]Handler
	pending  map[someip.RequestID]ReplyHandler
	log      someip.Logger
}

// NewRouter creates a router with empty tables.
func NewRouter(log someip.Logger) *Router {
	return &Router{
		services: make(map[someip.ServiceID]Handler),
		proxies:  make(map[someip.ServiceID]Handler),
		pending:  make(map[someip.RequestID]ReplyHandler),
		log:      log,
	}
}

// RegisterService makes h receive requests for id. A previous registration
// is replaced.
func (r *Router) RegisterService(id someip.ServiceID, h Handler) {
	r.Lock()
	defer r.Unlock()
	r.services[id] = h
}

// UnregisterService removes the local service id.
func (r *Router) UnregisterService(id someip.ServiceID) {
	r.Lock()
	defer r.Unlock()
	delete(r.services, id)
}

// RegisterProxy makes h receive notifications of id. A previous
// registration is replaced.
func (r *Router) RegisterProxy(id someip.ServiceID, h Handler) {
	r.Lock()
	defer r.Unlock()
	r.proxies[id] = h
}

// UnregisterProxy removes the proxy of id.
func (r *Router) UnregisterProxy(id someip.ServiceID) {
	r.Lock()
	defer r.Unlock()
	delete(r.proxies, id)
}

// ExpectReply registers h for the reply carrying id. A previous handler
// waiting for the same id is replaced.
func (r *Router) ExpectReply(id someip.RequestID, h ReplyHandler) {
	r.Lock()
	defer r.Unlock()
	r.pending[id] = h
}

// CancelReply forgets the handler waiting for id and reports whether there
// was one. A reply arriving later is dropped.
func (r *Router) CancelReply(id someip.RequestID) bool {
	r.Lock()
	defer r.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

// Pending returns the number of replies waited for.
func (r *Router) Pending() int {
	r.Lock()
	defer r.Unlock()
	return len(r.pending)
}

func (r *Router) takeReply(id someip.RequestID) (ReplyHandler, bool) {
	r.Lock()
	defer r.Unlock()
	h, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return h, ok
}

// Route delivers m: notifications to the proxy of their service, replies to
// the handler waiting for their request id, anything else to the local
// service. It reports whether a handler was found; misses are dropped.
func (r *Router) Route(w ResponseWriter, m *someip.InputMessage) bool {
	h := m.Header()
	switch {
	case h.IsNotification():
		r.Lock()
		p, ok := r.proxies[h.ServiceID()]
		r.Unlock()
		if !ok {
			r.log.Debugf("router: no proxy for notification 0x%08x", uint32(h.MessageID))
			return false
		}
		p.ServeSomeIP(w, m)

	case h.IsReply():
		reply, ok := r.takeReply(h.RequestID)
		if !ok {
			r.log.Debugf("router: unmatched reply 0x%08x", uint32(h.RequestID))
			return false
		}
		reply(m)

	default:
		r.Lock()
		s, ok := r.services[h.ServiceID()]
		r.Unlock()
		if !ok {
			r.log.Debugf("router: no service 0x%04x for %s", h.ServiceID(), h.MessageType)
			return false
		}
		s.ServeSomeIP(w, m)
	}
	return true
}
