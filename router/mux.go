package router

import (
	"sync"

	"github.com/eshenhu/someip/someip"
)

// ServeMux dispatches the messages of one service to a handler per member
// id. Requests for an unknown member are answered with E_UNKNOWN_METHOD.
type ServeMux struct {
	mu  sync.RWMutex
	m   map[someip.MemberID]Handler
	log someip.Logger
}

// NewServeMux allocates an empty mux.
func NewServeMux(log someip.Logger) *ServeMux {
	return &ServeMux{m: make(map[someip.MemberID]Handler), log: log}
}

// Handle registers h for member id.
func (mux *ServeMux) Handle(id someip.MemberID, h Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	mux.m[id] = h
}

// HandleFunc registers f for member id.
func (mux *ServeMux) HandleFunc(id someip.MemberID, f func(w ResponseWriter, m *someip.InputMessage)) {
	mux.Handle(id, HandlerFunc(f))
}

// HandleRemove deregisters the handler of member id.
func (mux *ServeMux) HandleRemove(id someip.MemberID) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	delete(mux.m, id)
}

// ServeSomeIP implements Handler.
func (mux *ServeMux) ServeSomeIP(w ResponseWriter, m *someip.InputMessage) {
	mux.mu.RLock()
	h, ok := mux.m[m.MemberID()]
	mux.mu.RUnlock()
	if ok {
		h.ServeSomeIP(w, m)
		return
	}

	if m.MessageType() != someip.MsgTypeRequest {
		return
	}
	reply := someip.CreateErrorReturn(m, someip.ReturnUnknownMethod)
	defer reply.Release()
	if err := w.WriteMsg(reply); err != nil {
		mux.log.Debugf("router: error reply to %s: %v", w.RemoteAddr(), err)
	}
}

// PingResponder echoes the payload of ping requests in a method return.
type PingResponder struct {
	Log someip.Logger
}

// ServeSomeIP implements Handler.
func (p PingResponder) ServeSomeIP(w ResponseWriter, m *someip.InputMessage) {
	if !m.IsPing() || m.MessageType() != someip.MsgTypeRequest {
		return
	}
	reply := someip.CreateMethodReturn(m)
	defer reply.Release()
	reply.Write(m.Payload())
	if err := w.WriteMsg(reply); err != nil && p.Log != nil {
		p.Log.Debugf("router: pong to %s: %v", w.RemoteAddr(), err)
	}
}
