package sd

import (
	"sync"

	"github.com/eshenhu/someip/someip"
)

// sessionState is the session counter and reboot flag of one direction.
type sessionState struct {
	mu     sync.Mutex
	next   uint16
	reboot bool
}

func newSessionState() *sessionState {
	return &sessionState{next: 1, reboot: true}
}

// assign returns the current session id and reboot flag, then advances. The
// reboot flag stays set until the counter wraps for the first time.
func (s *sessionState) assign() (someip.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, reboot := s.next, s.reboot
	s.next++
	if s.next == 0 {
		s.next = 1
		s.reboot = false
	}
	return someip.SessionID(id), reboot
}

// Sessions holds the independent unicast and multicast session states of
// one SD participant.
type Sessions struct {
	unicast   *sessionState
	multicast *sessionState
}

// NewSessions starts both directions at session 1 with the reboot flag set.
func NewSessions() *Sessions {
	return &Sessions{
		unicast:   newSessionState(),
		multicast: newSessionState(),
	}
}

// Assign stamps m with the next session id and the reboot flag of the
// direction given by its unicast flag.
func (s *Sessions) Assign(m *Message) {
	st := s.multicast
	if m.Flags.Unicast {
		st = s.unicast
	}
	id, reboot := st.assign()
	m.Flags.Reboot = reboot
	m.Header.RequestID = someip.NewRequestID(0, id)
}
