package someip

import "sync/atomic"

// Sequencer hands out session ids for outgoing requests. It is safe for
// concurrent use; ids run 1..0xFFFF and wrap around, 0 is never returned.
// Ids are unique until the counter wraps.
type Sequencer struct {
	next atomic.Uint32
}

// NewSequencer creates a sequencer whose first id is 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next session id.
func (s *Sequencer) Next() SessionID {
	for {
		if id := SessionID(s.next.Add(1)); id != 0 {
			return id
		}
	}
}
