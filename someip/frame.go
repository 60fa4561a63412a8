package someip

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxPayload bounds the payload accepted from a stream.
const DefaultMaxPayload = 1 << 20

// ReadMessage reads one message from a byte stream. Messages are delimited by
// the length field of the header. The returned message owns its envelope.
func ReadMessage(r io.Reader, maxPayload int) (*InputMessage, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[4:8])
	if length < lengthCovered {
		return nil, errors.Wrapf(ErrInvalidLength, "length %d", length)
	}
	payloadLen := int(length - lengthCovered)
	if payloadLen > maxPayload {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes payload", payloadLen)
	}

	env := newEnvelope(HeaderSize + payloadLen)
	env.Body = append(env.Body, hdr[:]...)
	env.Body = append(env.Body, make([]byte, payloadLen)...)
	if _, err := io.ReadFull(r, env.Body[HeaderSize:]); err != nil {
		env.Free()
		return nil, err
	}

	m, err := NewInputMessage(env)
	if err != nil {
		env.Free()
		return nil, err
	}
	m.owned = true
	return m, nil
}

// WriteMessage writes m as one contiguous frame.
func WriteMessage(w io.Writer, m *OutputMessage) error {
	b := m.Bytes()
	sent := 0
	for sent < len(b) {
		n, err := w.Write(b[sent:])
		if err != nil {
			return errors.Wrap(err, "someip: write")
		}
		sent += n
	}
	return nil
}
