package serializer

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Errors
var (
	ErrBufferUnderrun = errors.New("serializer: buffer underrun")
	ErrLengthOverflow = errors.New("serializer: length does not fit placeholder")
	ErrNibbleOverflow = errors.New("serializer: value does not fit 4 bits")
	ErrInvalidWidth   = errors.New("serializer: invalid field width")
	ErrPlaceholder    = errors.New("serializer: placeholder already patched")
)

// Serializer appends network byte order values to a growing buffer.
type Serializer struct {
	buf []byte
}

// NewSerializer creates a serializer which appends after the content of buf.
func NewSerializer(buf []byte) *Serializer {
	return &Serializer{buf: buf}
}

// Bytes returns the written buffer.
func (s *Serializer) Bytes() []byte { return s.buf }

// Len returns the current write position.
func (s *Serializer) Len() int { return len(s.buf) }

// WriteUint8 writes one byte.
func (s *Serializer) WriteUint8(v uint8) {
	s.buf = append(s.buf, v)
}

// WriteUint16 writes v big-endian.
func (s *Serializer) WriteUint16(v uint16) {
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
}

// WriteUint32 writes v big-endian.
func (s *Serializer) WriteUint32(v uint32) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
}

// WriteUint64 writes v big-endian.
func (s *Serializer) WriteUint64(v uint64) {
	s.buf = binary.BigEndian.AppendUint64(s.buf, v)
}

// WriteBool writes v as a single byte 0 or 1.
func (s *Serializer) WriteBool(v bool) {
	if v {
		s.WriteUint8(1)
		return
	}
	s.WriteUint8(0)
}

// WriteBytes writes b verbatim.
func (s *Serializer) WriteBytes(b []byte) {
	s.buf = append(s.buf, b...)
}

// WriteNibbles packs hi into the upper and lo into the lower half of one byte.
func (s *Serializer) WriteNibbles(hi, lo uint8) error {
	if hi > 0x0F || lo > 0x0F {
		return errors.Wrapf(ErrNibbleOverflow, "pair (%d, %d)", hi, lo)
	}
	s.WriteUint8(hi<<4 | lo)
	return nil
}

// WriteTruncated writes only the n least significant bytes of v.
func (s *Serializer) WriteTruncated(v uint64, n int) error {
	if n < 1 || n > 8 {
		return errors.Wrapf(ErrInvalidWidth, "%d bytes", n)
	}
	for i := n - 1; i >= 0; i-- {
		s.WriteUint8(uint8(v >> (8 * uint(i))))
	}
	return nil
}

// Reserve appends n zero bytes and returns their position.
func (s *Serializer) Reserve(n int) int {
	pos := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	return pos
}

// PutUint16At overwrites two bytes at pos.
func (s *Serializer) PutUint16At(pos int, v uint16) {
	binary.BigEndian.PutUint16(s.buf[pos:pos+2], v)
}

// PutUint32At overwrites four bytes at pos.
func (s *Serializer) PutUint32At(pos int, v uint32) {
	binary.BigEndian.PutUint32(s.buf[pos:pos+4], v)
}

// WriteEnum writes an enum by its 8-bit representation.
func WriteEnum[T ~uint8](s *Serializer, v T) {
	s.WriteUint8(uint8(v))
}

// LengthPlaceholder is a reserved length field which gets patched with the
// size of everything written after it once Close is called.
type LengthPlaceholder struct {
	s       *Serializer
	pos     int
	size    int
	exclude int
	closed  bool
}

// BeginLength reserves a size byte length field (1, 2 or 4) at the current
// position. exclude bytes written right after the field are not counted.
func (s *Serializer) BeginLength(size, exclude int) (*LengthPlaceholder, error) {
	switch size {
	case 1, 2, 4:
	default:
		return nil, errors.Wrapf(ErrInvalidWidth, "length placeholder of %d bytes", size)
	}
	return &LengthPlaceholder{
		s:       s,
		pos:     s.Reserve(size),
		size:    size,
		exclude: exclude,
	}, nil
}

// Length returns the number of bytes counted so far.
func (p *LengthPlaceholder) Length() int {
	return p.s.Len() - p.pos - p.size - p.exclude
}

// Close patches the reserved bytes with the length written since BeginLength.
func (p *LengthPlaceholder) Close() error {
	if p.closed {
		return ErrPlaceholder
	}
	p.closed = true

	l := p.Length()
	if l < 0 {
		return errors.Wrapf(ErrLengthOverflow, "negative length %d", l)
	}
	switch p.size {
	case 1:
		if l > math.MaxUint8 {
			return errors.Wrapf(ErrLengthOverflow, "%d bytes in 1 byte field", l)
		}
		p.s.buf[p.pos] = uint8(l)
	case 2:
		if l > math.MaxUint16 {
			return errors.Wrapf(ErrLengthOverflow, "%d bytes in 2 byte field", l)
		}
		p.s.PutUint16At(p.pos, uint16(l))
	case 4:
		if uint64(l) > math.MaxUint32 {
			return errors.Wrapf(ErrLengthOverflow, "%d bytes in 4 byte field", l)
		}
		p.s.PutUint32At(p.pos, uint32(l))
	}
	return nil
}

// WriteLengthDelimited frames whatever body writes with a size byte length
// field.
func (s *Serializer) WriteLengthDelimited(size, exclude int, body func() error) error {
	p, err := s.BeginLength(size, exclude)
	if err != nil {
		return err
	}
	if err := body(); err != nil {
		return err
	}
	return p.Close()
}
