package serializer

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Deserializer is a read cursor over a fixed buffer. Every read either
// consumes exactly the requested bytes or fails with ErrBufferUnderrun and
// leaves the cursor untouched.
type Deserializer struct {
	buf []byte
	pos int
}

// NewDeserializer creates a cursor at the start of b.
func NewDeserializer(b []byte) *Deserializer {
	return &Deserializer{buf: b}
}

// Position returns the number of bytes consumed.
func (d *Deserializer) Position() int { return d.pos }

// Remaining returns the number of bytes left.
func (d *Deserializer) Remaining() int { return len(d.buf) - d.pos }

func (d *Deserializer) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, errors.Wrapf(ErrBufferUnderrun, "need %d bytes at offset %d, %d remaining", n, d.pos, d.Remaining())
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadUint8 reads one byte.
func (d *Deserializer) ReadUint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a big-endian uint16.
func (d *Deserializer) ReadUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a big-endian uint32.
func (d *Deserializer) ReadUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads a big-endian uint64.
func (d *Deserializer) ReadUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadBool reads one byte, any non zero value is true.
func (d *Deserializer) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	return v != 0, err
}

// ReadBytes returns the next n bytes. The slice aliases the underlying buffer.
func (d *Deserializer) ReadBytes(n int) ([]byte, error) {
	return d.take(n)
}

// Skip discards n bytes.
func (d *Deserializer) Skip(n int) error {
	_, err := d.take(n)
	return err
}

// ReadNibbles unpacks one byte into its upper and lower 4 bits.
func (d *Deserializer) ReadNibbles() (hi, lo uint8, err error) {
	v, err := d.ReadUint8()
	if err != nil {
		return 0, 0, err
	}
	return v >> 4, v & 0x0F, nil
}

// ReadTruncated reads n bytes into the low bytes of a uint64, the high bytes
// are zero.
func (d *Deserializer) ReadTruncated(n int) (uint64, error) {
	if n < 1 || n > 8 {
		return 0, errors.Wrapf(ErrInvalidWidth, "%d bytes", n)
	}
	b, err := d.take(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// Sub consumes n bytes and returns a cursor bounded to them. Reading past
// the end of the returned cursor fails, so a length-delimited run can be
// decoded until Remaining reaches zero.
func (d *Deserializer) Sub(n int) (*Deserializer, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	return NewDeserializer(b), nil
}

// ReadEnum reads an enum stored as its 8-bit representation.
func ReadEnum[T ~uint8](d *Deserializer) (T, error) {
	v, err := d.ReadUint8()
	return T(v), err
}
