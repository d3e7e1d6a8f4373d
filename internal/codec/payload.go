package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShortPayload = errors.New("payload too short")
	ErrOutOfRange   = errors.New("value out of range")
)

// Order is the byte or word order of a device.
type Order int

const (
	BigEndian Order = iota
	LittleEndian
)

// ParseOrder accepts ">", "<", "big" and "little". Empty means big endian.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", ">", "big", "!":
		return BigEndian, nil
	case "<", "little":
		return LittleEndian, nil
	}
	return BigEndian, fmt.Errorf("unknown byte order %q", s)
}

func (o Order) String() string {
	if o == LittleEndian {
		return "little"
	}
	return "big"
}

// Endianness is the byte order within a register and the order of registers
// within a multi-register value.
type Endianness struct {
	ByteOrder Order
	WordOrder Order
}

// arrange converts between register wire order and big-endian value order.
// The transformation is its own inverse.
func (e Endianness) arrange(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	if len(out) < 2 {
		return out
	}
	if e.WordOrder == LittleEndian {
		words := len(out) / 2
		for i := 0; i < words/2; i++ {
			j := words - 1 - i
			out[2*i], out[2*j] = out[2*j], out[2*i]
			out[2*i+1], out[2*j+1] = out[2*j+1], out[2*i+1]
		}
	}
	if e.ByteOrder == LittleEndian {
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}
	return out
}

// Decoder walks a register payload (big-endian register bytes as delivered
// by the transport).
type Decoder struct {
	payload []byte
	pos     int
	order   Endianness
}

func NewDecoder(payload []byte, order Endianness) *Decoder {
	return &Decoder{payload: payload, order: order}
}

// Skip advances over n bytes.
func (d *Decoder) Skip(n int) error {
	_, err := d.next(n)
	return err
}

func (d *Decoder) Remaining() int { return len(d.payload) - d.pos }

func (d *Decoder) next(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.payload) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPayload, n, d.pos, len(d.payload))
	}
	b := d.payload[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) ordered(n int) ([]byte, error) {
	b, err := d.next(n)
	if err != nil {
		return nil, err
	}
	return d.order.arrange(b), nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Int8() (int8, error) {
	v, err := d.Uint8()
	return int8(v), err
}

func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.ordered(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.ordered(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.ordered(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bits unpacks one byte into eight flags, least significant bit first.
func (d *Decoder) Bits() ([]bool, error) {
	b, err := d.next(1)
	if err != nil {
		return nil, err
	}
	return UnpackBits(b, 8), nil
}

// Bytes returns the next n raw bytes.
func (d *Decoder) Bytes(n int) ([]byte, error) {
	b, err := d.next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Builder assembles a register payload for a write.
type Builder struct {
	buf   []byte
	order Endianness
}

func NewBuilder(order Endianness) *Builder {
	return &Builder{order: order}
}

func (b *Builder) AddUint8(v uint8) { b.buf = append(b.buf, v) }

func (b *Builder) AddUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, b.order.arrange(tmp[:])...)
}

func (b *Builder) AddUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, b.order.arrange(tmp[:])...)
}

func (b *Builder) AddUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, b.order.arrange(tmp[:])...)
}

func (b *Builder) AddBits(bits []bool) { b.buf = append(b.buf, PackBits(bits)...) }

func (b *Builder) AddBytes(p []byte) { b.buf = append(b.buf, p...) }

// Payload returns the built bytes padded to a whole number of registers.
func (b *Builder) Payload() []byte {
	out := make([]byte, len(b.buf)+len(b.buf)%2)
	copy(out, b.buf)
	return out
}

// PackBits packs flags into bytes, least significant bit first.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// UnpackBits returns the first n flags of a packed bit string.
func UnpackBits(p []byte, n int) []bool {
	if n > len(p)*8 {
		n = len(p) * 8
	}
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = p[i/8]&(1<<(i%8)) != 0
	}
	return bits
}
