// Package codec holds the closed table of register decode/encode primitives
// and the byte/word-order aware payload decoder and builder they run on.
package codec

import (
	"fmt"
	"math"
	"sort"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/x448/float16"
)

// Family groups primitives that share write-time validation rules.
type Family int

const (
	FamilyBits Family = iota
	FamilyInt
	FamilyUint
	FamilyFloat
	FamilyString
)

// Primitive is a named fixed-width decode/encode routine.
type Primitive int

const (
	Bits Primitive = iota + 1
	Int8
	Uint8
	Int16
	Uint16
	Float16
	Int32
	Uint32
	Float32
	Int64
	Uint64
	Float64
	String
)

type primitiveDef struct {
	name      string
	datatype  types.Datatype
	bits      int
	supersede bool
	family    Family
	decode    func(d *Decoder, byteCount int) (any, error)
	encode    func(b *Builder, value any) error
}

var primitives = map[Primitive]primitiveDef{
	Bits: {"decode_bits", types.DatatypeBoolean, 8, true, FamilyBits,
		func(d *Decoder, _ int) (any, error) { return d.Bits() },
		func(b *Builder, v any) error {
			bits, ok := v.([]bool)
			if !ok {
				return fmt.Errorf("expected list of booleans, got %T", v)
			}
			b.AddBits(bits)
			return nil
		}},
	Int8: {"decode_8bit_int", types.DatatypeInt, 8, true, FamilyInt,
		func(d *Decoder, _ int) (any, error) { v, err := d.Int8(); return int64(v), err },
		encodeSigned(8, func(b *Builder, v int64) { b.AddUint8(uint8(int8(v))) })},
	Uint8: {"decode_8bit_uint", types.DatatypeInt, 8, true, FamilyUint,
		func(d *Decoder, _ int) (any, error) { v, err := d.Uint8(); return int64(v), err },
		encodeUnsigned(8, func(b *Builder, v uint64) { b.AddUint8(uint8(v)) })},
	Int16: {"decode_16bit_int", types.DatatypeInt, 16, true, FamilyInt,
		func(d *Decoder, _ int) (any, error) { v, err := d.Uint16(); return int64(int16(v)), err },
		encodeSigned(16, func(b *Builder, v int64) { b.AddUint16(uint16(int16(v))) })},
	Uint16: {"decode_16bit_uint", types.DatatypeInt, 16, true, FamilyUint,
		func(d *Decoder, _ int) (any, error) { v, err := d.Uint16(); return int64(v), err },
		encodeUnsigned(16, func(b *Builder, v uint64) { b.AddUint16(uint16(v)) })},
	Float16: {"decode_16bit_float", types.DatatypeFloat, 16, true, FamilyFloat,
		func(d *Decoder, _ int) (any, error) {
			v, err := d.Uint16()
			return float64(float16.Frombits(v).Float32()), err
		},
		encodeFloat(16, func(b *Builder, v float64) { b.AddUint16(float16.Fromfloat32(float32(v)).Bits()) })},
	Int32: {"decode_32bit_int", types.DatatypeInt, 32, true, FamilyInt,
		func(d *Decoder, _ int) (any, error) { v, err := d.Uint32(); return int64(int32(v)), err },
		encodeSigned(32, func(b *Builder, v int64) { b.AddUint32(uint32(int32(v))) })},
	Uint32: {"decode_32bit_uint", types.DatatypeInt, 32, true, FamilyUint,
		func(d *Decoder, _ int) (any, error) { v, err := d.Uint32(); return int64(v), err },
		encodeUnsigned(32, func(b *Builder, v uint64) { b.AddUint32(uint32(v)) })},
	Float32: {"decode_32bit_float", types.DatatypeFloat, 32, true, FamilyFloat,
		func(d *Decoder, _ int) (any, error) {
			v, err := d.Uint32()
			return float64(math.Float32frombits(v)), err
		},
		encodeFloat(32, func(b *Builder, v float64) { b.AddUint32(math.Float32bits(float32(v))) })},
	Int64: {"decode_64bit_int", types.DatatypeLong, 64, true, FamilyInt,
		func(d *Decoder, _ int) (any, error) { v, err := d.Uint64(); return int64(v), err },
		encodeSigned(64, func(b *Builder, v int64) { b.AddUint64(uint64(v)) })},
	Uint64: {"decode_64bit_uint", types.DatatypeLong, 64, true, FamilyUint,
		func(d *Decoder, _ int) (any, error) { return d.Uint64() },
		encodeUnsigned(64, func(b *Builder, v uint64) { b.AddUint64(v) })},
	Float64: {"decode_64bit_float", types.DatatypeDouble, 64, true, FamilyFloat,
		func(d *Decoder, _ int) (any, error) {
			v, err := d.Uint64()
			return math.Float64frombits(v), err
		},
		encodeFloat(64, func(b *Builder, v float64) { b.AddUint64(math.Float64bits(v)) })},
	String: {"decode_string", types.DatatypeString, 16, false, FamilyString,
		func(d *Decoder, byteCount int) (any, error) { return d.Bytes(byteCount) },
		func(b *Builder, v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
			b.AddBytes([]byte(s))
			return nil
		}},
}

var byName = func() map[string]Primitive {
	m := make(map[string]Primitive, len(primitives))
	for p, s := range primitives {
		m[s.name] = p
	}
	return m
}()

// Lookup resolves a decode function name such as "decode_16bit_int".
func Lookup(name string) (Primitive, bool) {
	p, ok := byName[name]
	return p, ok
}

// Names returns every supported function name, sorted.
func Names() []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Primitive) def() primitiveDef {
	s, ok := primitives[p]
	if !ok {
		panic(fmt.Sprintf("codec: unknown primitive %d", int(p)))
	}
	return s
}

func (p Primitive) String() string           { return p.def().name }
func (p Primitive) Datatype() types.Datatype { return p.def().datatype }
func (p Primitive) Family() Family           { return p.def().family }

// Supersedes reports whether the primitive's fixed width overrides the width
// derived from the address token.
func (p Primitive) Supersedes() bool { return p.def().supersede }

// Width is the number of 16-bit registers the primitive spans.
func (p Primitive) Width() int { return max(p.def().bits/16, 1) }

func (p Primitive) ByteCount() int { return p.def().bits / 8 }

// Decode reads one value. byteCount is only consulted by String.
func (p Primitive) Decode(d *Decoder, byteCount int) (any, error) {
	return p.def().decode(d, byteCount)
}

// Encode appends value to the builder. Integer families take int64 or
// uint64, floats take float64, bits take []bool and strings take string.
func (p Primitive) Encode(b *Builder, value any) error {
	return p.def().encode(b, value)
}

func encodeSigned(bits int, put func(*Builder, int64)) func(*Builder, any) error {
	return func(b *Builder, v any) error {
		var n int64
		switch x := v.(type) {
		case int64:
			n = x
		case uint64:
			if x > math.MaxInt64 {
				return fmt.Errorf("%w: %d does not fit %d bit signed integer", ErrOutOfRange, x, bits)
			}
			n = int64(x)
		default:
			return fmt.Errorf("expected integer, got %T", v)
		}
		if bits < 64 {
			lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
			if n < lo || n > hi {
				return fmt.Errorf("%w: %d does not fit %d bit signed integer", ErrOutOfRange, n, bits)
			}
		}
		put(b, n)
		return nil
	}
}

func encodeUnsigned(bits int, put func(*Builder, uint64)) func(*Builder, any) error {
	return func(b *Builder, v any) error {
		var n uint64
		switch x := v.(type) {
		case uint64:
			n = x
		case int64:
			if x < 0 {
				return fmt.Errorf("%w: %d does not fit %d bit unsigned integer", ErrOutOfRange, x, bits)
			}
			n = uint64(x)
		default:
			return fmt.Errorf("expected integer, got %T", v)
		}
		if bits < 64 && n > uint64(1)<<bits-1 {
			return fmt.Errorf("%w: %d does not fit %d bit unsigned integer", ErrOutOfRange, n, bits)
		}
		put(b, n)
		return nil
	}
}

func encodeFloat(bits int, put func(*Builder, float64)) func(*Builder, any) error {
	return func(b *Builder, v any) error {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected float, got %T", v)
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && floatOverflows(bits, f) {
			return fmt.Errorf("%w: %v does not fit in %d-bit float", ErrOutOfRange, f, bits)
		}
		put(b, f)
		return nil
	}
}

// floatOverflows reports whether a finite f rounds to infinity at the given width.
func floatOverflows(bits int, f float64) bool {
	switch bits {
	case 16:
		return float16.Fromfloat32(float32(f)).IsInf(0)
	case 32:
		return math.IsInf(float64(float32(f)), 0)
	}
	return false
}
