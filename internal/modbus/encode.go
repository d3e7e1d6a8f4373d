package modbus

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/mapping"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

// encodeHolding validates a new value for a holding register entry and
// builds the register payload that stores it.
func encodeHolding(entry mapping.Entry, addr mapping.Address, endianness codec.Endianness, value any) ([]byte, error) {
	if addr.BytePosition == 2 {
		return nil, types.NewError(types.KindValidation, "Parameter '%s': updates of the minor byte of a register are disabled", entry.Parameter)
	}

	p, ok := codec.Lookup(entry.Function)
	if !ok {
		return nil, types.NewError(types.KindConfiguration, "decoding function '%s' not defined for parameter '%s'", entry.Function, entry.Parameter)
	}

	var encoded any
	switch p.Family() {
	case codec.FamilyInt, codec.FamilyUint, codec.FamilyFloat:
		f, ok := toNumber(value)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: '%v' is not a number", entry.Parameter, value)
		}
		if entry.Min != nil && f < *entry.Min {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: %v < %v (min)", entry.Parameter, value, *entry.Min)
		}
		if entry.Max != nil && f > *entry.Max {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: %v > %v (max)", entry.Parameter, value, *entry.Max)
		}
		if p.Family() == codec.FamilyFloat {
			encoded = f
			break
		}
		n, err := unscale(entry, p.Family(), value, f)
		if err != nil {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: %v", entry.Parameter, err)
		}
		encoded = n

	case codec.FamilyString:
		s, ok := value.(string)
		if !ok || !isPrintable(s) {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: '%v' seems not printable", entry.Parameter, value)
		}
		if len(s) > 2*addr.Width {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: '%s' too long for %d registers", entry.Parameter, s, addr.Width)
		}
		encoded = s

	case codec.FamilyBits:
		bits, ok := toBits(value)
		if !ok {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: '%v' is not a list of bits", entry.Parameter, value)
		}
		if len(bits) > 16*addr.Width {
			return nil, types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: %d bits too long for %d registers", entry.Parameter, len(bits), addr.Width)
		}
		encoded = bits
	}

	b := codec.NewBuilder(endianness)
	if err := p.Encode(b, encoded); err != nil {
		return nil, types.NewError(types.KindValidation, "Error in payload builder for parameter '%s': %v", entry.Parameter, err).Wrap(err)
	}
	return b.Payload(), nil
}

// unscale computes trunc((v - offset) / multiplier) as the raw register
// integer. Integral values with identity scaling skip the float path so
// 64 bit values keep full precision.
func unscale(entry mapping.Entry, family codec.Family, value any, f float64) (any, error) {
	m, o := entry.Scale()
	if m == 1 && o == 0 {
		switch x := value.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint16:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint64:
			return x, nil
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
			if n, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
				return n, nil
			}
		}
	}
	raw := math.Trunc((f - o) / m)
	if family == codec.FamilyUint && raw >= math.MaxInt64 {
		if raw >= math.MaxUint64 {
			return nil, codec.ErrOutOfRange
		}
		return uint64(raw), nil
	}
	if raw < math.MinInt64 || raw >= math.MaxInt64 {
		return nil, codec.ErrOutOfRange
	}
	return int64(raw), nil
}

// toNumber accepts the numeric shapes a decoded JSON body or a Go caller may
// hand in. Booleans are not numbers.
func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// toBits accepts a list of booleans or of 0/1 numbers.
func toBits(v any) ([]bool, bool) {
	switch x := v.(type) {
	case []bool:
		return x, true
	case []any:
		bits := make([]bool, len(x))
		for i, item := range x {
			b, ok := toBool(item)
			if !ok {
				return nil, false
			}
			bits[i] = b
		}
		return bits, true
	}
	return nil, false
}

func toBool(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	if f, ok := toNumber(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}
