package modbus

import (
	"errors"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/mapping"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

const valueNotInMap = "corresponding value not found in map"

// withMetadata copies the pass-through keys of an entry onto a record. The
// reserved keys map, function, multiplier, offset, min and max never pass
// through.
func withMetadata(rec types.Record, e mapping.Entry) types.Record {
	rec.Parameter = e.Parameter
	rec.Description = e.Description
	rec.Alias = e.Alias
	rec.Unit = e.Unit
	rec.IsTag = e.IsTag
	rec.DefaultValue = e.DefaultValue
	return rec
}

// decodeFlags turns a sequence of bits into records. Without a map the first
// bit is the value. A single-entry map yields one record carrying the
// description as value_alt; larger maps yield one record per bit, named by
// parameter_alt.
func decodeFlags(entry mapping.Entry, flags []bool) ([]types.Record, error) {
	if len(entry.Map) == 0 {
		if len(flags) == 0 {
			return nil, types.NewError(types.KindDecode, "no bits returned for parameter '%s'", entry.Parameter)
		}
		rec := types.Record{Value: flags[0], Datatype: types.DatatypeBoolean}
		return []types.Record{withMetadata(rec, entry)}, nil
	}

	records := make([]types.Record, 0, len(entry.Map))
	for _, item := range entry.Map {
		idx, err := mapping.BitIndex(item.Key)
		if err != nil {
			return nil, types.NewError(types.KindConfiguration, "parameter '%s': %v", entry.Parameter, err)
		}
		if idx >= len(flags) {
			return nil, types.NewError(types.KindDecode, "bit %d of parameter '%s' not contained in response", idx, entry.Parameter)
		}
		rec := types.Record{Value: flags[idx], Datatype: types.DatatypeBoolean}
		if len(entry.Map) == 1 {
			rec.ValueAlt = item.Value
			records = append(records, withMetadata(rec, entry))
			continue
		}
		rec.Parameter = entry.Parameter
		rec.ParameterAlt = item.Value
		rec.Description = entry.Description
		rec.Alias = entry.Alias
		records = append(records, rec)
	}
	return records, nil
}

// decodeRegister decodes the payload of one register token.
func decodeRegister(entry mapping.Entry, addr mapping.Address, d *codec.Decoder) ([]types.Record, error) {
	p, ok := codec.Lookup(entry.Function)
	if !ok {
		return nil, types.NewError(types.KindConfiguration, "decoding function '%s' not defined for parameter '%s'", entry.Function, entry.Parameter)
	}

	if p.Family() == codec.FamilyBits {
		v, err := p.Decode(d, 0)
		if err != nil {
			return nil, decodeError(entry, addr, err)
		}
		return decodeFlags(entry, v.([]bool))
	}

	v, err := p.Decode(d, addr.ByteCount)
	if err != nil {
		return nil, decodeError(entry, addr, err)
	}

	if p.Family() == codec.FamilyString {
		raw := v.([]byte)
		if !utf8.Valid(raw) {
			return nil, types.NewError(types.KindDecode, "'utf-8' codec can't decode register content %x of parameter '%s' at address %d", raw, entry.Parameter, addr.Start)
		}
		v = printable(string(raw))
	}

	return []types.Record{decodeScalar(entry, p.Datatype(), v)}, nil
}

// decodeScalar applies scaling and map lookup to one decoded value.
func decodeScalar(entry mapping.Entry, datatype types.Datatype, value any) types.Record {
	if datatype.IsInteger() && len(entry.Map) == 0 {
		value, datatype = scale(entry, datatype, value)
	}

	rec := types.Record{
		Value:    value,
		Datatype: datatype,
		Min:      entry.Min,
		Max:      entry.Max,
	}
	if len(entry.Map) > 0 && datatype.IsNumeric() {
		if desc, ok := entry.Map.Lookup(roundKey(value)); ok {
			rec.ValueAlt = desc
		} else {
			rec.ValueAlt = valueNotInMap
		}
	}
	return withMetadata(rec, entry)
}

// scale computes raw*multiplier+offset. Integers stay integers unless the
// factors are fractional or the result leaves the 64 bit range.
func scale(entry mapping.Entry, datatype types.Datatype, raw any) (any, types.Datatype) {
	m, o := entry.Scale()
	if m == 1 && o == 0 {
		return raw, datatype
	}
	if entry.FractionalScale() {
		return toFloat64(raw)*m + o, types.DatatypeFloat
	}
	switch x := raw.(type) {
	case uint64:
		if v, ok := mulAddUint(x, m, o); ok {
			return v, datatype
		}
		if x <= math.MaxInt64 {
			if v, ok := mulAddInt(int64(x), m, o); ok {
				return v, datatype
			}
		}
		return float64(x)*m + o, types.DatatypeFloat
	case int64:
		if v, ok := mulAddInt(x, m, o); ok {
			return v, datatype
		}
		return float64(x)*m + o, types.DatatypeFloat
	}
	return raw, datatype
}

func mulAddUint(x uint64, m, o float64) (uint64, bool) {
	if m < 0 || o < 0 || m >= 1<<64 || o >= 1<<64 {
		return 0, false
	}
	hi, lo := bits.Mul64(x, uint64(m))
	if hi != 0 {
		return 0, false
	}
	sum, carry := bits.Add64(lo, uint64(o), 0)
	if carry != 0 {
		return 0, false
	}
	return sum, true
}

func mulAddInt(x int64, m, o float64) (int64, bool) {
	if m < -(1<<63) || m >= 1<<63 || o < -(1<<63) || o >= 1<<63 {
		return 0, false
	}
	mi, oi := int64(m), int64(o)
	p := x * mi
	if mi != 0 && (p/mi != x || (mi == -1 && x == math.MinInt64)) {
		return 0, false
	}
	sum := p + oi
	if (oi > 0 && sum < p) || (oi < 0 && sum > p) {
		return 0, false
	}
	return sum, true
}

// roundKey renders a numeric value as a value map key, rounding half to even.
func roundKey(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		r := math.RoundToEven(x)
		if r == 0 {
			r = 0
		}
		return strconv.FormatFloat(r, 'f', 0, 64)
	}
	return ""
}

func toFloat64(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func decodeError(entry mapping.Entry, addr mapping.Address, err error) error {
	if errors.Is(err, codec.ErrShortPayload) {
		return types.NewError(types.KindDecode, "register content of parameter '%s' at address %d too short for %s", entry.Parameter, addr.Start, entry.Function).Wrap(err)
	}
	return types.NewError(types.KindDecode, "cannot decode parameter '%s' at address %d", entry.Parameter, addr.Start).Wrap(err)
}
