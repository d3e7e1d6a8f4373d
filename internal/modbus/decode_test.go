package modbus

import (
	"testing"

	"github.com/KevinKickass/RegisterMapper/internal/mapping"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

func ptr[T any](v T) *T { return &v }

func TestDecodeScalarScaling(t *testing.T) {
	tests := []struct {
		name     string
		entry    mapping.Entry
		raw      any
		want     any
		datatype types.Datatype
	}{
		{"identity", mapping.Entry{Parameter: "P"}, int64(10), int64(10), types.DatatypeInt},
		{"integral factors", mapping.Entry{Parameter: "P", Multiplier: ptr(2.0), Offset: ptr(1.0)}, int64(10), int64(21), types.DatatypeInt},
		{"negative offset", mapping.Entry{Parameter: "P", Offset: ptr(-40.0)}, int64(25), int64(-15), types.DatatypeInt},
		{"fractional multiplier", mapping.Entry{Parameter: "P", Multiplier: ptr(0.5)}, int64(5), 2.5, types.DatatypeFloat},
		{"fractional offset", mapping.Entry{Parameter: "P", Offset: ptr(0.25)}, int64(1), 1.25, types.DatatypeFloat},
		{"unsigned 64 bit", mapping.Entry{Parameter: "P", Multiplier: ptr(10.0)}, uint64(3), uint64(30), types.DatatypeLong},
		{"unsigned negated", mapping.Entry{Parameter: "P", Multiplier: ptr(-1.0)}, uint64(5), int64(-5), types.DatatypeLong},
		{"unsigned above int64 negated", mapping.Entry{Parameter: "P", Multiplier: ptr(-1.0)}, uint64(0xFFFFFFFFFFFFFFFE), -18446744073709551616.0, types.DatatypeFloat},
		{"unsigned product overflow", mapping.Entry{Parameter: "P", Multiplier: ptr(4.0)}, uint64(1 << 63), 36893488147419103232.0, types.DatatypeFloat},
		{"signed product overflow", mapping.Entry{Parameter: "P", Multiplier: ptr(2.0)}, int64(9223372036854775807), 18446744073709551616.0, types.DatatypeFloat},
		{"signed offset overflow", mapping.Entry{Parameter: "P", Offset: ptr(-2.0)}, int64(-9223372036854775807), -9223372036854775809.0, types.DatatypeFloat},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			datatype := types.DatatypeInt
			if _, ok := tt.raw.(uint64); ok {
				datatype = types.DatatypeLong
			}
			rec := decodeScalar(tt.entry, datatype, tt.raw)
			if rec.Value != tt.want {
				t.Errorf("value = %v (%T), want %v (%T)", rec.Value, rec.Value, tt.want, tt.want)
			}
			if rec.Datatype != tt.datatype {
				t.Errorf("datatype = %s, want %s", rec.Datatype, tt.datatype)
			}
		})
	}
}

func TestDecodeScalarDoesNotScaleFloats(t *testing.T) {
	entry := mapping.Entry{Parameter: "F", Multiplier: ptr(10.0)}
	rec := decodeScalar(entry, types.DatatypeFloat, 1.5)
	if rec.Value != 1.5 {
		t.Errorf("value = %v, want 1.5", rec.Value)
	}
}

func TestDecodeScalarMapLookup(t *testing.T) {
	entry := mapping.Entry{
		Parameter:  "State",
		Multiplier: ptr(100.0),
		Map: mapping.ValueMap{
			{Key: "0", Value: "stopped"},
			{Key: "2", Value: "running"},
		},
	}

	tests := []struct {
		raw      any
		datatype types.Datatype
		want     string
	}{
		{int64(2), types.DatatypeInt, "running"},
		{int64(0), types.DatatypeInt, "stopped"},
		{int64(7), types.DatatypeInt, valueNotInMap},
		{2.5, types.DatatypeFloat, "running"},
		{1.5, types.DatatypeFloat, "running"},
		{-0.4, types.DatatypeFloat, "stopped"},
	}
	for _, tt := range tests {
		rec := decodeScalar(entry, tt.datatype, tt.raw)
		if rec.ValueAlt != tt.want {
			t.Errorf("value_alt for %v = %v, want %q", tt.raw, rec.ValueAlt, tt.want)
		}
		if rec.Value != tt.raw {
			t.Errorf("mapped value %v was scaled to %v", tt.raw, rec.Value)
		}
	}
}

func TestDecodeScalarCarriesMetadata(t *testing.T) {
	entry := mapping.Entry{
		Parameter:    "Temp",
		Description:  "Supply temperature",
		Alias:        "T1",
		Unit:         "°C",
		IsTag:        ptr(true),
		DefaultValue: 20.0,
		Min:          ptr(0.0),
		Max:          ptr(100.0),
	}
	fields := decodeScalar(entry, types.DatatypeInt, int64(21)).Fields()

	want := map[string]any{
		"parameter":    "Temp",
		"value":        int64(21),
		"datatype":     types.DatatypeInt,
		"description":  "Supply temperature",
		"alias":        "T1",
		"unit":         "°C",
		"isTag":        true,
		"defaultValue": 20.0,
		"min":          0.0,
		"max":          100.0,
	}
	if len(fields) != len(want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestDecodeFlags(t *testing.T) {
	flags := []bool{true, false, true, false, false, false, false, false}

	t.Run("no map", func(t *testing.T) {
		recs, err := decodeFlags(mapping.Entry{Parameter: "Run", Unit: "-"}, flags)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 || recs[0].Value != true || recs[0].Parameter != "Run" || recs[0].Unit != "-" {
			t.Errorf("records = %+v", recs)
		}
	})

	t.Run("single entry map", func(t *testing.T) {
		entry := mapping.Entry{
			Parameter:   "Alarm",
			Description: "alarm flag",
			IsTag:       ptr(false),
			Map:         mapping.ValueMap{{Key: "0b00000100", Value: "Overheat"}},
		}
		recs, err := decodeFlags(entry, flags)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Fatalf("got %d records, want 1", len(recs))
		}
		r := recs[0]
		if r.Value != true || r.ValueAlt != "Overheat" || r.ParameterAlt != "" {
			t.Errorf("record = %+v", r)
		}
		if r.Description != "alarm flag" || r.IsTag == nil || *r.IsTag {
			t.Errorf("metadata not passed through: %+v", r)
		}
	})

	t.Run("multi entry map", func(t *testing.T) {
		entry := mapping.Entry{
			Parameter:   "Status",
			Description: "status word",
			Unit:        "-",
			Map: mapping.ValueMap{
				{Key: "0b00000100", Value: "Pump"},
				{Key: "0b00000001", Value: "Fan"},
				{Key: "0b00000010", Value: "Valve"},
			},
		}
		recs, err := decodeFlags(entry, flags)
		if err != nil {
			t.Fatal(err)
		}
		want := []struct {
			alt   string
			value bool
		}{{"Pump", true}, {"Fan", true}, {"Valve", false}}
		if len(recs) != len(want) {
			t.Fatalf("got %d records, want %d", len(recs), len(want))
		}
		for i, w := range want {
			r := recs[i]
			if r.ParameterAlt != w.alt || r.Value != w.value {
				t.Errorf("record %d = %+v, want %s=%t", i, r, w.alt, w.value)
			}
			if r.Parameter != "Status" || r.Description != "status word" {
				t.Errorf("record %d lost parameter or description: %+v", i, r)
			}
			if r.Unit != "" || r.ValueAlt != nil {
				t.Errorf("record %d carries single-entry fields: %+v", i, r)
			}
		}
	})

	t.Run("bit beyond response", func(t *testing.T) {
		entry := mapping.Entry{Parameter: "X", Map: mapping.ValueMap{{Key: "0b10000000", Value: "hi"}}}
		_, err := decodeFlags(entry, flags[:2])
		if kindOf(t, err) != types.KindDecode {
			t.Errorf("error = %v", err)
		}
	})
}

func TestPrintable(t *testing.T) {
	if got := printable("AB\x00C\tD "); got != "ABCD " {
		t.Errorf("printable = %q", got)
	}
	if isPrintable("ok\n") || !isPrintable("ok ok") {
		t.Error("isPrintable misclassified input")
	}
}
