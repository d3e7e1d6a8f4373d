package mapping

import (
	"errors"
	"strings"
	"testing"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func ptr[T any](v T) *T { return &v }

func configError(t *testing.T, err error) *types.Error {
	t.Helper()
	var mErr *types.Error
	if !errors.As(err, &mErr) {
		t.Fatalf("expected *types.Error, got %v", err)
	}
	if mErr.Kind != types.KindConfiguration {
		t.Fatalf("expected configuration error, got %s", mErr.Kind)
	}
	return mErr
}

func TestValidateDuplicateParameters(t *testing.T) {
	mapping := map[string]Entry{
		"00001": {Parameter: "X"},
		"40001": {Parameter: "X", Function: "decode_16bit_int"},
		"30001": {Parameter: "Y", Function: "decode_16bit_int"},
		"30002": {Parameter: "Y", Function: "decode_16bit_int"},
		"30003": {Parameter: "Z", Function: "decode_16bit_int"},
	}
	_, err := New(mapping, codec.Endianness{})
	mErr := configError(t, err)
	if !contains(mErr.Detail, "duplicate parameter 'X, Y'") {
		t.Errorf("detail %q does not list both duplicates", mErr.Detail)
	}
	if mErr.Status != 422 {
		t.Errorf("status %d", mErr.Status)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mapping map[string]Entry
		want    string
	}{
		{"bad token", map[string]Entry{"50001": {Parameter: "a"}}, "wrong register"},
		{"missing parameter", map[string]Entry{"40001": {Function: "decode_16bit_int"}}, "parameter missing"},
		{"missing function", map[string]Entry{"40001": {Parameter: "a"}}, "function not provided"},
		{"unknown function", map[string]Entry{"30001": {Parameter: "a", Function: "decode_3bit_int"}}, "not defined"},
		{"coil function", map[string]Entry{"00001": {Parameter: "a", Function: "decode_16bit_int"}}, "not permitted"},
		{"min on string", map[string]Entry{"40001/40004": {Parameter: "a", Function: "decode_string", Min: ptr(0.0)}}, "min or max"},
		{"max on bits", map[string]Entry{"40001": {Parameter: "a", Function: "decode_bits", Max: ptr(1.0), Map: ValueMap{{"0b00000001", "x"}}}}, "min or max"},
		{"bad bit key", map[string]Entry{"40001": {Parameter: "a", Function: "decode_bits", Map: ValueMap{{"0b00000011", "x"}}}}, "binary string"},
		{"bits without map", map[string]Entry{"40001": {Parameter: "a", Function: "decode_bits"}}, "lacks bit map"},
		{"map on string", map[string]Entry{"40001": {Parameter: "a", Function: "decode_string", Map: ValueMap{{"1", "x"}}}}, "map not permitted"},
		{"zero multiplier", map[string]Entry{"40001": {Parameter: "a", Function: "decode_16bit_int", Multiplier: ptr(0.0)}}, "multiplier"},
		{"min above max", map[string]Entry{"40001": {Parameter: "a", Function: "decode_16bit_int", Min: ptr(5.0), Max: ptr(1.0)}}, "min exceeds max"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			mErr := configError(t, Validate(tt.mapping))
			if !contains(mErr.Detail, tt.want) {
				t.Errorf("detail %q does not contain %q", mErr.Detail, tt.want)
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	mapping := map[string]Entry{
		"00001":       {Parameter: "Pump", Map: ValueMap{{"0b00000001", "PumpOn"}}},
		"10001":       {Parameter: "Door"},
		"30001/30004": {Parameter: "Serial", Function: "decode_string"},
		"30005":       {Parameter: "Temp", Function: "decode_32bit_float", Min: ptr(-40.0), Max: ptr(125.0)},
		"40001/1":     {Parameter: "Mode", Function: "decode_8bit_uint", Map: ValueMap{{"0", "off"}, {"1", "on"}}},
		"40001/2":     {Parameter: "Level", Function: "decode_8bit_uint"},
		"40002":       {Parameter: "Flags", Function: "decode_bits", Map: ValueMap{{"0b00000001", "a"}, {"0b00000010", "b"}}},
	}
	s, err := New(mapping, codec.Endianness{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := s.Tokens(types.RegisterTypeHoldingRegister)
	want := []string{"40001/1", "40001/2", "40002"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("holding tokens %v, want %v", got, want)
	}
	if token, _, ok := s.Find("Serial"); !ok || token != "30001/30004" {
		t.Errorf("Find(Serial) = %q, %v", token, ok)
	}
	if dt := s.Datatype("10001"); dt != types.DatatypeBoolean {
		t.Errorf("discrete input datatype %s", dt)
	}
	if dt := s.Datatype("30005"); dt != types.DatatypeFloat {
		t.Errorf("float datatype %s", dt)
	}
}
