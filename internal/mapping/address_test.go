package mapping

import (
	"testing"

	"github.com/KevinKickass/RegisterMapper/internal/types"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		raw     string
		class   types.RegisterType
		start   int
		end     int
		byte    int
		wantErr bool
	}{
		{raw: "00005", class: types.RegisterTypeCoil, start: 5, end: 5},
		{raw: "10001", class: types.RegisterTypeDiscreteInput, start: 1, end: 1},
		{raw: "30010/30013", class: types.RegisterTypeInputRegister, start: 10, end: 13},
		{raw: "40001/2", class: types.RegisterTypeHoldingRegister, start: 1, end: 1, byte: 2},
		{raw: "40001/1", class: types.RegisterTypeHoldingRegister, start: 1, end: 1, byte: 1},
		{raw: "20001", wantErr: true},
		{raw: "4001", wantErr: true},
		{raw: "40001/3", wantErr: true},
		{raw: "40010/30012", wantErr: true},
		{raw: "40010/40009", wantErr: true},
		{raw: "40001/", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			tok, err := ParseToken(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tok.Class != tt.class || tok.Start != tt.start || tok.End != tt.end || tok.Byte != tt.byte {
				t.Errorf("got %+v", tok)
			}
		})
	}
}

func TestResolveWidthFromToken(t *testing.T) {
	for _, raw := range []string{"30001", "30001/30001", "30001/30004", "40100/40163"} {
		tok, _ := ParseToken(raw)
		addr, err := Resolve(raw, Entry{Parameter: "p", Function: "decode_string"})
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		wantWidth := tok.End - tok.Start + 1
		if addr.Width != wantWidth || addr.ByteCount != wantWidth*2 {
			t.Errorf("%s: width=%d bytes=%d want width=%d", raw, addr.Width, addr.ByteCount, wantWidth)
		}
		if int(addr.Start) != tok.Start || addr.BytePosition != 1 {
			t.Errorf("%s: got %+v", raw, addr)
		}
	}
}

func TestResolveBytePosition(t *testing.T) {
	for _, tt := range []struct {
		raw string
		pos int
	}{{"40007/1", 1}, {"40007/2", 2}} {
		addr, err := Resolve(tt.raw, Entry{Parameter: "p"})
		if err != nil {
			t.Fatal(err)
		}
		if addr.Width != 1 || addr.ByteCount != 1 || addr.BytePosition != tt.pos || addr.Start != 7 {
			t.Errorf("%s: got %+v", tt.raw, addr)
		}
	}
}

func TestResolveFunctionSupersedesWidth(t *testing.T) {
	tests := []struct {
		function  string
		width     int
		byteCount int
	}{
		{"decode_32bit_float", 2, 4},
		{"decode_64bit_uint", 4, 8},
		{"decode_16bit_int", 1, 2},
		{"decode_8bit_uint", 1, 1},
	}
	for _, tt := range tests {
		addr, err := Resolve("40001", Entry{Parameter: "p", Function: tt.function})
		if err != nil {
			t.Fatal(err)
		}
		if addr.Width != tt.width || addr.ByteCount != tt.byteCount {
			t.Errorf("%s: got width=%d bytes=%d", tt.function, addr.Width, addr.ByteCount)
		}
	}
}

func TestResolveUnknownFunction(t *testing.T) {
	_, err := Resolve("40001", Entry{Parameter: "Pressure", Function: "decode_24bit_int"})
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "Pressure"; !contains(err.Error(), want) {
		t.Errorf("error %q does not name %q", err, want)
	}
}

func TestBitIndex(t *testing.T) {
	for key, want := range map[string]int{"0b00000001": 0, "0b00000100": 2, "0b10000000": 7} {
		got, err := BitIndex(key)
		if err != nil || got != want {
			t.Errorf("BitIndex(%q) = %d, %v; want %d", key, got, err, want)
		}
	}
	for _, key := range []string{"0b00000011", "0b0001", "00000001", "0b0000000x", "0b00000000"} {
		if _, err := BitIndex(key); err == nil {
			t.Errorf("BitIndex(%q) accepted", key)
		}
	}
}
