package mapping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

var tokenPattern = regexp.MustCompile(`^[0134][0-9]{4}(/([12]|[0134][0-9]{4}))?$`)

// Address is the resolved form of an address token.
type Address struct {
	Start        uint16
	Width        int // number of registers or bits
	ByteCount    int
	BytePosition int // 1: major byte, 2: minor byte
}

// Token is a parsed address token such as "40001", "40001/2" or "30010/30013".
type Token struct {
	Raw   string
	Class types.RegisterType
	Start int
	End   int // equal to Start unless the token spans registers
	Byte  int // 0 unless suffixed /1 or /2
}

// ParseToken checks the token grammar. Spans must stay in one class and
// must not run backwards.
func ParseToken(raw string) (Token, error) {
	if !tokenPattern.MatchString(raw) {
		return Token{}, fmt.Errorf("wrong register in mapping: %s", raw)
	}
	class, _ := types.RegisterTypeFromPrefix(raw[0])
	head, tail, hasTail := strings.Cut(raw, "/")
	start, _ := strconv.Atoi(head[1:])
	tok := Token{Raw: raw, Class: class, Start: start, End: start}
	if !hasTail {
		return tok, nil
	}
	if tail == "1" || tail == "2" {
		tok.Byte, _ = strconv.Atoi(tail)
		return tok, nil
	}
	if tail[0] != head[0] {
		return Token{}, fmt.Errorf("wrong register in mapping: %s: span crosses register classes", raw)
	}
	end, _ := strconv.Atoi(tail[1:])
	if end < start {
		return Token{}, fmt.Errorf("wrong register in mapping: %s: span is descending", raw)
	}
	tok.End = end
	return tok, nil
}

// Resolve derives start, width and byte layout of a token. A function whose
// primitive has a fixed width overrides the width taken from the token.
func Resolve(raw string, entry Entry) (Address, error) {
	tok, err := ParseToken(raw)
	if err != nil {
		return Address{}, err
	}
	addr := Address{
		Start:        uint16(tok.Start),
		Width:        tok.End - tok.Start + 1,
		ByteCount:    (tok.End - tok.Start + 1) * 2,
		BytePosition: 1,
	}
	if tok.Byte != 0 {
		addr.ByteCount = 1
		addr.BytePosition = tok.Byte
	}
	if entry.Function != "" {
		p, ok := codec.Lookup(entry.Function)
		if !ok {
			return Address{}, fmt.Errorf("decoding function '%s' not defined for parameter '%s'", entry.Function, entry.Parameter)
		}
		if p.Supersedes() {
			addr.Width = p.Width()
			addr.ByteCount = p.ByteCount()
		}
	}
	return addr, nil
}
