// Package mapping turns a declarative register mapping into a validated,
// immutable schema partitioned by register class.
package mapping

import (
	"sort"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

// Document is the on-disk shape of a device mapping file.
type Document struct {
	Endianness EndiannessConfig `json:"endianness,omitempty" yaml:"endianness,omitempty"`
	Mapping    map[string]Entry `json:"mapping" yaml:"mapping"`
}

type EndiannessConfig struct {
	ByteOrder string `json:"byteorder,omitempty" yaml:"byteorder,omitempty"`
	WordOrder string `json:"wordorder,omitempty" yaml:"wordorder,omitempty"`
}

func (c EndiannessConfig) Parse() (codec.Endianness, error) {
	byteOrder, err := codec.ParseOrder(c.ByteOrder)
	if err != nil {
		return codec.Endianness{}, err
	}
	wordOrder, err := codec.ParseOrder(c.WordOrder)
	if err != nil {
		return codec.Endianness{}, err
	}
	return codec.Endianness{ByteOrder: byteOrder, WordOrder: wordOrder}, nil
}

// Schema builds the validated schema of the document.
func (d Document) Schema() (*Schema, error) {
	endianness, err := d.Endianness.Parse()
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "endianness: %v", err)
	}
	return New(d.Mapping, endianness)
}

// Schema is the validated AddressToken -> Entry mapping of one device. It is
// immutable after construction.
type Schema struct {
	endianness codec.Endianness
	entries    map[string]Entry
	classes    map[types.RegisterType][]string
}

// New validates mapping and partitions it by register class, each class in
// ascending address order.
func New(mapping map[string]Entry, endianness codec.Endianness) (*Schema, error) {
	if err := Validate(mapping); err != nil {
		return nil, err
	}
	s := &Schema{
		endianness: endianness,
		entries:    make(map[string]Entry, len(mapping)),
		classes:    make(map[types.RegisterType][]string, len(types.RegisterTypes)),
	}
	for token, entry := range mapping {
		s.entries[token] = entry
		class, _ := types.RegisterTypeFromPrefix(token[0])
		s.classes[class] = append(s.classes[class], token)
	}
	for _, tokens := range s.classes {
		sort.Strings(tokens)
	}
	return s, nil
}

func (s *Schema) Endianness() codec.Endianness { return s.endianness }

func (s *Schema) Len() int { return len(s.entries) }

// Tokens returns the address tokens of one class in ascending order.
func (s *Schema) Tokens(class types.RegisterType) []string {
	return s.classes[class]
}

func (s *Schema) Entry(token string) (Entry, bool) {
	e, ok := s.entries[token]
	return e, ok
}

// Find returns the token mapped to parameter.
func (s *Schema) Find(parameter string) (string, Entry, bool) {
	for token, entry := range s.entries {
		if entry.Parameter == parameter {
			return token, entry, true
		}
	}
	return "", Entry{}, false
}

// Datatype of the values decoded for token.
func (s *Schema) Datatype(token string) types.Datatype {
	return datatypeOf(token, s.entries[token])
}

func datatypeOf(token string, entry Entry) types.Datatype {
	if classOf(token).IsBit() || entry.Function == "" {
		return types.DatatypeBoolean
	}
	p, ok := codec.Lookup(entry.Function)
	if !ok {
		return ""
	}
	return p.Datatype()
}

func classOf(token string) types.RegisterType {
	class, _ := types.RegisterTypeFromPrefix(token[0])
	return class
}
