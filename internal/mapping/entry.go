package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is the declarative description of one address token.
type Entry struct {
	Parameter    string   `json:"parameter" yaml:"parameter"`
	Function     string   `json:"function,omitempty" yaml:"function,omitempty"`
	Map          ValueMap `json:"map,omitempty" yaml:"map,omitempty"`
	Multiplier   *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Offset       *float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	Min          *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Alias        string   `json:"alias,omitempty" yaml:"alias,omitempty"`
	Unit         string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	IsTag        *bool    `json:"isTag,omitempty" yaml:"isTag,omitempty"`
	DefaultValue any      `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// Scale returns multiplier and offset with their defaults applied.
func (e Entry) Scale() (multiplier, offset float64) {
	multiplier, offset = 1, 0
	if e.Multiplier != nil {
		multiplier = *e.Multiplier
	}
	if e.Offset != nil {
		offset = *e.Offset
	}
	return multiplier, offset
}

// FractionalScale reports whether scaling turns an integer into a float.
func (e Entry) FractionalScale() bool {
	m, o := e.Scale()
	return m != math.Trunc(m) || o != math.Trunc(o)
}

// MapItem is one key/description pair of a value map.
type MapItem struct {
	Key   string
	Value string
}

// ValueMap keeps map entries in declaration order; bit-decoded records are
// emitted in that order.
type ValueMap []MapItem

func (m ValueMap) Lookup(key string) (string, bool) {
	for _, item := range m {
		if item.Key == key {
			return item.Value, true
		}
	}
	return "", false
}

func (m ValueMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(item.Key)
		v, _ := json.Marshal(item.Value)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *ValueMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("map must be an object")
	}
	items := ValueMap{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		items = append(items, MapItem{Key: keyTok.(string), Value: scalarString(raw)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = items
	return nil
}

func (m *ValueMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: map must be a mapping", node.Line)
	}
	items := make(ValueMap, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		items = append(items, MapItem{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	*m = items
	return nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// BitIndex returns the position of the single set bit in a binary string
// key such as "0b00000100", counted from the least significant digit.
func BitIndex(key string) (int, error) {
	digits, ok := strings.CutPrefix(key, "0b")
	if !ok || len(digits) != 8 || strings.Count(digits, "1") != 1 || strings.Trim(digits, "01") != "" {
		return 0, fmt.Errorf("binary string error in map key '%s'", key)
	}
	return len(digits) - 1 - strings.IndexByte(digits, '1'), nil
}
