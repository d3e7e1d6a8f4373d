package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "embed"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/mapping-v1.json
var mappingSchemaJSON string

var extensions = []string{".json", ".yaml", ".yml"}

type DocumentValidator struct {
	schema *jsonschema.Schema
}

func NewDocumentValidator() (*DocumentValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("mapping-v1.json",
		strings.NewReader(mappingSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("mapping-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &DocumentValidator{schema: schema}, nil
}

// ValidateJSON checks a mapping document against the embedded JSON schema:
// token grammar, allowed features and numeric min/max.
func (v *DocumentValidator) ValidateJSON(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ProfileLoader finds mapping files by name in a list of search paths and
// caches the validated schema.
type ProfileLoader struct {
	cache       sync.Map
	validator   *DocumentValidator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewDocumentValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load returns the schema of the named mapping file. A name that already
// carries an extension or a directory is used as given.
func (l *ProfileLoader) Load(name string) (*Schema, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Schema), nil
	}

	data, foundPath, err := l.find(name)
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "%v", err)
	}

	schema, err := l.Parse(data, filepath.Ext(foundPath))
	if err != nil {
		return nil, err
	}

	l.cache.Store(name, schema)

	return schema, nil
}

// Parse validates and decodes a mapping document in the format implied by ext.
func (l *ProfileLoader) Parse(data []byte, ext string) (*Schema, error) {
	var doc Document
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		jsonData, err := yamlToJSON(data)
		if err != nil {
			return nil, types.NewError(types.KindConfiguration, "invalid YAML: %v", err)
		}
		if err := l.validator.ValidateJSON(jsonData); err != nil {
			return nil, types.NewError(types.KindConfiguration, "%v", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, types.NewError(types.KindConfiguration, "failed to unmarshal mapping: %v", err)
		}
	default:
		if err := l.validator.ValidateJSON(data); err != nil {
			return nil, types.NewError(types.KindConfiguration, "%v", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, types.NewError(types.KindConfiguration, "failed to unmarshal mapping: %v", err)
		}
	}
	return doc.Schema()
}

func (l *ProfileLoader) find(name string) ([]byte, string, error) {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = candidates[:0]
		for _, ext := range extensions {
			candidates = append(candidates, name+ext)
		}
	}

	if filepath.IsAbs(name) {
		for _, c := range candidates {
			if data, err := os.ReadFile(c); err == nil {
				return data, c, nil
			}
		}
	}

	for _, searchPath := range l.searchPaths {
		for _, c := range candidates {
			fullPath := filepath.Join(searchPath, c)
			if data, err := os.ReadFile(fullPath); err == nil {
				return data, fullPath, nil
			}
		}
	}

	return nil, "", fmt.Errorf("mapping not found: %s (searched in: %v)", name, l.searchPaths)
}

// yamlToJSON re-encodes a YAML document as JSON, keeping every mapping key
// as its literal text so tokens like 00005 survive.
func yamlToJSON(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	v, err := nodeValue(&root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[n.Content[i].Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		s := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			s = append(s, v)
		}
		return s, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
