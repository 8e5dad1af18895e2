package field

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Result is the outcome of normalizing a batch of raw fields.
type Result struct {
	Fields []core.FieldDescriptor
	// Edges are the dependency edges of every computed or link field.
	// IDs and timestamps are assigned by the store.
	Edges []core.ReferenceEdge
	// Demoted lists the ids of fields that fell back to plain text
	Demoted []string
}

// NormalizeAll classifies a batch of raw fields against each other and
// against already known fields.
//
// The kind map starts from every raw field's declared kind. A field demoted
// during a pass changes the map (a demoted rollup no longer blocks a formula
// that reads it), so passes repeat until no kind changes.
func NormalizeAll(raws []RawField, existing map[string]core.FieldKind) Result {
	known := make(map[string]core.FieldKind, len(existing)+len(raws))
	for id, kind := range existing {
		known[id] = kind
	}
	for _, raw := range raws {
		known[raw.ID] = raw.DeclaredKind()
	}

	descs := make([]core.FieldDescriptor, len(raws))
	for pass := 0; pass <= len(raws); pass++ {
		changed := false
		for i, raw := range raws {
			descs[i] = Normalize(raw, known)
			if known[raw.ID] != descs[i].Kind {
				known[raw.ID] = descs[i].Kind
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	res := Result{Fields: descs}
	for _, desc := range descs {
		if desc.Demoted {
			res.Demoted = append(res.Demoted, desc.ID)
		}
		for _, dep := range Dependencies(desc) {
			res.Edges = append(res.Edges, core.ReferenceEdge{FromFieldID: dep, ToFieldID: desc.ID})
		}
	}
	return res
}

type fieldFile struct {
	Fields []RawField `yaml:"fields"`
}

// LoadRawFields reads raw field definitions from YAML. The document is
// either a list of fields or a mapping with a "fields" key.
func LoadRawFields(r io.Reader) ([]RawField, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read field definitions: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var raws []RawField
	switch node.Content[0].Kind {
	case yaml.SequenceNode:
		if err := node.Content[0].Decode(&raws); err != nil {
			return nil, fmt.Errorf("failed to parse field definitions: %w", err)
		}
	case yaml.MappingNode:
		var file fieldFile
		if err := node.Content[0].Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to parse field definitions: %w", err)
		}
		raws = file.Fields
	default:
		return nil, fmt.Errorf("field definitions must be a list or a mapping with a fields key")
	}

	for i, raw := range raws {
		if raw.ID == "" || raw.TableID == "" {
			return nil, fmt.Errorf("field definition %d: id and tableId are required", i)
		}
	}
	return raws, nil
}
