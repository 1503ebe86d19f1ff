// Package notes loads edit requests for a rewrite from YAML or JSON files.
package notes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// File is a decoded notes file.
//
//	selective: true
//	protected: [Mara, the Gull]
//	notes:
//	  - Tighten the prose
//	  - text: Rename the ship to Gull
//	    units: [2]
type File struct {
	Notes     []types.Note
	Protected []string
	// Selective asks for a scope plan instead of rewriting every unit
	Selective bool
}

type fileDoc struct {
	Notes     []noteEntry `yaml:"notes" json:"notes"`
	Protected []string    `yaml:"protected" json:"protected"`
	Selective bool        `yaml:"selective" json:"selective"`
}

// noteEntry accepts either a bare string or a full note mapping
type noteEntry types.Note

func (n *noteEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n.Text = node.Value
		return nil
	}
	var note types.Note
	if err := node.Decode(&note); err != nil {
		return err
	}
	*n = noteEntry(note)
	return nil
}

func (n *noteEntry) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		n.Text = text
		return nil
	}
	var note types.Note
	if err := json.Unmarshal(data, &note); err != nil {
		return err
	}
	*n = noteEntry(note)
	return nil
}

// Parse decodes a notes document. JSON documents use the JSON field names of types.Note.
func Parse(data []byte, isJSON bool) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("notes: payload is empty")
	}

	var doc fileDoc
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("notes: decode JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("notes: decode YAML: %w", err)
	}
	return doc.normalize()
}

// LoadReader reads a YAML notes document from r
func LoadReader(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("notes: read: %w", err)
	}
	return Parse(data, false)
}

// LoadFile loads a notes file. A .json extension selects JSON decoding; anything else is YAML.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notes: read %s: %w", path, err)
	}
	file, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("notes: %s: %w", path, err)
	}
	return file, nil
}

func (d fileDoc) normalize() (*File, error) {
	file := &File{Selective: d.Selective}
	for i, entry := range d.Notes {
		note := types.Note(entry)
		note.Text = strings.TrimSpace(note.Text)
		if note.Text == "" {
			return nil, fmt.Errorf("note %d has no text", i+1)
		}
		for _, unit := range note.UnitNumbers {
			if unit < 1 {
				return nil, fmt.Errorf("note %d names unit %d; units are numbered from 1", i+1, unit)
			}
		}
		if len(note.UnitNumbers) > 0 {
			note.UnitNumbers = slices.Compact(slices.Sorted(slices.Values(note.UnitNumbers)))
		}
		if note.ID == "" {
			note.ID = fmt.Sprintf("n%d", i+1)
		}
		file.Notes = append(file.Notes, note)
	}
	if len(file.Notes) == 0 {
		return nil, fmt.Errorf("no notes")
	}

	seen := map[string]bool{}
	for _, item := range d.Protected {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		file.Protected = append(file.Protected, item)
	}
	return file, nil
}
