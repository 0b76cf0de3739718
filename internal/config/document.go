// Package config loads definition documents: stream schemas and
// compiled query plans in structural YAML form, validated against an
// embedded CUE schema before decoding. The textual query language
// itself lives outside this runtime; these documents are the shape its
// compiler would hand over.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Document is one definition file: the declared streams and the
// queries over them.
type Document struct {
	Streams []StreamDoc `yaml:"streams"`
	Queries []QueryDoc  `yaml:"queries,omitempty"`
}

// StreamDoc declares a stream schema.
type StreamDoc struct {
	Name       string    `yaml:"name"`
	Attributes []AttrDoc `yaml:"attributes"`
}

// AttrDoc is one typed attribute slot.
type AttrDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// QueryDoc declares one query: per-stream stage prefixes and an
// optional pattern. A query without elements is window-only.
type QueryDoc struct {
	ID       string       `yaml:"id"`
	Mode     string       `yaml:"mode,omitempty"`
	Within   string       `yaml:"within,omitempty"`
	Inputs   []InputDoc   `yaml:"inputs,omitempty"`
	Elements []ElementDoc `yaml:"elements,omitempty"`
	Output   *OutputDoc   `yaml:"output,omitempty"`
}

// InputDoc configures the stage prefix for one input stream.
type InputDoc struct {
	Stream  string      `yaml:"stream"`
	Filter  string      `yaml:"filter,omitempty"`
	Windows []WindowDoc `yaml:"windows,omitempty"`
}

// WindowDoc configures one window stage.
type WindowDoc struct {
	Kind     string `yaml:"kind"`
	Size     int    `yaml:"size,omitempty"`
	Duration string `yaml:"duration,omitempty"`
}

// ElementDoc is one pattern element.
type ElementDoc struct {
	Var        string `yaml:"var"`
	Stream     string `yaml:"stream"`
	Where      string `yaml:"where"`
	Quantifier string `yaml:"quantifier,omitempty"`
	Negated    bool   `yaml:"negated,omitempty"`
	Every      bool   `yaml:"every,omitempty"`
}

// OutputDoc is the projection of a completed match.
type OutputDoc struct {
	Stream string     `yaml:"stream"`
	Fields []FieldDoc `yaml:"fields"`
}

// FieldDoc maps an output attribute to a step variable's attribute,
// written "var.attr" in From.
type FieldDoc struct {
	As   string `yaml:"as"`
	From string `yaml:"from"`
}

// Load reads, CUE-validates, and decodes a definition file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return Parse(filepath.Base(path), data)
}

// Parse validates and decodes definition bytes.
func Parse(filename string, data []byte) (*Document, error) {
	if err := Validate(filename, data); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return &doc, nil
}
