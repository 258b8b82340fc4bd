package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a pipeline definition from path. Files ending in .yaml or .yml
// are decoded as YAML; everything else as JSON.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Decode(b, filepath.Ext(path))
	if err != nil {
		return Pipeline{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

// Decode parses a pipeline definition. ext selects the format the same way
// Load does (".yaml"/".yml" for YAML, anything else for JSON).
func Decode(b []byte, ext string) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, err
		}
	}
	normalize(&p)
	return p, nil
}

// normalize replaces nil option bags so call sites never nil-check.
func normalize(p *Pipeline) {
	for i := range p.Steps {
		if p.Steps[i].Options == nil {
			p.Steps[i].Options = Options{}
		}
	}
	if p.Variables == nil {
		p.Variables = map[string]string{}
	}
}
