package config

import (
	"fmt"
	"path/filepath"
)

// MappingReference names a sub-pipeline embedded by a step. File takes
// precedence over Name when both are set.
type MappingReference struct {
	File string `json:"file" yaml:"file"`
	Name string `json:"name" yaml:"name"`
}

func (r MappingReference) String() string {
	if r.File != "" {
		return r.File
	}
	return r.Name
}

// Resolver loads the definition of a referenced sub-pipeline.
type Resolver interface {
	LoadPipelineDefinition(ref MappingReference) (Pipeline, error)
}

// FileResolver loads references from disk. Relative paths are resolved
// against BaseDir. A reference with only a Name is looked up as
// <BaseDir>/<Name>.json.
type FileResolver struct {
	BaseDir string
}

func (f FileResolver) LoadPipelineDefinition(ref MappingReference) (Pipeline, error) {
	path := ref.File
	if path == "" {
		if ref.Name == "" {
			return Pipeline{}, fmt.Errorf("resolve: empty pipeline reference")
		}
		path = ref.Name + ".json"
	}
	if !filepath.IsAbs(path) && f.BaseDir != "" {
		path = filepath.Join(f.BaseDir, path)
	}
	return Load(path)
}

// MapResolver serves definitions from memory, keyed by reference name or file.
type MapResolver map[string]Pipeline

func (m MapResolver) LoadPipelineDefinition(ref MappingReference) (Pipeline, error) {
	if p, ok := m[ref.File]; ok && ref.File != "" {
		return p, nil
	}
	if p, ok := m[ref.Name]; ok && ref.Name != "" {
		return p, nil
	}
	return Pipeline{}, fmt.Errorf("resolve: pipeline %q not found", ref)
}
