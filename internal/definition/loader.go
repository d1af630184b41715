// Package definition loads YAML workflow templates, validates them, and keeps
// every registered version in a registry with lock-free reads.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/officeflow/model"
)

// Source is a template parsed from a file together with its checksum.
type Source struct {
	Template   model.Template
	SourceFile string
	Checksum   string
}

// Loader scans directories for YAML template files.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a template.
func (l *Loader) LoadAll(directories []string) ([]Source, error) {
	var srcs []Source

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			src, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			srcs = append(srcs, src)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return srcs, nil
}

// LoadFile loads and parses a single YAML template file.
func (l *Loader) LoadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var tmpl model.Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Source{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return Source{
		Template:   tmpl,
		SourceFile: path,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
	}, nil
}
