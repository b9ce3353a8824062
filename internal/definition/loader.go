// Package definition loads sequence definition YAML files, validates them,
// and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/sequencer/model"
)

// Loader scans directories for sequence definition files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a SequenceDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.SequenceDefinition, error) {
	var defs []model.SequenceDefinition

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

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single sequence definition file. Unknown
// fields are rejected so a misspelled step attribute fails loudly.
func (l *Loader) LoadFile(path string) (model.SequenceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.SequenceDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return model.SequenceDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path

	return def, nil
}

// Parse decodes one definition document and stamps its checksum.
func Parse(data []byte) (model.SequenceDefinition, error) {
	var def model.SequenceDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return model.SequenceDefinition{}, errors.New("empty document")
		}
		return model.SequenceDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
