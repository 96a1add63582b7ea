package entity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chat"
)

// Definition is the two-part on-disk form of an entity: a YAML front matter
// block holding the Config, followed by the free-text body.
//
//	---
//	name: solver
//	description: Solves well-scoped tasks on request.
//	capabilities:
//	  - read_file
//	---
//	You are solver. Work through the task you are given step by step.
type Definition struct {
	Config Config
	Body   string
}

const frontMatterDelimiter = "---"

// ParseDefinition parses a definition file's contents.
func ParseDefinition(data []byte) (*Definition, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	rest, ok := strings.CutPrefix(text, frontMatterDelimiter+"\n")
	if !ok {
		return nil, fmt.Errorf("definition must start with a %q front matter block", frontMatterDelimiter)
	}
	front, body, ok := strings.Cut(rest, "\n"+frontMatterDelimiter)
	if !ok {
		return nil, fmt.Errorf("unterminated front matter block")
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(front), &cfg); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("definition has no name")
	}

	return &Definition{
		Config: cfg,
		Body:   strings.TrimSpace(strings.TrimPrefix(body, "\n")),
	}, nil
}

// LoadFile parses one definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// LoadDir scans a directory for *.md definition files, constructs an entity
// per definition and registers it. A malformed definition fails only itself:
// it lands in the report as a failure and the scan continues.
//
// Every constructed entity shares the given registry and completer; optFns
// apply to each entity (store, bus, observers, logger).
func LoadDir(dir string, registry *capability.Registry, completer chat.Completer, optFns ...func(o *Options)) ([]*Entity, *capability.LoadReport) {
	report := &capability.LoadReport{}
	var entities []*Entity

	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		report.Failures = append(report.Failures, capability.LoadFailure{Source: dir, Err: err})
		return nil, report
	}
	sort.Strings(paths)

	for _, path := range paths {
		def, err := LoadFile(path)
		if err != nil {
			report.Failures = append(report.Failures, capability.LoadFailure{Source: path, Err: err})
			continue
		}

		ent := New(def.Config, def.Body, registry, completer, optFns...)
		if err := registry.Register(ent); err != nil {
			report.Failures = append(report.Failures, capability.LoadFailure{Source: path, Err: err})
			continue
		}

		entities = append(entities, ent)
		report.Loaded = append(report.Loaded, ent.Name())
	}

	return entities, report
}
