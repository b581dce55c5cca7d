package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type schemaFile struct {
	Name   string `yaml:"name"`
	Fields []struct {
		Key      string `yaml:"key"`
		Type     string `yaml:"type"`
		Required *bool  `yaml:"required"`
	} `yaml:"fields"`
}

// LoadSchemaFile parses one provider schema definition. The provider name
// comes from the name field, falling back to the file basename. Fields
// default to required, matching how operators write these files.
func LoadSchemaFile(path string) (string, Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", Schema{}, fmt.Errorf("read schema file: %w", err)
	}
	var parsed schemaFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return "", Schema{}, fmt.Errorf("parse schema file %s: %w", filepath.Base(path), err)
	}
	name := normalizeName(parsed.Name)
	if name == "" {
		name = normalizeName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	if name == "" {
		return "", Schema{}, fmt.Errorf("schema file %s has no provider name", filepath.Base(path))
	}
	schema := Schema{}
	for _, field := range parsed.Fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}
		required := true
		if field.Required != nil {
			required = *field.Required
		}
		schema.Fields = append(schema.Fields, Field{
			Key:      key,
			Type:     normalizeFieldType(field.Type),
			Required: required,
		})
	}
	return name, schema, nil
}

// LoadSchemaDir loads every .yaml/.yml schema definition in dir into the
// registry, overriding built-in schemas of the same name. A missing dir is
// not an error; deployments without operator overrides are common.
func (r *Registry) LoadSchemaDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isSchemaFile(entry.Name()) {
			continue
		}
		name, schema, err := LoadSchemaFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		r.ReloadSchema(name, schema)
		loaded++
	}
	return loaded, nil
}

func isSchemaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
