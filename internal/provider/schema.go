package provider

import (
	"strings"
)

// Field types a schema may declare. password and textarea are presentation
// variants the management UI uses; they validate as strings.
const (
	FieldString  = "string"
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldList    = "list"
	FieldMap     = "map"
)

type Field struct {
	Key      string
	Type     string
	Required bool
}

// Schema declares the config shape for one provider. Keys may be dotted
// paths into the config blob (creds.app_id).
type Schema struct {
	Fields []Field
}

func normalizeFieldType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "str", "string", "password", "textarea":
		return FieldString
	case "int", "number":
		return FieldNumber
	case "bool", "boolean":
		return FieldBoolean
	case "list":
		return FieldList
	case "map", "json":
		return FieldMap
	default:
		return FieldString
	}
}

// validate checks cfg against the schema and returns structured problem
// codes: MISSING:<field>, EMPTY:<field>, TYPE:<field>. An absent optional
// field is fine; an empty required list is fine (empty list is not missing);
// an empty optional string is fine.
func (s Schema) validate(cfg map[string]any) []string {
	var problems []string
	for _, field := range s.Fields {
		value, present := lookupPath(cfg, field.Key)
		if !present || value == nil {
			if field.Required {
				problems = append(problems, "MISSING:"+field.Key)
			}
			continue
		}
		switch normalizeFieldType(field.Type) {
		case FieldString:
			text, ok := value.(string)
			if !ok {
				problems = append(problems, "TYPE:"+field.Key)
			} else if field.Required && strings.TrimSpace(text) == "" {
				problems = append(problems, "EMPTY:"+field.Key)
			}
		case FieldNumber:
			if !isNumeric(value) {
				problems = append(problems, "TYPE:"+field.Key)
			}
		case FieldBoolean:
			if _, ok := value.(bool); !ok {
				problems = append(problems, "TYPE:"+field.Key)
			}
		case FieldList:
			if !isList(value) {
				problems = append(problems, "TYPE:"+field.Key)
			}
		case FieldMap:
			nested, ok := value.(map[string]any)
			if !ok {
				problems = append(problems, "TYPE:"+field.Key)
			} else if field.Required && len(nested) == 0 {
				problems = append(problems, "EMPTY:"+field.Key)
			}
		}
	}
	return problems
}

func lookupPath(cfg map[string]any, path string) (any, bool) {
	current := any(cfg)
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func isList(value any) bool {
	switch value.(type) {
	case []any, []string:
		return true
	default:
		return false
	}
}
