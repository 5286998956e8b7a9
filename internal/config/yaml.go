package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat string

const (
	formatJSON fileFormat = "json"
	formatYAML fileFormat = "yaml"
)

// formatOf picks the decoder from the file extension. Files without an
// extension are read as JSON.
func formatOf(path string) (fileFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case "", ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return "", fmt.Errorf("config %s: unsupported format %q (want .json, .yaml or .yml)", path, ext)
	}
}

// configJSON returns the file body as JSON so every format is checked by the
// same strict decoder.
func configJSON(path string, data []byte) ([]byte, error) {
	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	if f == formatJSON {
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config %s (%s): %w", path, f, err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("config %s (%s): convert to json: %w", path, f, err)
	}
	return out, nil
}

// stringKeys rewrites nested maps so json.Marshal accepts them. YAML allows
// int and bool keys ("1: x", "yes: y").
func stringKeys(v any) any {
	switch n := v.(type) {
	case map[string]any:
		for k, child := range n {
			n[k] = stringKeys(child)
		}
		return n
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, child := range n {
			out[keyString(k)] = stringKeys(child)
		}
		return out
	case []any:
		for i, child := range n {
			n[i] = stringKeys(child)
		}
		return n
	}
	return v
}

func keyString(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(k)
}
