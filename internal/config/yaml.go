package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON returns the config document as JSON. YAML files are decoded and
// re-encoded so both formats go through the same strict decoder.
func toJSON(name string, data []byte) ([]byte, error) {
	if !isYAML(name) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	v, err := jsonable("", doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return json.Marshal(v)
}

// jsonable rewrites YAML maps into string-keyed maps. Keys must be scalars.
func jsonable(path string, in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := jsonable(joinPath(path, k), v)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			switch k.(type) {
			case map[string]any, map[any]any, []any:
				return nil, fmt.Errorf("%s: map keys must be scalars", path)
			}
			key := fmt.Sprint(k)
			nv, err := jsonable(joinPath(path, key), v)
			if err != nil {
				return nil, err
			}
			m[key] = nv
		}
		return m, nil
	case []any:
		for i := range x {
			nv, err := jsonable(fmt.Sprintf("%s[%d]", path, i), x[i])
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
