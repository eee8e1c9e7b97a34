package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// envRefRE matches ${NAME} references. A bare $NAME is left alone so system
// prompts and reply templates can still contain dollar signs.
var envRefRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// sourceJSON turns a config file of either format into JSON bytes for the
// strict decoder, after expanding ${NAME} references in string values from
// lookup. Secrets such as llm.api_key or http.token can then live in the
// environment instead of the file.
func sourceJSON(path string, data []byte, lookup func(string) (string, bool)) ([]byte, string, error) {
	format := "json"
	var tree any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, format, fmt.Errorf("yaml config: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&tree); err != nil {
			return nil, format, fmt.Errorf("json config: %w", err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, format, fmt.Errorf("invalid config: trailing data")
		}
	}

	tree, err := expandTree("", tree, lookup)
	if err != nil {
		return nil, format, err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, format, fmt.Errorf("%s config: re-encode: %w", format, err)
	}
	return out, format, nil
}

// expandTree walks a decoded document. YAML may produce non-string map keys
// ("1: x"), which are stringified so the result encodes as JSON.
func expandTree(at string, in any, lookup func(string) (string, bool)) (any, error) {
	switch x := in.(type) {
	case string:
		return expandRefs(at, x, lookup)
	case map[string]any:
		out := make(map[string]any, len(x))
		for _, k := range sortedKeys(x) {
			v, err := expandTree(joinPath(at, k), x[k], lookup)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case map[any]any:
		flat := make(map[string]any, len(x))
		for k, v := range x {
			flat[fmt.Sprint(k)] = v
		}
		return expandTree(at, flat, lookup)
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			e, err := expandTree(fmt.Sprintf("%s[%d]", at, i), v, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	default:
		return in, nil
	}
}

func expandRefs(at, s string, lookup func(string) (string, bool)) (string, error) {
	var missing string
	out := envRefRE.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefRE.FindStringSubmatch(ref)[1]
		v, ok := lookup(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%s: environment variable %s is not set", at, missing)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}
