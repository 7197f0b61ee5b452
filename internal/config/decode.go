package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

var errTrailingData = errors.New("trailing data after config document")

// decode accepts JSON or YAML. The format comes from the extension; files
// without one are sniffed. Both go through the same strict JSON decoder.
func decode(path string, b []byte) (*Config, error) {
	if isYAML(path, b) {
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		jb, err := json.Marshal(jsonable(doc))
		if err != nil {
			return nil, fmt.Errorf("yaml to json: %w", err)
		}
		b = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errTrailingData
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return &cfg, nil
}

func isYAML(path string, b []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) > 0 && trimmed[0] != '{'
}

// jsonable rewrites mappings with non-string keys (yaml allows `42: x`)
// into map[string]any so encoding/json accepts the tree.
func jsonable(v any) any {
	switch n := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, child := range n {
			out[fmt.Sprint(k)] = jsonable(child)
		}
		return out
	case map[string]any:
		for k, child := range n {
			n[k] = jsonable(child)
		}
	case []any:
		for i, child := range n {
			n[i] = jsonable(child)
		}
	}
	return v
}
