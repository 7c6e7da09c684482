package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file, resolves $include directives, expands
// environment variables, applies defaults, and validates the result.
// YAML is the primary format; .json/.json5 files are accepted too.
func Load(path string) (*Config, error) {
	loader := &fileLoader{visiting: map[string]bool{}}
	raw, err := loader.load(path)
	if err != nil {
		return nil, err
	}

	// Re-encode the merged document and decode strictly into the
	// typed config so unknown keys surface as errors.
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable configuration without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// fileLoader resolves one config file and its $include chain, guarding
// against cycles through the visiting set.
type fileLoader struct {
	visiting map[string]bool
}

func (l *fileLoader) load(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.visiting[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	l.visiting[absPath] = true
	defer delete(l.visiting, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	// Expand environment variables, leaving the $include key intact.
	expanded := os.Expand(string(data), func(key string) string {
		if key == "include" {
			return "$include"
		}
		return os.Getenv(key)
	})
	doc, err := decodeDocument(expanded, absPath)
	if err != nil {
		return nil, err
	}

	// Includes merge in listed order; the including file wins on
	// conflicting keys.
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	merged := map[string]any{}
	for _, include := range includes {
		if !filepath.IsAbs(include) {
			include = filepath.Join(filepath.Dir(absPath), include)
		}
		incDoc, err := l.load(include)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, incDoc)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// decodeDocument parses one file body by extension: JSON5 for .json
// and .json5, single-document YAML otherwise.
func decodeDocument(body, pathHint string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(body), &doc); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(strings.NewReader(body))
		if err := decoder.Decode(&doc); err != nil && err != io.EOF {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("failed to parse config: expected single document")
		}
	}
	return doc, nil
}

// takeIncludes removes and returns the $include (or include) entry,
// normalized to a path list.
func takeIncludes(doc map[string]any) ([]string, error) {
	var value any
	for _, key := range []string{"$include", "include"} {
		if v, ok := doc[key]; ok {
			value = v
			delete(doc, key)
			break
		}
	}

	var paths []string
	switch typed := value.(type) {
	case nil:
	case string:
		paths = []string{typed}
	case []any:
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}

	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// deepMerge copies src into dst, descending into nested maps so an
// including file can override a single nested key.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}
