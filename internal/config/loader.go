package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// IncludeKey lists files merged underneath the file that names them.
const IncludeKey = "$include"

// LoadRaw reads a configuration file into one raw map. Files named by
// $include are merged first, in order, so the including file wins.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{}
	return l.load(path)
}

// rawLoader tracks the include chain for cycle reporting.
type rawLoader struct {
	chain []string
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range l.chain {
		if p == abs {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(l.chain, " -> "), abs)
		}
	}
	l.chain = append(l.chain, abs)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(expandEnv(string(data)), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	base := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(base, sub)
	}
	return overlay(base, doc), nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv substitutes ${NAME} and ${NAME:-fallback}. The fallback applies
// when NAME is unset or empty. A bare $NAME is not a reference.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

// decodeDocument parses one file by extension: .json and .json5 go through
// the JSON5 decoder, everything else is a single YAML document.
func decodeDocument(text, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(text), &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(text))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		var extra any
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, errors.New("config must be a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[IncludeKey]
	delete(doc, IncludeKey)
	if !ok || value == nil {
		return nil, nil
	}
	if single, ok := value.(string); ok {
		value = []any{single}
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a path or a list of paths", IncludeKey)
	}
	var paths []string
	for _, item := range list {
		p, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings, got %T", IncludeKey, item)
		}
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// overlay deep-merges top into base: nested maps merge key by key, any other
// value in top replaces the one in base.
func overlay(base, top map[string]any) map[string]any {
	for key, value := range top {
		sub, isMap := value.(map[string]any)
		existing, hasMap := base[key].(map[string]any)
		if isMap && hasMap {
			base[key] = overlay(existing, sub)
			continue
		}
		base[key] = value
	}
	return base
}

// decodeRawConfig round-trips the merged map through YAML so unknown keys are
// rejected against the typed Config.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
