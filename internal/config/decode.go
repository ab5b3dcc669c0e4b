package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// targets maps each top-level key to the field it decodes into.
func (c *Config) targets() map[string]any {
	return map[string]any{
		"logging":     &c.Logging,
		"storage":     &c.Storage,
		"vault":       &c.Vault,
		"remote":      &c.Remote,
		"sessions":    &c.Sessions,
		"scheduler":   &c.Scheduler,
		"task_engine": &c.TaskEngine,
		"quota":       &c.Quota,
		"notify":      &c.Notify,
		"ops":         &c.Ops,
	}
}

// decode splits the document into sections and decodes each one strictly,
// so a typo is reported as "vault: json: unknown field ..." rather than
// against the whole file. Every bad section is reported, not only the first.
func decode(path string, b []byte) (*Config, error) {
	var (
		raw map[string]json.RawMessage
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yamlSections(b)
	default:
		raw, err = jsonSections(b)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	sort.Strings(names)

	var cfg Config
	dst := cfg.targets()
	var errs []error
	for _, name := range names {
		target, ok := dst[name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown section %q", name))
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw[name]))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s: invalid config: %w", path, errors.Join(errs...))
	}
	return &cfg, nil
}

func jsonSections(b []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("trailing data after config object")
		}
		return nil, err
	}
	return raw, nil
}

// yamlSections decodes a single YAML document and re-encodes each section as
// JSON, so both formats share one strict decoder.
func yamlSections(b []byte) (map[string]json.RawMessage, error) {
	var doc map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("yaml: more than one document")
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}

	out := make(map[string]json.RawMessage, len(doc))
	for name, v := range doc {
		j, err := json.Marshal(stringKeys(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = j
	}
	return out, nil
}

// stringKeys rewrites non-string map keys (e.g. numeric option names) so the
// value can be marshaled as JSON.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	}
	return in
}
