package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// includeKey names the sibling files merged underneath a config object.
const includeKey = "$include"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolver flattens a config file and its includes into one JSON object.
// stack holds the files being resolved so a cycle is reported, not
// recursed into.
type resolver struct {
	stack []string
}

// readConfigFile returns the fully resolved JSON for path.
func readConfigFile(path string) ([]byte, error) {
	var r resolver
	obj, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func (r *resolver) resolve(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(r.stack, abs) {
		return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(r.stack, " -> "), abs)
	}
	r.stack = append(r.stack, abs)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	own := map[string]any{}
	if err := json.Unmarshal(data, &own); err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}
	if own == nil {
		own = map[string]any{}
	}

	out := map[string]any{}
	if spec, ok := own[includeKey]; ok {
		delete(own, includeKey)
		files, err := includeList(spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", abs, err)
		}
		for _, f := range files {
			if !filepath.IsAbs(f) {
				f = filepath.Join(filepath.Dir(abs), f)
			}
			base, err := r.resolve(f)
			if err != nil {
				return nil, err
			}
			mergeInto(out, base)
		}
	}
	mergeInto(out, expandEnv(own).(map[string]any))
	return out, nil
}

// includeList accepts a single path or a list of paths; blanks are ignored.
func includeList(v any) ([]string, error) {
	var items []any
	switch t := v.(type) {
	case string:
		items = []any{t}
	case []any:
		items = t
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}
	var out []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// mergeInto overlays src onto dst, recursing into objects present on both
// sides. Lists and scalars from src replace whatever dst holds.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		child, isObj := v.(map[string]any)
		if !isObj {
			dst[k] = v
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[k] = existing
		}
		mergeInto(existing, child)
	}
}

// expandEnv replaces ${VAR} in every string of v. Unset variables are left
// as written.
func expandEnv(v any) any {
	switch t := v.(type) {
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			if val, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
				return val
			}
			return ref
		})
	case map[string]any:
		for k, item := range t {
			t[k] = expandEnv(item)
		}
	case []any:
		for i, item := range t {
			t[i] = expandEnv(item)
		}
	}
	return v
}
