// Package cliconfig backs the "kafpanel config" and "kafpanel doctor"
// commands: dotted-path edits of the config file and setup checks.
package cliconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/KafPanel/internal/config"
)

// tree is a decoded JSON object addressed by dotted key paths.
type tree map[string]any

// Get returns the effective value at a dotted path such as "gateway.port",
// after env overlays and defaults.
func Get(path string) (any, error) {
	keys, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if v, ok := t.get(keys); ok {
		return v, nil
	}
	return nil, fmt.Errorf("path not found: %s", path)
}

// Set stores a value in the config file. raw is read as JSON when it parses
// and as a plain string otherwise. A value the config struct cannot hold is
// refused and the file is left untouched.
func Set(path, raw string) error {
	keys, err := parsePath(path)
	if err != nil {
		return err
	}
	t, file, err := loadFileConfigMap()
	if err != nil {
		return err
	}
	t.put(keys, parseValue(raw))
	if err := t.fitsConfig(); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return t.save(file)
}

// Unset deletes a value from the config file so its default applies again.
func Unset(path string) error {
	keys, err := parsePath(path)
	if err != nil {
		return err
	}
	t, file, err := loadFileConfigMap()
	if err != nil {
		return err
	}
	if !t.drop(keys) {
		return fmt.Errorf("path not found: %s", path)
	}
	return t.save(file)
}

func parsePath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("path is empty")
	}
	keys := strings.Split(path, ".")
	for i := range keys {
		keys[i] = strings.TrimSpace(keys[i])
		if keys[i] == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", path)
		}
	}
	return keys, nil
}

func parseValue(raw string) any {
	var v any
	if json.Unmarshal([]byte(raw), &v) != nil {
		return raw
	}
	return v
}

// walk returns the object holding the last key, creating intermediate
// objects when create is set.
func (t tree) walk(keys []string, create bool) (map[string]any, bool) {
	obj := map[string]any(t)
	for _, k := range keys[:len(keys)-1] {
		next, ok := obj[k].(map[string]any)
		if !ok {
			if !create {
				return nil, false
			}
			next = map[string]any{}
			obj[k] = next
		}
		obj = next
	}
	return obj, true
}

func (t tree) get(keys []string) (any, bool) {
	obj, ok := t.walk(keys, false)
	if !ok {
		return nil, false
	}
	v, ok := obj[keys[len(keys)-1]]
	return v, ok
}

func (t tree) put(keys []string, v any) {
	obj, _ := t.walk(keys, true)
	obj[keys[len(keys)-1]] = v
}

func (t tree) drop(keys []string) bool {
	obj, ok := t.walk(keys, false)
	if !ok {
		return false
	}
	last := keys[len(keys)-1]
	if _, ok := obj[last]; !ok {
		return false
	}
	delete(obj, last)
	return true
}

// fitsConfig decodes t into config.Config, rejecting unknown keys and
// mistyped values.
func (t tree) fitsConfig() error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg config.Config
	return dec.Decode(&cfg)
}

func (t tree) save(file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, append(raw, '\n'), 0o600)
}

// loadFileConfigMap reads the config file as written, without includes,
// env overlays or defaults. A missing file yields an empty tree.
func loadFileConfigMap() (tree, string, error) {
	file, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	raw, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return tree{}, file, nil
	}
	if err != nil {
		return nil, "", err
	}
	t := tree{}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", file, err)
	}
	if t == nil {
		t = tree{}
	}
	return t, file, nil
}
