package config

import (
	"os"
	"path/filepath"
	"testing"
)

// isolate points HOME and KAFPANEL_HOME at a temp dir and clears the
// variables Load consults.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KAFPANEL_HOME", home)
	for _, key := range []string{"KAFPANEL_CONFIG", "KAFPANEL_ENV_FILE", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	return home
}

func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestSaveAndEnsureDir(t *testing.T) {
	home := isolate(t)

	cfg := DefaultConfig()
	cfg.Gateway.Port = 19001
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(home, ".kafpanel", "config.json") {
		t.Fatalf("unexpected config path %q", path)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gateway.Port != 19001 {
		t.Fatalf("round-tripped port = %d", loaded.Gateway.Port)
	}

	newDir := filepath.Join(home, "nested", "dir")
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("expected created directory, err=%v", err)
	}
}

func TestConfigPathRespectsKafpanelConfigAndHome(t *testing.T) {
	isolate(t)
	t.Setenv("KAFPANEL_HOME", "/srv/panelhome")
	t.Setenv("KAFPANEL_CONFIG", "~/.kafpanel/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/panelhome", ".kafpanel", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway":`)
	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	home := isolate(t)
	envDir := filepath.Join(home, ".config", "kafpanel")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir env dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("KAFPANEL_GATEWAY_PORT=19999\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KAFPANEL_GATEWAY_PORT", "")
	_ = os.Unsetenv("KAFPANEL_GATEWAY_PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.Port != 19999 {
		t.Fatalf("expected gateway port from env file, got %d", cfg.Gateway.Port)
	}
}

func TestLoadResolvesIncludesAndEnvTokens(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "base.json"), []byte(`{"panel":{"maxRounds":7,"mode":"debate"},"gateway":{"port":19100}}`), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	t.Setenv("KP_TEST_TOKEN", "tok-123")
	writeConfig(t, home, `{"$include":"base.json","gateway":{"authToken":"${KP_TEST_TOKEN}"},"panel":{"maxRounds":5}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Panel.MaxRounds != 5 || cfg.Panel.Mode != "debate" {
		t.Fatalf("panel = %+v", cfg.Panel)
	}
	if cfg.Gateway.Port != 19100 || cfg.Gateway.AuthToken != "tok-123" {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"$include":"config.json"}`), 0o600); err != nil {
		t.Fatalf("write a: %v", err)
	}
	writeConfig(t, home, `{"$include":["a.json"]}`)
	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestExpandEnvLeavesUnknownToken(t *testing.T) {
	t.Setenv("KP_NOT_SET_VAR", "")
	_ = os.Unsetenv("KP_NOT_SET_VAR")
	out := expandEnv(map[string]any{"value": "${KP_NOT_SET_VAR}"}).(map[string]any)
	if out["value"] != "${KP_NOT_SET_VAR}" {
		t.Fatalf("expected unknown env token unchanged, got %v", out["value"])
	}
}

func TestIncludeListRejectsNonStrings(t *testing.T) {
	if _, err := includeList([]any{"a.json", 3}); err == nil {
		t.Fatal("expected error for numeric include entry")
	}
	if _, err := includeList(42); err == nil {
		t.Fatal("expected error for numeric include")
	}
	got, err := includeList([]any{"a.json", " "})
	if err != nil || len(got) != 1 {
		t.Fatalf("includeList = %v, %v", got, err)
	}
}
