package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists the dotenv-style files read before config load,
// most specific first.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("KAFPANEL_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "kafpanel", "env"),
			filepath.Join(home, ".kafpanel", "env"),
			filepath.Join(home, ".kafpanel", ".env"),
		)
	}
	return out
}

// LoadEnvFileCandidates applies every env file that exists and returns the
// paths it read. Variables already set in the process win.
func LoadEnvFileCandidates() []string {
	var loaded []string
	seen := make(map[string]bool)
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		n, err := loadEnvFile(p)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Env file unreadable", "path", p, "error", err)
			}
			continue
		}
		slog.Debug("Env file applied", "path", p, "vars", n)
		loaded = append(loaded, p)
	}
	return loaded
}

// loadEnvFile sets the variables of one file and reports how many it set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, err
		}
		set++
	}
	return set, sc.Err()
}

// parseEnvLine accepts KEY=value with an optional "export " prefix.
// Blank lines, comments and lines without a key are skipped.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if unq := trimOptionalQuotes(val); unq != val {
		return key, unq, true
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return key, val, true
}

func trimOptionalQuotes(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
