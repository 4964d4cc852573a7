package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend reads and writes non-secret config keys.
type ConfigBackend interface {
	GetString(key string) (string, bool, error)
	GetInt(key string) (int, bool, error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

const systemConfigPath = "/etc/meirobo/config.yaml"

// ConfigFilePath resolves the config file: MEIROBO_CONFIG, then
// /etc/meirobo/config.yaml when present, then the user config dir.
func ConfigFilePath() string {
	if p := os.Getenv("MEIROBO_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "meirobo", "config.yaml")
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "meirobo")
}

func xdgDir(env, homeRel string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, homeRel)
	}
	return "."
}

// yamlBackend keeps dotted keys as nested YAML mappings, so
// "server.port" lives under server: {port: ...}.
type yamlBackend struct {
	path string
	root map[string]any
}

func newPlatformBackend() ConfigBackend {
	b, err := openYAMLBackend(ConfigFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return b
}

// openYAMLBackend always returns a usable backend; a broken file is
// reported and treated as empty.
func openYAMLBackend(path string) (*yamlBackend, error) {
	b := &yamlBackend{path: path, root: map[string]any{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return b, nil
		}
		return b, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &b.root); err != nil {
		b.root = map[string]any{}
		return b, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if b.root == nil {
		b.root = map[string]any{}
	}
	return b, nil
}

func (b *yamlBackend) lookup(key string) (any, bool) {
	var node any = b.root
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[part]; !ok {
			return nil, false
		}
	}
	return node, node != nil
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	switch v.(type) {
	case map[string]any, []any:
		return "", false, fmt.Errorf("%s is a section, not a value", key)
	}
	return fmt.Sprint(v), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func (b *yamlBackend) SetString(key, val string) error { return b.set(key, val) }
func (b *yamlBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *yamlBackend) Delete(key string) error {
	parts := strings.Split(key, ".")
	m := b.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return nil
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
	return b.save()
}

func (b *yamlBackend) set(key string, val any) error {
	parts := strings.Split(key, ".")
	m := b.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
	return b.save()
}

func (b *yamlBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.root)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}
