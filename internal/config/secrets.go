package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const mountedSecretsDir = "/run/secrets/meirobo"

// secretSource resolves secret config keys that are not set in the
// environment.
type secretSource interface {
	Get(account string) (string, error)
}

// secretAccount maps a config key to its secret file name.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// SecretsDir resolves the secrets directory: MEIROBO_SECRETS_DIR, then a
// mounted /run/secrets/meirobo, then the data dir.
func SecretsDir() string {
	if d := os.Getenv("MEIROBO_SECRETS_DIR"); d != "" {
		return d
	}
	if fi, err := os.Stat(mountedSecretsDir); err == nil && fi.IsDir() {
		return mountedSecretsDir
	}
	return filepath.Join(defaultDataDir(), "secrets")
}

// secretDir stores one secret per file, the layout used by Docker and
// Kubernetes secret mounts.
type secretDir string

func (d secretDir) Get(account string) (string, error) {
	data, err := os.ReadFile(filepath.Join(string(d), account))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (d secretDir) Set(account, value string) error {
	if account == "" || strings.ContainsAny(account, `/\`) {
		return fmt.Errorf("invalid secret name %q", account)
	}
	if err := os.MkdirAll(string(d), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	p := filepath.Join(string(d), account)
	if value == "" {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing secret %s: %w", account, err)
		}
		return nil
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing secret %s: %w", account, err)
	}
	return os.Rename(tmp, p)
}
