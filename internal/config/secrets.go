package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

const (
	apiTokenKey = "api.token"
	apiTokenEnv = "FRUITLENS_API_TOKEN"
)

// SecretStore holds credentials outside the main config file.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// fileSecrets is a YAML file readable only by the owner.
type fileSecrets struct {
	path string
	mu   sync.Mutex
}

// NewSecretStore returns the secrets file at $XDG_CONFIG_HOME/fruitlens/secrets.yaml.
func NewSecretStore() SecretStore {
	return &fileSecrets{path: filepath.Join(configDir(), "secrets.yaml")}
}

func newSecretStoreAt(path string) *fileSecrets {
	return &fileSecrets{path: path}
}

func (f *fileSecrets) read() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(f.path)
	v.SetConfigType("yaml")
	v.SetConfigPermissions(0o600)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file: %w", err)
		}
	}
	return v, nil
}

func (f *fileSecrets) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, err := f.read()
	if err != nil {
		return "", err
	}
	if !v.IsSet(key) {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v.GetString(key), nil
}

func (f *fileSecrets) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, err := f.read()
	if err != nil {
		return err
	}
	v.Set(key, value)
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	if err := v.WriteConfigAs(f.path); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Chmod(f.path, 0o600)
}

// GetAPIToken returns the bearer token for the HTTP API. FRUITLENS_API_TOKEN
// wins; otherwise the stored token is used, generating and storing one on
// first use.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(apiTokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := store.Get(apiTokenKey); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set(apiTokenKey, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
