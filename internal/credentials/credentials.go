// Package credentials keeps push-transport bearer tokens in the OS keyring,
// falling back to a 0600 file when no keyring is available.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const service = "agentstream"

var (
	ErrNotFound     = errors.New("credential not found")
	ErrInvalidToken = errors.New("credential token is invalid")
)

var (
	fileMu         sync.Mutex
	keyringGet     = keyring.Get
	keyringSet     = keyring.Set
	keyringDelete  = keyring.Delete
	userHomeDir    = os.UserHomeDir
	lookupEnv      = os.LookupEnv
	envNameCleaner = regexp.MustCompile(`[^A-Z0-9]+`)
)

// EnvName is the environment variable that overrides the stored token for
// name, e.g. "ci-push" becomes AGENTSTREAM_CI_PUSH_TOKEN.
func EnvName(name string) string {
	key := envNameCleaner.ReplaceAllString(strings.ToUpper(strings.TrimSpace(name)), "_")
	return "AGENTSTREAM_" + strings.Trim(key, "_") + "_TOKEN"
}

func Validate(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidToken)
	}
	return nil
}

func Store(name, token string) error {
	name = strings.TrimSpace(name)
	token = strings.TrimSpace(token)
	if name == "" {
		return errors.New("credential name is empty")
	}
	if err := Validate(token); err != nil {
		return err
	}

	if err := keyringSet(service, name, token); err == nil {
		return nil
	}

	fileMu.Lock()
	defer fileMu.Unlock()

	entries, err := readFileUnlocked()
	if err != nil {
		return err
	}
	entries[name] = token
	return writeFileUnlocked(entries)
}

// Load resolves a token from the environment, the keyring, then the
// fallback file.
func Load(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("credential name is empty")
	}
	if v, ok := lookupEnv(EnvName(name)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}

	if token, err := keyringGet(service, name); err == nil {
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}

	fileMu.Lock()
	defer fileMu.Unlock()

	entries, err := readFileUnlocked()
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(entries[name])
	if token == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return token, nil
}

func Delete(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("credential name is empty")
	}
	keyringErr := keyringDelete(service, name)

	fileMu.Lock()
	defer fileMu.Unlock()

	entries, err := readFileUnlocked()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		if keyringErr != nil {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil
	}
	delete(entries, name)
	return writeFileUnlocked(entries)
}

func filePath() (string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	home = strings.TrimSpace(home)
	if home == "" {
		return "", errors.New("home directory is empty")
	}
	return filepath.Join(home, ".config", "agentstream", "credentials.json"), nil
}

func readFileUnlocked() (map[string]string, error) {
	path, err := filePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return map[string]string{}, nil
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode credential file: %w", err)
	}
	return entries, nil
}

func writeFileUnlocked(entries map[string]string) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write credential temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return os.Chmod(path, 0o600)
}
