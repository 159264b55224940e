package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// stubKeyring swaps the package seams for the duration of a test. Tests
// using it must not run in parallel.
func stubKeyring(t *testing.T, available bool) map[string]string {
	t.Helper()
	origGet, origSet, origDelete := keyringGet, keyringSet, keyringDelete
	origHome, origEnv := userHomeDir, lookupEnv
	t.Cleanup(func() {
		keyringGet, keyringSet, keyringDelete = origGet, origSet, origDelete
		userHomeDir, lookupEnv = origHome, origEnv
	})

	home := t.TempDir()
	userHomeDir = func() (string, error) { return home, nil }
	lookupEnv = func(string) (string, bool) { return "", false }

	values := map[string]string{}
	unavailable := errors.New("keyring unavailable")
	keyringSet = func(_, user, password string) error {
		if !available {
			return unavailable
		}
		values[user] = password
		return nil
	}
	keyringGet = func(_, user string) (string, error) {
		if !available {
			return "", unavailable
		}
		v, ok := values[user]
		if !ok {
			return "", errors.New("secret not found")
		}
		return v, nil
	}
	keyringDelete = func(_, user string) error {
		if !available {
			return unavailable
		}
		if _, ok := values[user]; !ok {
			return errors.New("secret not found")
		}
		delete(values, user)
		return nil
	}
	return values
}

func TestStoreUsesKeyringWhenAvailable(t *testing.T) {
	values := stubKeyring(t, true)

	if err := Store("push", "tok-123"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if values["push"] != "tok-123" {
		t.Fatalf("expected keyring write, got %v", values)
	}
	got, err := Load("push")
	if err != nil || got != "tok-123" {
		t.Fatalf("load: %q %v", got, err)
	}
	if err := Delete("push"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := Load("push"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreFallsBackToFile(t *testing.T) {
	stubKeyring(t, false)

	if err := Store("push", "tok-file"); err != nil {
		t.Fatalf("store: %v", err)
	}
	home, _ := userHomeDir()
	info, err := os.Stat(filepath.Join(home, ".config", "agentstream", "credentials.json"))
	if err != nil {
		t.Fatalf("stat credential file: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("expected mode 0600, got %o", got)
	}
	got, err := Load("push")
	if err != nil || got != "tok-file" {
		t.Fatalf("load: %q %v", got, err)
	}
	if err := Delete("push"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := Delete("push"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLoadPrefersEnvironment(t *testing.T) {
	stubKeyring(t, true)
	lookupEnv = func(key string) (string, bool) {
		if key == "AGENTSTREAM_CI_PUSH_TOKEN" {
			return " from-env ", true
		}
		return "", false
	}
	if err := Store("ci-push", "from-keyring"); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := Load("ci-push")
	if err != nil || got != "from-env" {
		t.Fatalf("expected env override, got %q %v", got, err)
	}
}

func TestValidate(t *testing.T) {
	for _, bad := range []string{"", "  ", "two words", "line\nbreak"} {
		if err := Validate(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidToken", bad, err)
		}
	}
	if err := Validate("abc.DEF-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Store("", "tok"); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	if got := EnvName(" ci.push "); got != "AGENTSTREAM_CI_PUSH_TOKEN" {
		t.Fatalf("unexpected env name %q", got)
	}
}
