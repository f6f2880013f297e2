package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv_fallback(t *testing.T) {
	t.Setenv("STAMPCAST_TEST_STR", "")
	if got := GetEnv("STAMPCAST_TEST_STR", "dflt"); got != "dflt" {
		t.Errorf("expected fallback, got %q", got)
	}
	t.Setenv("STAMPCAST_TEST_STR", "set")
	if got := GetEnv("STAMPCAST_TEST_STR", "dflt"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("STAMPCAST_TEST_INT", "42")
	if got := GetEnvInt("STAMPCAST_TEST_INT", 1); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("STAMPCAST_TEST_INT", "nope")
	if got := GetEnvInt("STAMPCAST_TEST_INT", 1); got != 1 {
		t.Errorf("invalid int should fall back, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("STAMPCAST_TEST_DUR", "250ms")
	if got := GetEnvDuration("STAMPCAST_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	t.Setenv("STAMPCAST_TEST_DUR", "soon")
	if got := GetEnvDuration("STAMPCAST_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("invalid duration should fall back, got %v", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("STAMPCAST_TEST_BOOL", "true")
	if !GetEnvBool("STAMPCAST_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("STAMPCAST_TEST_BOOL", "maybe")
	if GetEnvBool("STAMPCAST_TEST_BOOL", false) {
		t.Error("invalid bool should fall back to false")
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("STAMPCAST_TEST_LIST", " a, ,b ,c")
	got := GetEnvList("STAMPCAST_TEST_LIST")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("unexpected list %v", got)
	}
	t.Setenv("STAMPCAST_TEST_LIST", "")
	if GetEnvList("STAMPCAST_TEST_LIST") != nil {
		t.Error("empty variable should give nil")
	}
}

func TestLoad_env_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("STAMPCAST_TEST_FILE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STAMPCAST_TEST_FILE", "")
	os.Unsetenv("STAMPCAST_TEST_FILE")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("STAMPCAST_TEST_FILE"); got != "from-file" {
		t.Errorf("expected value from .env, got %q", got)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
