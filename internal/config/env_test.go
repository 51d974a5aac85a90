package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		raw  string
		key  string
		val  string
		keep bool
	}{
		{raw: "# comment"},
		{raw: "   "},
		{raw: "NO_EQUALS"},
		{raw: "=value"},
		{raw: "CLMM_WALLET_ADDRESS=wallet-1", key: "CLMM_WALLET_ADDRESS", val: "wallet-1", keep: true},
		{raw: "export CLMM_TELEGRAM_TOKEN=abc", key: "CLMM_TELEGRAM_TOKEN", val: "abc", keep: true},
		{raw: `CLMM_TIMESCALE_DSN="postgres://u:p@db/lp # not a comment"`, key: "CLMM_TIMESCALE_DSN", val: "postgres://u:p@db/lp # not a comment", keep: true},
		{raw: "CHAT='123'", key: "CHAT", val: "123", keep: true},
		{raw: "LEVEL=debug # verbose", key: "LEVEL", val: "debug", keep: true},
		{raw: "EMPTY=", key: "EMPTY", val: "", keep: true},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.raw)
		if ok != tc.keep || key != tc.key || val != tc.val {
			t.Fatalf("%q: expected (%q, %q, %v), got (%q, %q, %v)", tc.raw, tc.key, tc.val, tc.keep, key, val, ok)
		}
	}
}

func TestLoadEnvSetsMissingKeys(t *testing.T) {
	unsetEnv(t, "CLMM_WALLET_ADDRESS")
	t.Setenv("CLMM_TELEGRAM_TOKEN", "from-shell")
	path := filepath.Join(t.TempDir(), ".env")
	content := "CLMM_WALLET_ADDRESS=wallet-1\nCLMM_TELEGRAM_TOKEN=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("CLMM_WALLET_ADDRESS"); got != "wallet-1" {
		t.Fatalf("expected wallet-1, got %q", got)
	}
	if got := os.Getenv("CLMM_TELEGRAM_TOKEN"); got != "from-shell" {
		t.Fatalf("expected shell value to win, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	_ = os.Unsetenv(key)
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
			return
		}
		_ = os.Unsetenv(key)
	})
}
