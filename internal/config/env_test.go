package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}

func TestLoadEnvFeedsConfig(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, ""+
		"# wallet\n"+
		EnvPrivateKey+"=\"0xabc123\"\n"+
		"export "+EnvRPCURL+"=https://rpc.example\n"+
		EnvTelegramToken+"='tg-token'\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv(EnvPrivateKey); got != "0xabc123" {
		t.Fatalf("%s expected 0xabc123, got %q", EnvPrivateKey, got)
	}
	if got := os.Getenv(EnvRPCURL); got != "https://rpc.example" {
		t.Fatalf("%s expected rpc url, got %q", EnvRPCURL, got)
	}
	if got := os.Getenv(EnvTelegramToken); got != "tg-token" {
		t.Fatalf("%s expected tg-token, got %q", EnvTelegramToken, got)
	}
}

func TestLoadEnvKeepsExistingValues(t *testing.T) {
	t.Setenv(EnvWalletAddress, "0x71562b71999873DB5b286dF957af199Ec94617F7")
	path := writeEnvFile(t, EnvWalletAddress+"=0x0000000000000000000000000000000000000001\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv(EnvWalletAddress); got != "0x71562b71999873DB5b286dF957af199Ec94617F7" {
		t.Fatalf("existing %s was overridden: %q", EnvWalletAddress, got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}
