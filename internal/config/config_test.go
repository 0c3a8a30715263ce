package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigYAML(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadConfig_ParsesSections(t *testing.T) {
	path := writeConfigYAML(t, `port: 9000
auth-dir: /tmp/auths
masquerade-trace:
  enable: true
  max-records: 25
cloak:
  mode: Always
  rotation-interval: 2h
quota:
  poll-interval: 90s
kiro:
  utls: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Port != 9000 || cfg.AuthDir != "/tmp/auths" {
		t.Fatalf("unexpected base settings: %+v", cfg)
	}
	if !cfg.MasqueradeTrace.Enable || cfg.MasqueradeTrace.MaxRecords != 25 {
		t.Fatalf("unexpected trace settings: %+v", cfg.MasqueradeTrace)
	}
	if cfg.Cloak.Mode != "always" || cfg.Cloak.RotationInterval != 2*time.Hour {
		t.Fatalf("unexpected cloak settings: %+v", cfg.Cloak)
	}
	if cfg.Quota.PollInterval != 90*time.Second || cfg.Quota.RequestTimeout != DefaultQuotaTimeout {
		t.Fatalf("unexpected quota settings: %+v", cfg.Quota)
	}
	if !cfg.Kiro.UTLS || cfg.Kiro.Region != DefaultKiroRegion {
		t.Fatalf("unexpected kiro settings: %+v", cfg.Kiro)
	}
	if cfg.AuthStore.Type != "file" {
		t.Fatalf("auth store type = %q", cfg.AuthStore.Type)
	}
	if cfg.QuotaDir != filepath.Join("/tmp/auths", "quota") {
		t.Fatalf("quota dir = %q, want a subdirectory of auth-dir", cfg.QuotaDir)
	}
	if cfg.Routing.Strategy != "round-robin" {
		t.Fatalf("routing strategy = %q", cfg.Routing.Strategy)
	}
}

func TestLoadConfigOptional_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing required config")
	}
	cfg, err := LoadConfigOptional(path, true)
	if err != nil {
		t.Fatalf("LoadConfigOptional failed: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.MasqueradeTrace.MaxRecords != DefaultMaxTraceRecords {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad cloak mode", content: "cloak:\n  mode: sometimes\n", wantErr: "cloak.mode"},
		{name: "postgres without dsn", content: "auth-store:\n  type: postgres\n", wantErr: "dsn"},
		{name: "object without bucket", content: "auth-store:\n  type: object\n  endpoint: localhost:9000\n", wantErr: "bucket"},
		{name: "unknown store", content: "auth-store:\n  type: git\n", wantErr: "auth-store.type"},
		{name: "unknown routing strategy", content: "routing:\n  strategy: random\n", wantErr: "routing.strategy"},
		{name: "malformed yaml", content: "port: [1,\n", wantErr: "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigYAML(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfig_EnvSecretFromDotEnv(t *testing.T) {
	t.Setenv(managementPasswordEnv, "")
	path := writeConfigYAML(t, "remote-management:\n  secret-key: from-file\n")
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(managementPasswordEnv+"=from-env\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv(managementPasswordEnv) })
	// godotenv does not override variables that are already set.
	_ = os.Unsetenv(managementPasswordEnv)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.VerifySecret("from-env") {
		t.Fatal("expected env secret to win over file secret")
	}
	if err := PersistHashedSecret(path, cfg); err != nil {
		t.Fatalf("PersistHashedSecret: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "from-file") {
		t.Fatal("env-provided secret must not be written back")
	}
}

func TestPersistHashedSecret(t *testing.T) {
	t.Setenv(managementPasswordEnv, "")
	path := writeConfigYAML(t, "port: 8400\nremote-management:\n  allow-remote: false\n  secret-key: hunter2\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if err := PersistHashedSecret(path, cfg); err != nil {
		t.Fatalf("PersistHashedSecret: %v", err)
	}

	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.RemoteManagement.SecretKey == "hunter2" || !isBcryptHash(reloaded.RemoteManagement.SecretKey) {
		t.Fatalf("secret was not hashed: %q", reloaded.RemoteManagement.SecretKey)
	}
	if !reloaded.VerifySecret("hunter2") || reloaded.VerifySecret("wrong") {
		t.Fatal("hashed secret verification failed")
	}
	if reloaded.Port != 8400 {
		t.Fatalf("other settings lost on rewrite: port=%d", reloaded.Port)
	}
}

func TestHashSecret_Idempotent(t *testing.T) {
	first, err := HashSecret("pw")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	second, err := HashSecret(first)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if first != second {
		t.Fatal("hashing a hash must be a no-op")
	}
}
