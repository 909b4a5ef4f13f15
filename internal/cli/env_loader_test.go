package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/devrelay/internal/config"
)

func TestLoadEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	clearServerEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "DEVRELAY_DOMAIN=from-file.example.com\nexport DEVRELAY_LOG_LEVEL='debug'\nOTHER_VAR=skip\n# DEVRELAY_DB_PATH=commented\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("DEVRELAY_DOMAIN"); got != "from-file.example.com" {
		t.Fatalf("expected DEVRELAY_DOMAIN loaded from file, got %q", got)
	}
	if got := os.Getenv("DEVRELAY_LOG_LEVEL"); got != "debug" {
		t.Fatalf("expected quoted export to load, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-DEVRELAY var not to be loaded, got %q", got)
	}
	if got := os.Getenv("DEVRELAY_DB_PATH"); got != "" {
		t.Fatalf("expected comment to be skipped, got %q", got)
	}
}

func TestLoadEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearServerEnvVarsForTest(t)
	t.Setenv("DEVRELAY_DOMAIN", "from-env.example.com")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("DEVRELAY_DOMAIN=from-file.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("DEVRELAY_DOMAIN"); got != "from-env.example.com" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestServerConfigPrefersCLIFlagsOverDotEnv(t *testing.T) {
	clearServerEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("DEVRELAY_LISTEN=:9000\nDEVRELAY_DB_PATH=./from-file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)
	cfg, err := config.ParseServerFlags([]string{"--db", "./from-cli.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("expected listen from .env, got %q", cfg.Listen)
	}
	if cfg.DBPath != "./from-cli.db" {
		t.Fatalf("expected CLI db path to win, got %q", cfg.DBPath)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	tests := []struct {
		line      string
		key, val  string
		wantMatch bool
	}{
		{"A=1", "A", "1", true},
		{"  export B = \"two\" ", "B", "two", true},
		{"# C=3", "", "", false},
		{"no equals", "", "", false},
		{"BAD KEY=1", "", "", false},
	}
	for _, tt := range tests {
		key, val, ok := parseEnvAssignment(tt.line)
		if ok != tt.wantMatch || key != tt.key || val != tt.val {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, val, ok)
		}
	}
}

func clearServerEnvVarsForTest(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DEVRELAY_CONFIG",
		"DEVRELAY_DOMAIN",
		"DEVRELAY_LISTEN",
		"DEVRELAY_LISTEN_HTTP_CHALLENGE",
		"DEVRELAY_DB_PATH",
		"DEVRELAY_TLS_MODE",
		"DEVRELAY_CERT_CACHE_DIR",
		"DEVRELAY_TLS_CERT_FILE",
		"DEVRELAY_TLS_KEY_FILE",
		"DEVRELAY_LOG_LEVEL",
		"DEVRELAY_API_KEY_PEPPER",
		"DEVRELAY_REDIS_URL",
		"OTHER_VAR",
	} {
		t.Setenv(k, "")
	}
}
