package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()

	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	RegisterFlags(cmd)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return LoadConfig(cmd)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := load(t, "--email", "user@example.com", "--password", "secret")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Port != 993 {
		t.Errorf("Port = %d, want 993", cfg.Port)
	}
	if !cfg.UseTLS {
		t.Error("UseTLS = false, want true by default")
	}
	if cfg.Workers != 10 {
		t.Errorf("Workers = %d, want 10", cfg.Workers)
	}
	if cfg.OutputDir != "downloaded_emails" {
		t.Errorf("OutputDir = %q, want downloaded_emails", cfg.OutputDir)
	}
	if cfg.CallTimeout != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", cfg.CallTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadConfig_PasswordFromEnv(t *testing.T) {
	t.Setenv("IMAP_PASS", "env-secret")

	cfg, err := load(t, "--email", "user@example.com")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Password != "env-secret" {
		t.Errorf("Password = %q, want env-secret", cfg.Password)
	}
}

func TestLoadConfig_FlagBeatsEnv(t *testing.T) {
	t.Setenv("IMAP_PASS", "env-secret")

	cfg, err := load(t, "--email", "user@example.com", "--password", "flag-secret")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Password != "flag-secret" {
		t.Errorf("Password = %q, want flag-secret", cfg.Password)
	}
}

func TestLoadConfig_NosslDisablesTLS(t *testing.T) {
	cfg, err := load(t, "--email", "user@example.com", "--password", "x", "--nossl")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.UseTLS {
		t.Error("UseTLS = true with --nossl")
	}
}

func TestLoadConfig_WarningAlias(t *testing.T) {
	cfg, err := load(t, "--email", "user@example.com", "--password", "x", "--log-level", "WARNING")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadConfig_ZipOnlySkipsCredentialChecks(t *testing.T) {
	if _, err := load(t, "--zip-only", "some_run_dir"); err != nil {
		t.Errorf("LoadConfig() error = %v, want zip-only mode without credentials", err)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing email", []string{"--password", "x"}},
		{"email without domain", []string{"--email", "nodomain", "--password", "x"}},
		{"missing password", []string{"--email", "user@example.com"}},
		{"bad port", []string{"--email", "u@e.com", "--password", "x", "--port", "0"}},
		{"zero workers", []string{"--email", "u@e.com", "--password", "x", "--workers", "0"}},
		{"negative retries", []string{"--email", "u@e.com", "--password", "x", "--max-retries", "-1"}},
		{"days and start-date", []string{"--email", "u@e.com", "--password", "x", "--days", "7", "--start-date", "2024-01-01"}},
		{"compression out of range", []string{"--email", "u@e.com", "--password", "x", "--compression-level", "10"}},
		{"bad log level", []string{"--email", "u@e.com", "--password", "x", "--log-level", "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IMAP_PASS", "")
			if _, err := load(t, tt.args...); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
