package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/eightd/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Storage.Path != "./cases" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
}

func TestAutosaveConfig_Invalid(t *testing.T) {
	tests := map[string]AutosaveConfig{
		"zero debounce": {Debounce: 0, ServerURL: "http://localhost:8080/api", RequestTimeout: time.Second},
		"tiny debounce": {Debounce: time.Millisecond, ServerURL: "http://localhost:8080/api", RequestTimeout: time.Second},
		"missing url":   {Debounce: time.Second, RequestTimeout: time.Second},
		"short timeout": {Debounce: time.Second, ServerURL: "http://localhost:8080/api", RequestTimeout: time.Millisecond},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("EIGHTD_TEST_TOKEN", "s3cret")
	data := `app:
  http:
    port: 9090
storage:
  path: /srv/cases
auth:
  mode: token
  token: ${EIGHTD_TEST_TOKEN}
autosave:
  debounce: 500ms
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.Storage.Path != "/srv/cases" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Auth.Token != "s3cret" || !cfg.Auth.AuthEnabled() {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Autosave.Debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Autosave.Debounce)
	}
	if cfg.SQLite.Path != "./eightd.db" {
		t.Errorf("sqlite default lost: %q", cfg.SQLite.Path)
	}
}
