package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  command: claude
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "denclaw" || cfg.Timezone != "UTC" {
		t.Errorf("defaults: name=%q tz=%q", cfg.Name, cfg.Timezone)
	}
	if cfg.Router.PollIntervalMs != 500 || cfg.Worker.IdleTimeoutSec != 600 {
		t.Errorf("interval defaults: %+v %+v", cfg.Router, cfg.Worker)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("DENCLAW_TEST_MODEL", "claude-opus-4-5")
	path := writeConfig(t, `
engine:
  command: claude
  model: ${DENCLAW_TEST_MODEL}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Model != "claude-opus-4-5" {
		t.Errorf("model = %q, want expanded value", cfg.Engine.Model)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing engine command",
			content: "name: x\n",
			wantErr: "engine.command",
		},
		{
			name:    "bad timezone",
			content: "timezone: Mars/Olympus\nengine:\n  command: claude\n",
			wantErr: "timezone",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud\nengine:\n  command: claude\n",
			wantErr: "logging.level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestResolveAPIKeyPrefersEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")

	cfg := &Config{Engine: EngineConfig{Provider: "anthropic", APIKey: "sk-from-config"}}
	cfg.ResolveAPIKey(nil)
	if cfg.Engine.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env value", cfg.Engine.APIKey)
	}

	secrets := cfg.Secrets()
	if secrets["ANTHROPIC_API_KEY"] != "sk-from-env" {
		t.Errorf("secrets = %v", secrets)
	}
}

func TestResolveAPIKeyDropsUnexpandedReference(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := &Config{Engine: EngineConfig{Provider: "anthropic", APIKey: "${NEVER_SET_VAR}"}}
	cfg.ResolveAPIKey(nil)
	if cfg.Engine.APIKey != "" {
		t.Errorf("api key = %q, want empty for unresolved reference", cfg.Engine.APIKey)
	}
	if cfg.Secrets() != nil {
		t.Error("secrets map not empty without a key")
	}
}

func TestProviderKeyName(t *testing.T) {
	if got := ProviderKeyName("Anthropic"); got != "ANTHROPIC_API_KEY" {
		t.Errorf("ProviderKeyName = %q", got)
	}
	if got := ProviderKeyName("somevendor"); got != "API_KEY" {
		t.Errorf("fallback = %q", got)
	}
}
