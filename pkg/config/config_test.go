package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "")

	_, _, err := Load()
	if err == nil {
		t.Fatalf("Load() expected error for missing DATABASE_URL")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "sqlite:threadlens.db")

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path == "" {
		t.Fatalf("expected config path")
	}
	if cfg.Host != DefaultHost {
		t.Fatalf("cfg.Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("cfg.Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.MaxQueueDepth != DefaultMaxQueueDepth {
		t.Fatalf("cfg.MaxQueueDepth = %d, want %d", cfg.MaxQueueDepth, DefaultMaxQueueDepth)
	}
	if cfg.PreFilterMinMessages != DefaultPreFilterMinMessages {
		t.Fatalf("cfg.PreFilterMinMessages = %d, want %d", cfg.PreFilterMinMessages, DefaultPreFilterMinMessages)
	}
	if cfg.CircuitFailureThreshold != DefaultCircuitFailureThreshold {
		t.Fatalf("cfg.CircuitFailureThreshold = %d, want %d", cfg.CircuitFailureThreshold, DefaultCircuitFailureThreshold)
	}
}

func TestEnsureDefaultConfig_CreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DATABASE_URL", "sqlite:threadlens.db")

	path, err := EnsureDefaultConfig()
	if err != nil {
		t.Fatalf("EnsureDefaultConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, gotPath, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Clean(gotPath) != filepath.Clean(path) {
		t.Fatalf("Load() path = %s, want %s", gotPath, path)
	}
	if cfg.Host != DefaultHost {
		t.Fatalf("cfg.Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("cfg.Port = %d, want %d", cfg.Port, DefaultPort)
	}
}

func TestLoad_OverlayFile_SuppliesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DATABASE_URL", "sqlite:threadlens.db")

	configDir := filepath.Join(home, ".threadlens")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: 127.0.0.1\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("cfg.Host = %q, want %q", cfg.Host, "127.0.0.1")
	}
	if cfg.Port != 9090 {
		t.Fatalf("cfg.Port = %d, want %d", cfg.Port, 9090)
	}
}

func TestLoad_EnvOverridesOverlayFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DATABASE_URL", "sqlite:threadlens.db")

	configDir := filepath.Join(home, ".threadlens")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: 127.0.0.1\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORT", "7070")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("cfg.Host = %q, want %q (overlay value should survive)", cfg.Host, "127.0.0.1")
	}
	if cfg.Port != 7070 {
		t.Fatalf("cfg.Port = %d, want %d (env should win over overlay)", cfg.Port, 7070)
	}
}

func TestLoad_ParsesLLMAndPipelineTunables(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "sqlite:threadlens.db")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("LLM_MODEL", "gpt-4o")
	t.Setenv("LLM_RPM", "30")
	t.Setenv("LLM_TPM", "40000")
	t.Setenv("MAX_QUEUE_DEPTH", "500")
	t.Setenv("PRE_FILTER_MIN_MESSAGES", "3")
	t.Setenv("PRE_FILTER_MIN_TOTAL_CHARS", "80")
	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "10")
	t.Setenv("CIRCUIT_COOLDOWN_SECONDS", "120")
	t.Setenv("SHUTDOWN_GRACE_SECONDS", "15")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMAPIKey != "sk-test" {
		t.Fatalf("cfg.LLMAPIKey = %q, want %q", cfg.LLMAPIKey, "sk-test")
	}
	if cfg.LLMModel != "gpt-4o" {
		t.Fatalf("cfg.LLMModel = %q, want %q", cfg.LLMModel, "gpt-4o")
	}
	if cfg.LLMRPM != 30 {
		t.Fatalf("cfg.LLMRPM = %d, want 30", cfg.LLMRPM)
	}
	if cfg.LLMTPM != 40000 {
		t.Fatalf("cfg.LLMTPM = %d, want 40000", cfg.LLMTPM)
	}
	if cfg.MaxQueueDepth != 500 {
		t.Fatalf("cfg.MaxQueueDepth = %d, want 500", cfg.MaxQueueDepth)
	}
	if cfg.PreFilterMinMessages != 3 {
		t.Fatalf("cfg.PreFilterMinMessages = %d, want 3", cfg.PreFilterMinMessages)
	}
	if cfg.PreFilterMinTotalChar != 80 {
		t.Fatalf("cfg.PreFilterMinTotalChar = %d, want 80", cfg.PreFilterMinTotalChar)
	}
	if cfg.CircuitFailureThreshold != 10 {
		t.Fatalf("cfg.CircuitFailureThreshold = %d, want 10", cfg.CircuitFailureThreshold)
	}
	if cfg.CircuitCooldownSeconds != 120 {
		t.Fatalf("cfg.CircuitCooldownSeconds = %d, want 120", cfg.CircuitCooldownSeconds)
	}
	if cfg.ShutdownGraceSeconds != 15 {
		t.Fatalf("cfg.ShutdownGraceSeconds = %d, want 15", cfg.ShutdownGraceSeconds)
	}
}

func TestLoad_InvalidPort_ReturnsError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "sqlite:threadlens.db")
	t.Setenv("PORT", "70000")

	_, _, err := Load()
	if err == nil {
		t.Fatalf("Load() expected error for out-of-range PORT")
	}
}
