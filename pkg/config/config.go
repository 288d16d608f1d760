// Package config loads the process-wide configuration for the ingestion and
// analysis pipeline from the environment, with an optional local YAML
// overlay supplying defaults for local development. Config is read once at
// process start and passed by value into every constructor; nothing in this
// repo re-reads the environment after boot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the service's environment contract.
type Config struct {
	Host string
	Port int

	DatabaseURL string

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string
	LLMRPM     int
	LLMTPM     int // 0 disables the secondary token bucket

	MaxQueueDepth int
	QueueRedisURL string // empty selects the in-process queue

	PreFilterMinMessages  int
	PreFilterMinTotalChar int

	CircuitFailureThreshold int
	CircuitCooldownSeconds  int

	ShutdownGraceSeconds int

	SweeperIntervalSeconds int
	SweeperBatchSize       int
}

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8080

	DefaultLLMBaseURL = "https://api.openai.com/v1"
	DefaultLLMModel   = "gpt-4o-mini"
	DefaultLLMRPM     = 60

	DefaultMaxQueueDepth = 1000

	DefaultPreFilterMinMessages  = 2
	DefaultPreFilterMinTotalChar = 40

	DefaultCircuitFailureThreshold = 5
	DefaultCircuitCooldownSeconds  = 60

	DefaultShutdownGraceSeconds = 30

	DefaultSweeperIntervalSeconds = 30
	DefaultSweeperBatchSize       = 200
)

// overlay mirrors the subset of Config a local dev config file may supply.
// Environment variables always take precedence over the file.
//
// Example (~/.threadlens/config.yaml):
//
// server:
//   host: 0.0.0.0
//   port: 8080
type overlay struct {
	Server struct {
		Host *string `yaml:"host"`
		Port *int    `yaml:"port"`
	} `yaml:"server"`
}

// DefaultPaths returns the overlay config dir and file path under $HOME.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".threadlens")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// EnsureDefaultConfig writes a default config.yaml under $HOME/.threadlens
// if none exists yet, and returns its path. Safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := overlay{}
	defaultCfg.Server.Host = ptr(DefaultHost)
	defaultCfg.Server.Port = ptr(DefaultPort)
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

// Load builds a Config from the environment, filling any field the
// environment leaves unset from a local YAML overlay (if present) and then
// from the stated defaults, and validates the result. It returns the overlay
// path it looked for (whether or not the file existed) so callers can log
// where local configuration was read from.
func Load() (Config, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return Config{}, "", err
	}

	ov, err := loadOverlay(configFile)
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{
		Host:                    firstNonEmpty(os.Getenv("HOST"), overlayHost(ov), DefaultHost),
		Port:                    envInt("PORT", overlayPort(ov, DefaultPort)),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		LLMAPIKey:               os.Getenv("LLM_API_KEY"),
		LLMBaseURL:              firstNonEmpty(os.Getenv("LLM_BASE_URL"), DefaultLLMBaseURL),
		LLMModel:                firstNonEmpty(os.Getenv("LLM_MODEL"), DefaultLLMModel),
		LLMRPM:                  envInt("LLM_RPM", DefaultLLMRPM),
		LLMTPM:                  envInt("LLM_TPM", 0),
		MaxQueueDepth:           envInt("MAX_QUEUE_DEPTH", DefaultMaxQueueDepth),
		QueueRedisURL:           os.Getenv("QUEUE_REDIS_URL"),
		PreFilterMinMessages:    envInt("PRE_FILTER_MIN_MESSAGES", DefaultPreFilterMinMessages),
		PreFilterMinTotalChar:   envInt("PRE_FILTER_MIN_TOTAL_CHARS", DefaultPreFilterMinTotalChar),
		CircuitFailureThreshold: envInt("CIRCUIT_FAILURE_THRESHOLD", DefaultCircuitFailureThreshold),
		CircuitCooldownSeconds:  envInt("CIRCUIT_COOLDOWN_SECONDS", DefaultCircuitCooldownSeconds),
		ShutdownGraceSeconds:    envInt("SHUTDOWN_GRACE_SECONDS", DefaultShutdownGraceSeconds),
		SweeperIntervalSeconds:  envInt("SWEEPER_INTERVAL_SECONDS", DefaultSweeperIntervalSeconds),
		SweeperBatchSize:        envInt("SWEEPER_BATCH_SIZE", DefaultSweeperBatchSize),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, configFile, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("invalid MAX_QUEUE_DEPTH %d", c.MaxQueueDepth)
	}
	if c.LLMRPM < 1 {
		return fmt.Errorf("invalid LLM_RPM %d", c.LLMRPM)
	}
	if c.LLMTPM < 0 {
		return fmt.Errorf("invalid LLM_TPM %d", c.LLMTPM)
	}
	if c.PreFilterMinMessages < 1 {
		return fmt.Errorf("invalid PRE_FILTER_MIN_MESSAGES %d", c.PreFilterMinMessages)
	}
	if c.PreFilterMinTotalChar < 0 {
		return fmt.Errorf("invalid PRE_FILTER_MIN_TOTAL_CHARS %d", c.PreFilterMinTotalChar)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("invalid CIRCUIT_FAILURE_THRESHOLD %d", c.CircuitFailureThreshold)
	}
	if c.CircuitCooldownSeconds < 1 {
		return fmt.Errorf("invalid CIRCUIT_COOLDOWN_SECONDS %d", c.CircuitCooldownSeconds)
	}
	if c.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("invalid SHUTDOWN_GRACE_SECONDS %d", c.ShutdownGraceSeconds)
	}
	if c.SweeperIntervalSeconds < 1 {
		return fmt.Errorf("invalid SWEEPER_INTERVAL_SECONDS %d", c.SweeperIntervalSeconds)
	}
	if c.SweeperBatchSize < 1 {
		return fmt.Errorf("invalid SWEEPER_BATCH_SIZE %d", c.SweeperBatchSize)
	}
	return nil
}

func loadOverlay(path string) (*overlay, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var ov overlay
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return &ov, nil
}

func overlayHost(o *overlay) string {
	if o == nil || o.Server.Host == nil {
		return ""
	}
	return strings.TrimSpace(*o.Server.Host)
}

func overlayPort(o *overlay, fallback int) int {
	if o == nil || o.Server.Port == nil {
		return fallback
	}
	return *o.Server.Port
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func ptr[T any](v T) *T { return &v }
