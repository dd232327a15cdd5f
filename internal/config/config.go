package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iambrandonn/sentinel/internal/workflow"
)

// FileName is the configuration file searched for up the directory tree
const FileName = "sentinel.json"

// Config represents the sentinel.json configuration file
type Config struct {
	Version      string              `json:"version"`
	StateRoot    string              `json:"state_root"`
	Transport    Transport           `json:"transport"`
	Bot          Bot                 `json:"bot"`
	Orchestrator Orchestrator        `json:"orchestrator"`
	Supervise    Supervise           `json:"supervise"`
	Retry        Retry               `json:"retry"`
	Workflows    []workflow.Workflow `json:"workflows"`
}

// Transport contains chat bot API settings. The token is a credential
// and is why the config file is written 0600.
type Transport struct {
	BaseURL      string `json:"base_url"`
	Token        string `json:"token"`
	ChatID       string `json:"chat_id"`
	PollTimeoutS int    `json:"poll_timeout_s"`
}

// Bot contains bot lifecycle settings
type Bot struct {
	IdleTimeoutS int `json:"idle_timeout_s"`
}

// Orchestrator contains subprocess execution settings
type Orchestrator struct {
	IdleTimeoutS    int `json:"idle_timeout_s"`
	CommandTimeoutS int `json:"command_timeout_s"`
}

// Supervise contains crash-loop detection settings
type Supervise struct {
	WindowS     int `json:"window_s"`
	MaxRestarts int `json:"max_restarts"`
}

// Retry contains transport retry configuration
type Retry struct {
	MaxAttempts int     `json:"max_attempts"`
	Backoff     Backoff `json:"backoff"`
}

// Backoff contains exponential backoff configuration
type Backoff struct {
	InitialMs  int     `json:"initial_ms"`
	MaxMs      int     `json:"max_ms"`
	Multiplier float64 `json:"multiplier"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:   "1.0",
		StateRoot: ".sentinel",
		Transport: Transport{
			BaseURL:      "https://api.telegram.org",
			PollTimeoutS: 30,
		},
		Bot: Bot{
			IdleTimeoutS: 600,
		},
		Orchestrator: Orchestrator{
			IdleTimeoutS:    600,
			CommandTimeoutS: 300,
		},
		Supervise: Supervise{
			WindowS:     60,
			MaxRestarts: 5,
		},
		Retry: Retry{
			MaxAttempts: 5,
			Backoff: Backoff{
				InitialMs:  1000,
				MaxMs:      60000,
				Multiplier: 2.0,
			},
		},
		Workflows: []workflow.Workflow{
			{
				ID:      "auto_fix_all",
				Label:   "Fix all issues",
				Trigger: "error_count > 0",
				Command: []string{"claude", "-p", "Fix the issues reported for session {session_id}", "--output-format", "json"},
			},
		},
	}
}

// Validate checks the configuration and returns user-friendly error
// messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.StateRoot == "" {
		return fmt.Errorf("configuration error: missing required field 'state_root'\n\nHint: Point state_root at the directory holding the state directories:\n  \"state_root\": \".sentinel\"")
	}

	if c.Transport.Token == "" {
		return fmt.Errorf("configuration error: missing 'transport.token'\n\nHint: Supply the bot API token:\n  \"transport\": {\n    \"token\": \"123456:ABC...\"\n  }")
	}

	if c.Transport.ChatID == "" {
		return fmt.Errorf("configuration error: missing 'transport.chat_id'\n\nHint: Supply the operator chat id:\n  \"transport\": {\n    \"chat_id\": \"987654321\"\n  }")
	}

	if c.Bot.IdleTimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'bot.idle_timeout_s' value: %d\n\nHint: The idle window must be positive, e.g.:\n  \"bot\": {\n    \"idle_timeout_s\": 600\n  }", c.Bot.IdleTimeoutS)
	}

	if c.Orchestrator.CommandTimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'orchestrator.command_timeout_s' value: %d\n\nHint: The subprocess timeout must be positive, e.g.:\n  \"orchestrator\": {\n    \"command_timeout_s\": 300\n  }", c.Orchestrator.CommandTimeoutS)
	}

	if c.Supervise.MaxRestarts <= 0 || c.Supervise.WindowS <= 0 {
		return fmt.Errorf("configuration error: invalid 'supervise' settings (window_s=%d, max_restarts=%d)\n\nHint: Both must be positive, e.g.:\n  \"supervise\": {\n    \"window_s\": 60,\n    \"max_restarts\": 5\n  }", c.Supervise.WindowS, c.Supervise.MaxRestarts)
	}

	if len(c.Workflows) == 0 {
		return fmt.Errorf("configuration error: no workflows configured\n\nHint: Add at least one workflow entry the operator can approve")
	}

	if _, err := workflow.NewRegistry(c.Workflows); err != nil {
		return err
	}

	return nil
}

// Registry builds the workflow registry from the configured entries.
// Call Validate first.
func (c *Config) Registry() (*workflow.Registry, error) {
	return workflow.NewRegistry(c.Workflows)
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600
// permissions (the transport token is a credential)
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Find searches for sentinel.json starting at startDir and walking up
// the directory tree. Returns the path of the first file found.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve start directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found in %s or any parent directory", FileName, startDir)
		}
		dir = parent
	}
}

// ResolveStateRoot resolves the configured state root relative to the
// config file's directory when it is not absolute.
func ResolveStateRoot(cfg *Config, configPath string) string {
	if filepath.IsAbs(cfg.StateRoot) {
		return cfg.StateRoot
	}
	return filepath.Join(filepath.Dir(configPath), cfg.StateRoot)
}
