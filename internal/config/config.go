package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host      HostConfig      `yaml:"host"`
	Relay     RelayConfig     `yaml:"relay"`
	Agent     AgentConfig     `yaml:"agent"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Terminal  TerminalConfig  `yaml:"terminal"`
}

type HostConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type RelayConfig struct {
	WSURL              string `yaml:"ws_url"`
	Code               string `yaml:"code"`
	ReconnectBackoffMs int    `yaml:"reconnect_backoff_ms"`
}

type AgentConfig struct {
	Bin       string `yaml:"bin"`
	Dangerous bool   `yaml:"dangerous"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type ApprovalsConfig struct {
	HTTPListen string `yaml:"http_listen"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type TerminalConfig struct {
	Shell string `yaml:"shell"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Relay.ReconnectBackoffMs == 0 {
		cfg.Relay.ReconnectBackoffMs = 3000
	}
	if cfg.Agent.Bin == "" {
		cfg.Agent.Bin = "claude"
	}
	if cfg.Workspace.Root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Workspace.Root = home
		}
	}
	if cfg.Approvals.HTTPListen == "" {
		cfg.Approvals.HTTPListen = "127.0.0.1:7878"
	}
	if cfg.Approvals.TimeoutMs == 0 {
		cfg.Approvals.TimeoutMs = 600000
	}
	if cfg.Terminal.Shell == "" {
		cfg.Terminal.Shell = "/bin/bash"
	}

	// Optional environment overrides.
	if envURL := os.Getenv("PAIRLINK_RELAY_URL"); envURL != "" {
		cfg.Relay.WSURL = envURL
	}
	if envCode := os.Getenv("PAIRLINK_CODE"); envCode != "" {
		cfg.Relay.Code = envCode
	}

	return &cfg, nil
}
