// Package config loads daemon configuration from the environment.
package config

import (
	"os"

	"github.com/NexusQuantum/microvm/internal/paths"
)

// AgentConfig configures the host agent daemon.
type AgentConfig struct {
	// ListenAddr is the agent's HTTP listen address.
	ListenAddr string

	// DBPath is the bbolt database file.
	DBPath string

	// HypervisorPath is the hypervisor binary spawned for each VM.
	HypervisorPath string

	// TapOwner is the user that tap devices are chowned to, empty to skip.
	TapOwner string
}

// LoadAgentConfig reads the agent configuration with defaults.
func LoadAgentConfig() AgentConfig {
	cfg := AgentConfig{
		ListenAddr:     ":7070",
		DBPath:         paths.DBPath(),
		HypervisorPath: paths.HypervisorPath(),
	}

	if addr := os.Getenv("MICROVM_AGENT_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if db := os.Getenv("MICROVM_DB_PATH"); db != "" {
		cfg.DBPath = db
	}
	if owner := os.Getenv("MICROVM_TAP_OWNER"); owner != "" {
		cfg.TapOwner = owner
	}

	return cfg
}

// ControlConfig configures the control daemon.
type ControlConfig struct {
	// ListenAddr is the control service's HTTP listen address.
	ListenAddr string

	// AgentURL is the base URL of the host agent.
	AgentURL string

	// DBPath is the bbolt database file.
	DBPath string
}

// LoadControlConfig reads the control configuration with defaults.
func LoadControlConfig() ControlConfig {
	cfg := ControlConfig{
		ListenAddr: ":7080",
		AgentURL:   "http://127.0.0.1:7070",
		DBPath:     paths.DBPath(),
	}

	if addr := os.Getenv("MICROVM_CONTROL_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if agent := os.Getenv("MICROVM_AGENT_URL"); agent != "" {
		cfg.AgentURL = agent
	}
	if db := os.Getenv("MICROVM_DB_PATH"); db != "" {
		cfg.DBPath = db
	}

	return cfg
}
