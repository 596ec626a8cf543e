package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg := LoadAgentConfig()
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.HypervisorPath)
	assert.Empty(t, cfg.TapOwner)
}

func TestLoadAgentConfigOverrides(t *testing.T) {
	t.Setenv("MICROVM_AGENT_ADDR", "127.0.0.1:9000")
	t.Setenv("MICROVM_DB_PATH", "/tmp/test.db")
	t.Setenv("MICROVM_TAP_OWNER", "microvm")

	cfg := LoadAgentConfig()
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "microvm", cfg.TapOwner)
}

func TestLoadControlConfigDefaults(t *testing.T) {
	cfg := LoadControlConfig()
	assert.Equal(t, ":7080", cfg.ListenAddr)
	assert.Equal(t, "http://127.0.0.1:7070", cfg.AgentURL)
}

func TestLoadControlConfigOverrides(t *testing.T) {
	t.Setenv("MICROVM_CONTROL_ADDR", ":8080")
	t.Setenv("MICROVM_AGENT_URL", "http://10.0.0.1:7070")

	cfg := LoadControlConfig()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "http://10.0.0.1:7070", cfg.AgentURL)
}
