package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
ports:
  lower: 7000
  upper: 7100
training:
  backend: simulated
  simulated_delay: 250ms
dialog:
  driver: postgres
  dsn: postgres://lab@localhost/lab
auth:
  operators:
    - username: admin
      password_hash: "$2a$10$abc"
      scopes: ["agents:read", "agents:write"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr())
	assert.Equal(t, 7000, cfg.Ports.Lower)
	assert.Equal(t, 7100, cfg.Ports.Upper)
	assert.Equal(t, "simulated", cfg.Training.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Training.SimulatedDelay)
	assert.Equal(t, "postgres", cfg.Dialog.Driver)
	require.Len(t, cfg.Auth.Operators, 1)
	assert.Equal(t, []string{"agents:read", "agents:write"}, cfg.Auth.Operators[0].Scopes)

	// дефолты
	assert.Equal(t, "agents_state.json", cfg.Registry.Path)
	assert.Equal(t, "faq_agent", cfg.Workspace.Templates["faq"])
	assert.Equal(t, "form_agent", cfg.Workspace.Templates["form"])
	assert.Equal(t, []string{"train"}, cfg.Training.Args)
	assert.Equal(t, 3*time.Second, cfg.AgentClient.HealthTimeout)
	assert.Equal(t, 10*time.Second, cfg.AgentClient.MessageTimeout)
	assert.Equal(t, 100, cfg.Dialog.BatchSize)
	assert.Equal(t, 50052, cfg.GRPC.Port)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "training:\n  backend: external\n")
	t.Setenv("AGENTLAB_TRAINING_BACKEND", "simulated")
	t.Setenv("AGENTLAB_PORTS_UPPER", "5100")
	t.Setenv("AGENTLAB_AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "simulated", cfg.Training.Backend)
	assert.Equal(t, 5100, cfg.Ports.Upper)
	assert.Equal(t, []byte("-----BEGIN PUBLIC KEY-----"), cfg.Auth.PublicKey)
	assert.Nil(t, cfg.Auth.PrivateKey)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty port range", "ports:\n  lower: 6000\n  upper: 6000\n"},
		{"port above 65535", "ports:\n  upper: 70000\n"},
		{"unknown backend", "training:\n  backend: docker\n"},
		{"unknown dialog driver", "dialog:\n  driver: mongo\n"},
		{"empty registry path", "registry:\n  path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit path must exist")
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
