package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/protocol"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 150, cfg.Authority().AckTimeoutTicks)
}

func TestLoad(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		cfg, err := Load(write(t, "server.yaml", `
simulation:
  tick_rate: 20
  ack_timeout: 1s
  timeout_policy: release
transport:
  kind: websocket
  address: 0.0.0.0:9000
logging:
  level: debug
`))
		require.NoError(t, err)
		auth := cfg.Authority()
		assert.Equal(t, 20, auth.TickRate)
		assert.Equal(t, 20, auth.AckTimeoutTicks)
		assert.Equal(t, orchestrator.TimeoutRelease, auth.TimeoutPolicy)
		assert.Equal(t, protocol.KindWebSocket, cfg.Transport.Kind)
		assert.Equal(t, "/replicate", cfg.Transport.Path, "unset keys keep their defaults")

		lc, err := cfg.Log()
		require.NoError(t, err)
		assert.Equal(t, log.LevelDebug, lc.Level)
	})

	t.Run("TOML", func(t *testing.T) {
		cfg, err := Load(write(t, "client.toml", `
[replica]
name = "alice"
lookahead = 5

[simulation]
ack_timeout = "250ms"
`))
		require.NoError(t, err)
		assert.Equal(t, "alice", cfg.ReplicaSettings().Name)
		assert.Equal(t, 5, cfg.ReplicaSettings().Lookahead)
		assert.Equal(t, 250*time.Millisecond, cfg.Simulation.AckTimeout)
		assert.Equal(t, 8, cfg.Authority().AckTimeoutTicks, "rounded up")
	})

	t.Run("Unknown extension", func(t *testing.T) {
		_, err := Load(write(t, "server.ini", "x=1"))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("Invalid values", func(t *testing.T) {
		_, err := Load(write(t, "bad.yaml", "simulation:\n  timeout_policy: explode\n"))
		assert.ErrorIs(t, err, orchestrator.ErrInvalidConfig)

		_, err = Load(write(t, "bad.yaml", "transport:\n  kind: smoke\n"))
		assert.ErrorIs(t, err, protocol.ErrUnsupportedKind)
	})
}
