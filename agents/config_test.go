package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	voicecall "github.com/theplantsprouts/rork-plantspace-sub001"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, voicecall.RoleCaller, cfg.Role)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, BackendWebSocket, cfg.Signaling.Backend)
	assert.NotEmpty(t, cfg.Transport.ICEServers)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plantcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
role: receiver
local_user_id: bob
remote_user_id: alice
conversation_id: conv-42
ring_timeout: 20s
signaling:
  backend: redis
  redis:
    addr: redis:6379
    db: 1
    ttl: 5m
log:
  file: /tmp/plantcall.log
metrics_addr: ":9464"
`), 0o600))

	t.Setenv(EnvRedisDB, "3")
	t.Setenv(EnvICEServers, "stun:a.example:3478, turn:b.example:3478")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, voicecall.RoleReceiver, cfg.Role)
	assert.Equal(t, "bob", cfg.LocalUserID)
	assert.Equal(t, "alice", cfg.RemoteUserID)
	assert.Equal(t, "conv-42", cfg.ConversationID)
	assert.Equal(t, 20*time.Second, cfg.RingTimeout)
	assert.Equal(t, BackendRedis, cfg.Signaling.Backend)
	assert.Equal(t, "redis:6379", cfg.Signaling.Redis.Addr)
	assert.Equal(t, 3, cfg.Signaling.Redis.DB)
	assert.Equal(t, 5*time.Minute, cfg.Signaling.Redis.TTL)
	assert.Equal(t, "/tmp/plantcall.log", cfg.Log.File)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
	require.Len(t, cfg.Transport.ICEServers, 2)
	assert.Equal(t, []string{"turn:b.example:3478"}, cfg.Transport.ICEServers[1].URLs)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("bad env value", func(t *testing.T) {
		t.Setenv(EnvRingTimeout, "soon")
		_, err := LoadConfig("")
		assert.Error(t, err)
	})
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv(EnvBackend, "carrier-pigeon")
		_, err := LoadConfig("")
		assert.ErrorIs(t, err, shared.ErrInvalidConfig)
	})
	t.Run("unknown role", func(t *testing.T) {
		t.Setenv(EnvRole, "host")
		_, err := LoadConfig("")
		assert.ErrorIs(t, err, shared.ErrInvalidConfig)
	})
	t.Run("firestore without project", func(t *testing.T) {
		t.Setenv(EnvBackend, BackendFirestore)
		_, err := LoadConfig("")
		assert.ErrorIs(t, err, shared.ErrInvalidConfig)
	})
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	logger := shared.NewNopLogger()

	b, err := OpenBackend(ctx, SignalingConfig{Backend: BackendMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &signaling.MemoryHub{}, b)
	require.NoError(t, b.Close())

	_, err = OpenBackend(ctx, SignalingConfig{Backend: BackendWebSocket, WebSocket: WebSocketConfig{URL: "http://relay"}}, logger)
	assert.ErrorIs(t, err, shared.ErrInvalidParameters)

	_, err = OpenBackend(ctx, SignalingConfig{Backend: "smoke"}, logger)
	assert.ErrorIs(t, err, shared.ErrInvalidConfig)
}
