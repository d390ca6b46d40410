package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"

	voicecall "github.com/theplantsprouts/rork-plantspace-sub001"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling/firestorebackend"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling/redisbackend"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling/wsbackend"
	"github.com/theplantsprouts/rork-plantspace-sub001/tools"
)

// Environment variable keys
const (
	EnvConfigFile       = "PLANTCALL_CONFIG"
	EnvRole             = "PLANTCALL_ROLE"
	EnvLocalUser        = "PLANTCALL_LOCAL_USER"
	EnvRemoteUser       = "PLANTCALL_REMOTE_USER"
	EnvConversation     = "PLANTCALL_CONVERSATION"
	EnvRingTimeout      = "PLANTCALL_RING_TIMEOUT"
	EnvBackend          = "PLANTCALL_BACKEND"
	EnvRedisAddr        = "PLANTCALL_REDIS_ADDR"
	EnvRedisPassword    = "PLANTCALL_REDIS_PASSWORD"
	EnvRedisDB          = "PLANTCALL_REDIS_DB"
	EnvFirestoreProject = "PLANTCALL_FIRESTORE_PROJECT"
	EnvFirestoreCreds   = "PLANTCALL_FIRESTORE_CREDENTIALS"
	EnvRelayURL         = "PLANTCALL_RELAY_URL"
	EnvICEServers       = "PLANTCALL_ICE_SERVERS"
	EnvLogFile          = "PLANTCALL_LOG_FILE"
	EnvMetricsAddr      = "PLANTCALL_METRICS_ADDR"
)

const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendWebSocket = "websocket"
)

type Config struct {
	Role           voicecall.Role `yaml:"role"`
	LocalUserID    string         `yaml:"local_user_id"`
	RemoteUserID   string         `yaml:"remote_user_id"`
	ConversationID string         `yaml:"conversation_id"`
	// RingTimeout ends an unanswered outgoing call. Zero rings forever.
	RingTimeout time.Duration `yaml:"ring_timeout"`

	Signaling SignalingConfig           `yaml:"signaling"`
	Transport voicecall.TransportConfig `yaml:"transport"`
	Playback  tools.PlaybackConfig      `yaml:"playback"`
	Log       LogConfig                 `yaml:"log"`
	// MetricsAddr serves /metrics when set, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr"`
}

type SignalingConfig struct {
	Backend   string          `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type WebSocketConfig struct {
	URL        string        `yaml:"url"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultConfig() *Config {
	return &Config{
		Role:        voicecall.RoleCaller,
		RingTimeout: 45 * time.Second,
		Signaling: SignalingConfig{
			Backend: BackendWebSocket,
			Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
			WebSocket: WebSocketConfig{
				URL: "ws://127.0.0.1:8787/signal",
			},
		},
		Transport: voicecall.DefaultTransportConfig(),
		Playback:  tools.DefaultPlaybackConfig(),
		Log: LogConfig{
			File:       "cli/cli.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads path over the defaults, then applies environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		v, err := shared.Getenv(shared.GetenvString, key, false, *dst)
		errs = append(errs, err)
		*dst = v
	}
	role := string(c.Role)
	str(EnvRole, &role)
	c.Role = voicecall.Role(role)
	str(EnvLocalUser, &c.LocalUserID)
	str(EnvRemoteUser, &c.RemoteUserID)
	str(EnvConversation, &c.ConversationID)
	str(EnvBackend, &c.Signaling.Backend)
	str(EnvRedisAddr, &c.Signaling.Redis.Addr)
	str(EnvRedisPassword, &c.Signaling.Redis.Password)
	str(EnvFirestoreProject, &c.Signaling.Firestore.ProjectID)
	str(EnvFirestoreCreds, &c.Signaling.Firestore.CredentialsFile)
	str(EnvRelayURL, &c.Signaling.WebSocket.URL)
	str(EnvLogFile, &c.Log.File)
	str(EnvMetricsAddr, &c.MetricsAddr)

	var err error
	c.RingTimeout, err = shared.Getenv(shared.GetenvDuration, EnvRingTimeout, false, c.RingTimeout)
	errs = append(errs, err)
	c.Signaling.Redis.DB, err = shared.Getenv(shared.GetenvInt, EnvRedisDB, false, c.Signaling.Redis.DB)
	errs = append(errs, err)

	urls, err := shared.Getenv(shared.GetenvList, EnvICEServers, false, nil)
	errs = append(errs, err)
	if len(urls) > 0 {
		c.Transport.ICEServers = c.Transport.ICEServers[:0]
		for _, u := range urls {
			c.Transport.ICEServers = append(c.Transport.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("%w: role must be caller or receiver, got %q", shared.ErrInvalidConfig, c.Role)
	}
	if c.RingTimeout < 0 {
		return fmt.Errorf("%w: negative ring timeout", shared.ErrInvalidConfig)
	}
	switch c.Signaling.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Signaling.Redis.Addr == "" {
			return fmt.Errorf("%w: redis backend needs an address", shared.ErrInvalidConfig)
		}
	case BackendFirestore:
		if c.Signaling.Firestore.ProjectID == "" {
			return fmt.Errorf("%w: firestore backend needs a project id", shared.ErrInvalidConfig)
		}
	case BackendWebSocket:
		if c.Signaling.WebSocket.URL == "" {
			return fmt.Errorf("%w: websocket backend needs a relay url", shared.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown signaling backend %q", shared.ErrInvalidConfig, c.Signaling.Backend)
	}
	return nil
}

// OpenBackend connects to the configured signaling backend. The memory
// backend only connects agents within one process.
func OpenBackend(ctx context.Context, cfg SignalingConfig, logger shared.LoggerAdapter) (signaling.Backend, error) {
	switch cfg.Backend {
	case BackendMemory:
		return signaling.NewMemoryHub(), nil
	case BackendRedis:
		b, err := redisbackend.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redisbackend.WithPrefix(cfg.Redis.Prefix),
			redisbackend.WithTTL(cfg.Redis.TTL),
			redisbackend.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendFirestore:
		b, err := firestorebackend.Dial(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile,
			firestorebackend.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendWebSocket:
		b, err := wsbackend.New(cfg.WebSocket.URL,
			wsbackend.WithLogger(logger),
			wsbackend.WithAckTimeout(cfg.WebSocket.AckTimeout),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unknown signaling backend %q", shared.ErrInvalidConfig, cfg.Backend)
}

// summary is the printable part of the config; credentials stay out.
func (c *Config) summary() map[string]any {
	var ice []string
	for _, s := range c.Transport.ICEServers {
		ice = append(ice, s.URLs...)
	}
	return map[string]any{
		"role":            c.Role.String(),
		"local_user_id":   c.LocalUserID,
		"remote_user_id":  c.RemoteUserID,
		"conversation_id": c.ConversationID,
		"ring_timeout":    c.RingTimeout.String(),
		"backend":         c.Signaling.Backend,
		"ice_servers":     ice,
	}
}
