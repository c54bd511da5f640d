// Package config handles configuration loading, validation, and persistence
// for stagehand.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/generate"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/util"
)

const (
	DefaultConfigFile  = "stagehand.json"
	DefaultReplayAddr  = "0.0.0.0:19132"
	DefaultCaptureAddr = "0.0.0.0:19133"
	DefaultAPIAddr     = "127.0.0.1:5080"
	DefaultStorePath   = "data/stagehand.db"
)

// Config is the root configuration structure for stagehand.
type Config struct {
	mu   sync.RWMutex
	path string

	Capture     CaptureConfig     `json:"capture"`
	Generation  generate.Config   `json:"generation"`
	Replay      ReplayConfig      `json:"replay"`
	Store       StoreConfig       `json:"store"`
	API         APIConfig         `json:"api"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Logging     util.LogConfig    `json:"logging"`
}

// CaptureConfig configures the recording proxy.
type CaptureConfig struct {
	ListenAddr      string `json:"listen_addr"`
	UpstreamAddr    string `json:"upstream_addr"`
	DumpDir         string `json:"dump_dir"`
	ProtocolVersion int    `json:"protocol_version"`
	MaxConnPerSec   int    `json:"max_conn_per_sec"`
	MaxConcurrent   int    `json:"max_concurrent"`
}

// ReplayConfig configures the replay listener and its sessions.
type ReplayConfig struct {
	ListenAddr string `json:"listen_addr"`
	// Artifact is the stored artifact served to every client.
	Artifact        string            `json:"artifact"`
	WaitTimeoutSec  int               `json:"wait_timeout_sec"`
	Speed           float64           `json:"speed"`
	BatchIntervalMs int               `json:"batch_interval_ms"`
	BatchLimit      datasize.ByteSize `json:"batch_limit"`
	MaxFrameSize    datasize.ByteSize `json:"max_frame_size"`
	MaxSessions     int               `json:"max_sessions"`
	KeepOpen        bool              `json:"keep_open"`
	RecordDir       string            `json:"record_dir"`

	// Patches overrides catalog params in every session: export name to
	// field to value.
	Patches map[string]protocol.Params `json:"patches"`

	// Synthetic terrain. ChunkDistance > 0 overrides the script's distance.
	ChunkDistance int   `json:"chunk_distance"`
	ChunkCenterX  int32 `json:"chunk_center_x"`
	ChunkCenterZ  int32 `json:"chunk_center_z"`
}

// WaitTimeout returns the per-wait timeout.
func (r ReplayConfig) WaitTimeout() time.Duration {
	return time.Duration(r.WaitTimeoutSec) * time.Second
}

// BatchInterval returns the queue flush period.
func (r ReplayConfig) BatchInterval() time.Duration {
	return time.Duration(r.BatchIntervalMs) * time.Millisecond
}

// StoreConfig locates the artifact database.
type StoreConfig struct {
	Path string `json:"path"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddr     string   `json:"listen_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// UseTLS serves HTTPS. A self-signed pair is generated at CertFile and
	// KeyFile when they do not exist yet.
	UseTLS   bool   `json:"use_tls"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// MaintenanceConfig schedules the background upkeep of a long-running
// stagehand: dump retention, idle client sweeps and status heartbeats.
type MaintenanceConfig struct {
	RetentionEnabled bool `json:"retention_enabled"`
	RetentionDays    int  `json:"retention_days"`

	// CleanupTime is the local time of day ("HH:MM") the retention sweep runs.
	CleanupTime    string `json:"cleanup_time"`
	IdleTimeoutSec int    `json:"idle_timeout_sec"`
	HeartbeatSec   int    `json:"heartbeat_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			ListenAddr:      DefaultCaptureAddr,
			UpstreamAddr:    "127.0.0.1:19132",
			DumpDir:         "dumps",
			ProtocolVersion: protocol.DefaultVersion,
			MaxConnPerSec:   10,
			MaxConcurrent:   32,
		},
		Generation: generate.DefaultConfig(),
		Replay: ReplayConfig{
			ListenAddr:      DefaultReplayAddr,
			WaitTimeoutSec:  30,
			Speed:           1,
			BatchIntervalMs: 20,
			BatchLimit:      256 * datasize.KB,
			MaxFrameSize:    8 * datasize.MB,
			MaxSessions:     16,
		},
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   DefaultAPIAddr,
			RateLimitRPS: 50,
			CertFile:     "data/tls/api.crt",
			KeyFile:      "data/tls/api.key",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "stagehand",
		},
		Maintenance: MaintenanceConfig{
			RetentionEnabled: true,
			RetentionDays:    14,
			CleanupTime:      "04:00",
			IdleTimeoutSec:   0,
			HeartbeatSec:     60,
		},
		Logging: util.DefaultLogConfig(),
	}
}

// Load reads configuration from a JSON file, overlaying it on the
// defaults. A missing file is created with the defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	cfg.path = configPath

	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

// Parse decodes a JSON configuration over the defaults. Name lists given
// in the document replace the default lists; name maps are merged key by
// key.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}
