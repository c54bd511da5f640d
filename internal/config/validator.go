package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Err joins the errors into one, or returns nil when valid.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateCapture(&cfg.Capture, result)
	validateReplay(&cfg.Replay, result)

	if err := cfg.Generation.Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			result.AddError("generation", line)
		}
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		result.AddError("store.path", "artifact database path is required")
	}

	if cfg.API.Enabled {
		validateAddr(cfg.API.ListenAddr, "api.listen_addr", result)
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
		}
		if cfg.API.UseTLS && (cfg.API.CertFile == "" || cfg.API.KeyFile == "") {
			result.AddError("api.cert_file", "certificate and key paths are required for TLS")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if (cfg.MQTT.CertFile == "") != (cfg.MQTT.KeyFile == "") {
			result.AddError("mqtt.cert_file", "client certificate and key must be set together")
		}
	}

	validateMaintenance(&cfg.Maintenance, result)

	return result
}

func validateMaintenance(m *MaintenanceConfig, result *ValidationResult) {
	if m.RetentionEnabled {
		if m.RetentionDays < 1 {
			result.AddError("maintenance.retention_days", "retention must be at least one day")
		}
		if _, _, err := ParseClock(m.CleanupTime); err != nil {
			result.AddError("maintenance.cleanup_time", err.Error())
		}
	}
	if m.IdleTimeoutSec < 0 {
		result.AddError("maintenance.idle_timeout_sec", "idle timeout cannot be negative")
	}
	if m.HeartbeatSec < 0 {
		result.AddError("maintenance.heartbeat_sec", "heartbeat interval cannot be negative")
	}
}

// ParseClock parses a "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func validateCapture(c *CaptureConfig, result *ValidationResult) {
	validateAddr(c.ListenAddr, "capture.listen_addr", result)
	validateAddr(c.UpstreamAddr, "capture.upstream_addr", result)
	if c.ListenAddr == c.UpstreamAddr {
		result.AddError("capture.upstream_addr", "upstream must differ from the listen address")
	}
	if c.ProtocolVersion <= 0 {
		result.AddError("capture.protocol_version", "protocol version must be positive")
	}
	if c.MaxConnPerSec < 1 {
		result.AddWarning("capture.max_conn_per_sec", "connection rate limit disabled")
	}
}

func validateReplay(r *ReplayConfig, result *ValidationResult) {
	validateAddr(r.ListenAddr, "replay.listen_addr", result)

	if r.Speed <= 0 {
		result.AddError("replay.speed", "speed must be positive")
	} else if r.Speed > 10 {
		result.AddWarning("replay.speed", fmt.Sprintf("speed %.1fx compresses sleeps heavily", r.Speed))
	}
	if r.WaitTimeoutSec < 1 {
		result.AddError("replay.wait_timeout_sec", "wait timeout must be at least 1 second")
	}
	if r.BatchIntervalMs < 0 {
		result.AddError("replay.batch_interval_ms", "batch interval cannot be negative")
	}
	if r.MaxFrameSize == 0 {
		result.AddError("replay.max_frame_size", "max frame size is required")
	}
	for export, fields := range r.Patches {
		if export == "" {
			result.AddError("replay.patches", "patch has an empty export name")
		}
		if len(fields) == 0 {
			result.AddWarning("replay.patches", fmt.Sprintf("patch for %s sets no fields", export))
		}
		for field := range fields {
			if field == "" {
				result.AddError("replay.patches", fmt.Sprintf("patch for %s has an empty field name", export))
			}
		}
	}
	if r.MaxSessions < 0 {
		result.AddError("replay.max_sessions", "max sessions cannot be negative")
	}
	if r.ChunkDistance < 0 {
		result.AddError("replay.chunk_distance", "chunk distance cannot be negative")
	} else if r.ChunkDistance > 32 {
		result.AddWarning("replay.chunk_distance",
			fmt.Sprintf("chunk distance %d streams %d chunks per session", r.ChunkDistance, approxChunks(r.ChunkDistance)))
	}
}

func approxChunks(distance int) int {
	// pi * r^2, rounded
	return int(3.14159*float64(distance*distance) + 0.5)
}

func validateAddr(addr, field string, result *ValidationResult) {
	if strings.TrimSpace(addr) == "" {
		result.AddError(field, "address is required")
		return
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %s (must be 0-65535)", portStr))
		return
	}
	if port > 0 && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
