// Package events defines the lifecycle events stagehand components publish
// and the bus that delivers them.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Generation events
	EventGenerationCompleted EventType = "generation_completed"
	EventArtifactStored      EventType = "artifact_stored"

	// Replay session events
	EventSessionStarted  EventType = "session_started"
	EventSessionFinished EventType = "session_finished"
	EventSessionFailed   EventType = "session_failed"

	// Capture events
	EventCaptureStarted EventType = "capture_started"
	EventCaptureClosed  EventType = "capture_closed"

	// System events
	EventHeartbeat   EventType = "heartbeat"
	EventDumpsPruned EventType = "dumps_pruned"
	EventShutdown    EventType = "shutdown"
)

// SessionState is the lifecycle state of one replay session.
type SessionState int

const (
	SessionPending SessionState = iota
	SessionRunning
	SessionFinished
	SessionFailed
	SessionCancelled
)

var sessionStateStrings = map[SessionState]string{
	SessionPending:   "pending",
	SessionRunning:   "running",
	SessionFinished:  "finished",
	SessionFailed:    "failed",
	SessionCancelled: "cancelled",
}

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	if str, ok := sessionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes SessionState as a JSON string (e.g. "running").
func (s SessionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload any
}

// GenerationPayload describes a finished generation run.
type GenerationPayload struct {
	Artifact  string   `json:"artifact"`
	DumpPath  string   `json:"dump_path"`
	Frames    int      `json:"frames"`
	Entries   int      `json:"entries"`
	Actions   int      `json:"actions"`
	Failed    int      `json:"failed"`
	Truncated bool     `json:"truncated"`
	Warnings  []string `json:"warnings,omitempty"`
}

// SessionPayload describes a replay session at a lifecycle transition.
type SessionPayload struct {
	SessionID  string        `json:"session_id"`
	Artifact   string        `json:"artifact"`
	RemoteAddr string        `json:"remote_addr"`
	State      SessionState  `json:"state"`
	Steps      int           `json:"steps"`
	Position   int           `json:"position"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// CapturePayload describes a proxied client connection being recorded.
type CapturePayload struct {
	ClientAddr   string `json:"client_addr"`
	UpstreamAddr string `json:"upstream_addr"`
	DumpPath     string `json:"dump_path"`
	Frames       int    `json:"frames"`
}

// HeartbeatPayload is the periodic status snapshot of a running host.
type HeartbeatPayload struct {
	Artifact      string  `json:"artifact"`
	Sessions      int     `json:"sessions"`
	Connections   int     `json:"connections"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeMB    uint64  `json:"disk_free_mb"`
}

// PrunePayload describes one retention sweep over the dump directories.
type PrunePayload struct {
	Directories []string `json:"directories"`
	Deleted     int      `json:"deleted"`
	FreedBytes  int64    `json:"freed_bytes"`
}
