// Package telemetry publishes stagehand lifecycle events to an MQTT broker
// so test dashboards can follow captures, generation runs and replays.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicGeneration = "generation"
	TopicSession    = "session"
	TopicCapture    = "capture"
	TopicStatus     = "status"
	TopicAdmin      = "admin"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

var eventTopics = map[events.EventType]string{
	events.EventGenerationCompleted: TopicGeneration,
	events.EventArtifactStored:      TopicGeneration,
	events.EventSessionStarted:      TopicSession,
	events.EventSessionFinished:     TopicSession,
	events.EventSessionFailed:       TopicSession,
	events.EventCaptureStarted:      TopicCapture,
	events.EventCaptureClosed:       TopicCapture,
	events.EventHeartbeat:           TopicStatus,
	events.EventDumpsPruned:         TopicStatus,
	events.EventShutdown:            TopicAdmin,
}

// MQTTHandler forwards bus events to MQTT as JSON.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	bus    *events.EventBus
	client mqtt.Client
	logger zerolog.Logger
	now    func() time.Time

	// Metadata included in every message
	metadata map[string]any
}

// NewMQTTHandler creates a handler for the configured broker.
func NewMQTTHandler(cfg config.MQTTConfig, bus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("stagehand-%s-%d", sysInfo.Hostname, os.Getpid()))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("component", "mqtt").Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Str("component", "mqtt").Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, bus, mqtt.NewClient(opts), metadataFor(sysInfo, version)), nil
}

func newHandler(cfg config.MQTTConfig, bus *events.EventBus, client mqtt.Client, metadata map[string]any) *MQTTHandler {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "stagehand"
	}
	return &MQTTHandler{
		cfg:      cfg,
		bus:      bus,
		client:   client,
		logger:   util.ComponentLogger("mqtt"),
		now:      time.Now,
		metadata: metadata,
	}
}

func metadataFor(info util.SystemInfo, version string) map[string]any {
	return map[string]any{
		"hostname":    info.Hostname,
		"os":          info.OS,
		"arch":        info.Architecture,
		"cpu_model":   info.CPUModel,
		"cpu_cores":   info.CPUCores,
		"memory_mb":   info.TotalMemoryMB,
		"app_version": version,
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker, forwards events until ctx is done, then
// publishes a shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	if err := h.Connect(); err != nil {
		return err
	}
	defer h.Close()

	<-ctx.Done()

	h.PublishShutdown()
	return nil
}

// Connect connects to the broker and starts forwarding bus events. Short
// commands use Connect and Close directly instead of Start.
func (h *MQTTHandler) Connect() error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe()
	return nil
}

// Close stops forwarding and disconnects, giving queued publishes up to
// five seconds to drain.
func (h *MQTTHandler) Close() {
	h.Unsubscribe()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
}

// Subscribe registers the handler on the bus.
func (h *MQTTHandler) Subscribe() {
	for t := range eventTopics {
		h.bus.Subscribe(t, "mqtt", h.onEvent)
	}
}

// Unsubscribe removes the handler from the bus.
func (h *MQTTHandler) Unsubscribe() {
	for t := range eventTopics {
		h.bus.Unsubscribe(t, "mqtt")
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	suffix, ok := eventTopics[event.Type]
	if !ok {
		return nil
	}
	h.publish(h.topic(suffix), map[string]any{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload any) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload any) map[string]any {
	msg := make(map[string]any, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), map[string]any{
		"event": string(events.EventShutdown),
	})
}
