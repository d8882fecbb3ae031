// Package mqtt republishes coordinator snapshots to an MQTT broker
// with Home Assistant autodiscovery. The bridge is a passive sink: it
// observes coordinator events and never drives the poll.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/metrics"
	"solarwatt-bridge/internal/poller"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the poll coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	coord    *poller.Coordinator
	registry *metrics.Registry
	prefix   string
	logger   *slog.Logger
	unsub    func()

	mu         sync.Mutex
	gateway    energymanager.GatewayInfo
	discovered map[string]bool // metric key -> discovery published
	available  bool
}

// NewBridge creates and connects an MQTT bridge. The gateway identity
// is known at configuration time (connection test) and names the
// topics; it is refreshed from snapshots while running.
func NewBridge(coord *poller.Coordinator, registry *metrics.Registry, gateway energymanager.GatewayInfo, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:      coord,
		registry:   registry,
		prefix:     cfg.TopicPrefix,
		gateway:    gateway,
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string]bool),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("solarwatt-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.republish()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline availability, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.availabilityTopic(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event poller.Event) {
	switch event.Type {
	case poller.EventSnapshotCommitted:
		data, ok := event.Data.(poller.SnapshotData)
		if !ok || data.Snapshot == nil {
			return
		}
		b.publishSnapshot(data.Snapshot)
	case poller.EventAvailability:
		data, ok := event.Data.(poller.AvailabilityData)
		if !ok {
			return
		}
		b.publishAvailability(data.Available)
	case poller.EventGatewayInfo:
		data, ok := event.Data.(poller.GatewayInfoData)
		if !ok {
			return
		}
		b.mu.Lock()
		b.gateway = data.Gateway
		b.mu.Unlock()
	}
}

// republish restores retained state after (re)connecting: current
// availability, all previously announced discovery configs and the
// last snapshot.
func (b *Bridge) republish() {
	b.mu.Lock()
	available := b.available
	b.mu.Unlock()

	b.publishAvailability(available)
	if snap := b.coord.Snapshot(); snap != nil {
		b.publishSnapshot(snap)
	}
}

// publishSnapshot publishes the state JSON and, for metrics producing
// their first valid sample, the HA discovery config. Discovery entries
// are never removed while running; a metric that stops reporting goes
// to null in the state payload.
func (b *Bridge) publishSnapshot(snap *poller.Snapshot) {
	b.mu.Lock()
	gateway := b.gateway
	var announce []metrics.Definition
	for _, s := range snap.Samples {
		if !s.Valid || b.discovered[s.Key] {
			continue
		}
		if def, ok := b.registry.Lookup(s.Key); ok {
			b.discovered[s.Key] = true
			announce = append(announce, def)
		}
	}
	b.mu.Unlock()

	for _, def := range announce {
		msg := buildMetricDiscovery(def, gateway, b.prefix)
		b.publish(msg.Topic, msg.Payload, true)
		b.logger.Info("published HA discovery", "metric", def.Key)
	}

	b.publish(b.stateTopic(), buildStatePayload(snap), true)
}

func (b *Bridge) publishAvailability(available bool) {
	b.mu.Lock()
	b.available = available
	b.mu.Unlock()

	state := "offline"
	if available {
		state = "online"
	}
	b.publish(b.availabilityTopic(), []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) stateTopic() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefix + "/" + gatewayTopicName(b.gateway)
}

func (b *Bridge) availabilityTopic() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefix + "/" + gatewayTopicName(b.gateway) + "/availability"
}

// buildStatePayload flattens a snapshot into the state JSON: one entry
// per metric key, null when the sample is unavailable so consumers can
// tell "not reported" from a genuine zero.
func buildStatePayload(snap *poller.Snapshot) []byte {
	state := make(map[string]any, len(snap.Samples)+2)
	for _, s := range snap.Samples {
		switch {
		case !s.Valid:
			state[s.Key] = nil
		case s.Text != "":
			state[s.Key] = s.Text
		default:
			state[s.Key] = s.Value
		}
	}
	state["last_seen"] = snap.Taken.Format(time.RFC3339)
	state["sequence"] = snap.Sequence
	return mustJSON(state)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
