package poller

import (
	"log/slog"
	"sync"

	"solarwatt-bridge/internal/energymanager"
)

// Event types emitted by the coordinator.
const (
	EventSnapshotCommitted = "snapshot_committed"
	EventPollFailed        = "poll_failed"
	EventAvailability      = "availability"
	EventUnknownKeys       = "unknown_keys"
	EventGatewayInfo       = "gateway_info"
)

// Event is one coordinator notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SnapshotData accompanies EventSnapshotCommitted.
type SnapshotData struct {
	Snapshot *Snapshot `json:"snapshot"`
}

// PollFailedData accompanies EventPollFailed.
type PollFailedData struct {
	ErrorKind           string `json:"error_kind"`
	Error               string `json:"error"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// AvailabilityData accompanies EventAvailability.
type AvailabilityData struct {
	Available bool `json:"available"`
}

// UnknownKeysData accompanies EventUnknownKeys and reports reading
// keys the catalog does not know, i.e. firmware drift.
type UnknownKeysData struct {
	Keys []string `json:"keys"`
}

// GatewayInfoData accompanies EventGatewayInfo.
type GatewayInfoData struct {
	Gateway energymanager.GatewayInfo `json:"gateway"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Bus provides in-process pub/sub for coordinator events. Handlers
// run synchronously on the emitting goroutine; a panicking handler is
// recovered and logged.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) On(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]EventHandler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type and returns an
// unsubscribe function.
func (b *Bus) OnAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit delivers an event to all matching handlers.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
