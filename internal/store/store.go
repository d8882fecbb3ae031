package store

import (
	"errors"
	"time"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/poller"
)

// ErrNotFound is returned when a requested entity does not exist in
// the store.
var ErrNotFound = errors.New("not found")

// Store persists bridge state across restarts: the gateway identity,
// the last committed snapshot (so sinks have a stale last-known value
// immediately after startup) and the set of unknown payload keys seen
// so far. It never holds a history; one snapshot only.
type Store interface {
	SaveGatewayInfo(info *energymanager.GatewayInfo) error
	GetGatewayInfo() (*energymanager.GatewayInfo, error)

	SaveSnapshot(snap *poller.Snapshot) error
	GetSnapshot() (*poller.Snapshot, error)

	// RecordUnknownKeys stores first-seen timestamps for keys and
	// returns the subset that was not known before.
	RecordUnknownKeys(keys []string, seen time.Time) ([]string, error)
	ListUnknownKeys() ([]UnknownKey, error)

	Close() error
}

// UnknownKey is one payload key the metric catalog does not know,
// with the time it was first observed. Firmware drift diagnostics.
type UnknownKey struct {
	Key       string    `json:"key"`
	FirstSeen time.Time `json:"first_seen"`
}
