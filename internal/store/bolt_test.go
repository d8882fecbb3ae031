package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/metrics"
	"solarwatt-bridge/internal/poller"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetGatewayInfo(t *testing.T) {
	s := newTestStore(t)

	info := &energymanager.GatewayInfo{
		GUID:     "em-guid-1",
		Model:    "EnergyManager Pro",
		Firmware: "1.9.0",
	}
	if err := s.SaveGatewayInfo(info); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGatewayInfo()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *info {
		t.Errorf("gateway info = %+v, want %+v", got, info)
	}
}

func TestGetGatewayInfoNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetGatewayInfo()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndGetSnapshot(t *testing.T) {
	s := newTestStore(t)

	taken := time.Now().UTC().Truncate(time.Millisecond)
	snap := &poller.Snapshot{
		Sequence: 7,
		Taken:    taken,
		Gateway:  energymanager.GatewayInfo{GUID: "em-guid-1"},
		Samples: []metrics.Sample{
			{Key: "location.power_consumed", Value: 1234.5, Unit: metrics.UnitWatt, Valid: true, Timestamp: taken},
			{Key: "battery.state_of_charge", Unit: metrics.UnitPercent, Valid: false, Timestamp: taken},
		},
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", got.Sequence)
	}
	if !got.Taken.Equal(taken) {
		t.Errorf("taken = %v, want %v", got.Taken, taken)
	}
	if len(got.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(got.Samples))
	}
	if got.Samples[0].Value != 1234.5 || !got.Samples[0].Valid {
		t.Errorf("sample[0] = %+v", got.Samples[0])
	}
	if got.Samples[1].Valid {
		t.Error("unavailable sample must stay unavailable after a round trip")
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSnapshot()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordUnknownKeys(t *testing.T) {
	s := newTestStore(t)
	seen := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	added, err := s.RecordUnknownKeys([]string{"inverter.temp", "pv.new_tag"}, seen)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 2 {
		t.Fatalf("added = %v, want both keys", added)
	}

	// Re-recording is idempotent: nothing new, first-seen preserved.
	added, err = s.RecordUnknownKeys([]string{"inverter.temp", "another.key"}, seen.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0] != "another.key" {
		t.Errorf("added = %v, want [another.key]", added)
	}

	keys, err := s.ListUnknownKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("keys = %d, want 3", len(keys))
	}
	for _, k := range keys {
		if k.Key == "inverter.temp" && !k.FirstSeen.Equal(seen) {
			t.Errorf("first seen = %v, want %v", k.FirstSeen, seen)
		}
	}
	// Sorted by key.
	if keys[0].Key != "another.key" {
		t.Errorf("keys[0] = %q, want another.key", keys[0].Key)
	}
}
