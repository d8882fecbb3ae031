package poller

import (
	"testing"
)

func TestBusOnDeliversMatchingType(t *testing.T) {
	bus := NewBus(testLogger())

	var got []Event
	bus.On(EventSnapshotCommitted, func(e Event) {
		got = append(got, e)
	})

	bus.Emit(Event{Type: EventSnapshotCommitted})
	bus.Emit(Event{Type: EventPollFailed})

	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}
	if got[0].Type != EventSnapshotCommitted {
		t.Errorf("type = %q", got[0].Type)
	}
}

func TestBusOnAllDeliversEverything(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	bus.OnAll(func(e Event) { count++ })

	bus.Emit(Event{Type: EventSnapshotCommitted})
	bus.Emit(Event{Type: EventPollFailed})
	bus.Emit(Event{Type: EventAvailability})

	if count != 3 {
		t.Errorf("delivered = %d, want 3", count)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	unsub := bus.OnAll(func(e Event) { count++ })

	bus.Emit(Event{Type: EventPollFailed})
	unsub()
	bus.Emit(Event{Type: EventPollFailed})

	if count != 1 {
		t.Errorf("delivered = %d, want 1", count)
	}
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := NewBus(testLogger())

	bus.OnAll(func(e Event) { panic("boom") })
	delivered := false
	bus.OnAll(func(e Event) { delivered = true })

	bus.Emit(Event{Type: EventSnapshotCommitted})

	if !delivered {
		t.Error("panicking handler prevented delivery to others")
	}
}
