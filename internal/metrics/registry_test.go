package metrics

import (
	"reflect"
	"testing"
	"time"

	"solarwatt-bridge/internal/energymanager"
)

func num(v float64) energymanager.Value {
	return energymanager.Value{Number: v, Numeric: true}
}

func testReading(values map[string]energymanager.Value) *energymanager.Reading {
	return &energymanager.Reading{
		Taken:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Values: values,
	}
}

func sampleByKey(t *testing.T, samples []Sample, key string) Sample {
	t.Helper()
	for _, s := range samples {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("sample %q not found", key)
	return Sample{}
}

func TestMapAppliesUnitAndPrecision(t *testing.T) {
	r := DefaultRegistry()
	reading := testReading(map[string]energymanager.Value{
		"location.power_consumed":         num(1234.56),
		"location.power_self_supplied":    num(420.04),
		"location.power_out_from_storage": num(75),
		"location.work_produced":          num(987654),
		// Unrelated extra key must not disturb known mappings.
		"inverter.temperature_heat_sink": num(41.2),
	})

	samples, _ := r.Map(reading)
	if len(samples) != len(r.Definitions()) {
		t.Fatalf("samples = %d, want one per catalog entry (%d)", len(samples), len(r.Definitions()))
	}

	power := sampleByKey(t, samples, "location.power_consumed")
	if !power.Valid {
		t.Fatal("power_consumed should be valid")
	}
	if power.Value != 1234.6 {
		t.Errorf("power_consumed = %v, want 1234.6", power.Value)
	}
	if power.Unit != UnitWatt {
		t.Errorf("unit = %q, want W", power.Unit)
	}

	self := sampleByKey(t, samples, "location.power_self_supplied")
	if !self.Valid || self.Value != 420 {
		t.Errorf("power_self_supplied = %+v, want 420", self)
	}
	storage := sampleByKey(t, samples, "location.power_out_from_storage")
	if !storage.Valid || storage.Value != 75 {
		t.Errorf("power_out_from_storage = %+v, want 75", storage)
	}

	// Work counters are reported in Wh and published as kWh.
	work := sampleByKey(t, samples, "location.work_produced")
	if !work.Valid {
		t.Fatal("work_produced should be valid")
	}
	if work.Value != 987.654 {
		t.Errorf("work_produced = %v, want 987.654", work.Value)
	}
	if work.Unit != UnitKilowattHour {
		t.Errorf("unit = %q, want kWh", work.Unit)
	}
}

func TestMapMissingCatalogKeyIsUnavailable(t *testing.T) {
	r := DefaultRegistry()
	reading := testReading(map[string]energymanager.Value{
		"location.power_consumed": num(500),
	})

	samples, _ := r.Map(reading)

	// battery.state_of_charge is in the catalog but absent from this
	// reading: present as a sample, explicitly unavailable, not zero.
	soc := sampleByKey(t, samples, "battery.state_of_charge")
	if soc.Valid {
		t.Error("state_of_charge should be unavailable, not defaulted")
	}
}

func TestMapReportsUnknownKeys(t *testing.T) {
	r := DefaultRegistry()
	reading := testReading(map[string]energymanager.Value{
		"location.power_consumed":        num(500),
		"inverter.temperature_heat_sink": num(41.2),
		"location.power_future_feature":  num(1),
	})

	_, unknown := r.Map(reading)
	want := []string{"inverter.temperature_heat_sink", "location.power_future_feature"}
	if !reflect.DeepEqual(unknown, want) {
		t.Errorf("unknown = %v, want %v", unknown, want)
	}
}

func TestMapDerivedNetPower(t *testing.T) {
	r := DefaultRegistry()

	samples, _ := r.Map(testReading(map[string]energymanager.Value{
		"location.power_in":  num(250),
		"location.power_out": num(100),
	}))
	net := sampleByKey(t, samples, "location.power_grid_net")
	if !net.Valid {
		t.Fatal("net power should be valid when both operands present")
	}
	if net.Value != 150 {
		t.Errorf("net power = %v, want 150", net.Value)
	}

	// One operand missing: derived metric is unavailable.
	samples, _ = r.Map(testReading(map[string]energymanager.Value{
		"location.power_in": num(250),
	}))
	net = sampleByKey(t, samples, "location.power_grid_net")
	if net.Valid {
		t.Error("net power should be unavailable with a missing operand")
	}
}

func TestMapDerivedNetBuffered(t *testing.T) {
	r := DefaultRegistry()

	samples, _ := r.Map(testReading(map[string]energymanager.Value{
		"location.power_buffered": num(800),
		"location.power_released": num(300),
	}))
	net := sampleByKey(t, samples, "location.power_net_buffered")
	if !net.Valid {
		t.Fatal("net buffered should be valid when both operands present")
	}
	if net.Value != 500 {
		t.Errorf("net buffered = %v, want 500", net.Value)
	}
}

func TestMapTextMetric(t *testing.T) {
	r := DefaultRegistry()

	samples, unknown := r.Map(testReading(map[string]energymanager.Value{
		"battery.mode_converter": {Text: "MOC_NORMAL"},
	}))
	mode := sampleByKey(t, samples, "battery.mode_converter")
	if !mode.Valid {
		t.Fatal("converter mode should be valid")
	}
	if mode.Text != "MOC_NORMAL" {
		t.Errorf("mode = %q, want MOC_NORMAL", mode.Text)
	}
	if len(unknown) != 0 {
		t.Errorf("unknown = %v, want none", unknown)
	}

	// Missing from the reading: explicitly unavailable, like any
	// other catalog entry.
	samples, _ = r.Map(testReading(nil))
	mode = sampleByKey(t, samples, "battery.mode_converter")
	if mode.Valid || mode.Text != "" {
		t.Errorf("absent mode = %+v, want unavailable", mode)
	}
}

func TestMapPreservesCatalogOrder(t *testing.T) {
	r := DefaultRegistry()
	samples, _ := r.Map(testReading(nil))

	defs := r.Definitions()
	for i, def := range defs {
		if samples[i].Key != def.Key {
			t.Fatalf("sample[%d] = %q, want %q", i, samples[i].Key, def.Key)
		}
	}
}

func TestMapTimestampFromReading(t *testing.T) {
	r := DefaultRegistry()
	taken := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	samples, _ := r.Map(&energymanager.Reading{Taken: taken, Values: map[string]energymanager.Value{}})
	for _, s := range samples {
		if !s.Timestamp.Equal(taken) {
			t.Fatalf("sample %q timestamp = %v, want %v", s.Key, s.Timestamp, taken)
		}
	}
}

func TestRound(t *testing.T) {
	cases := []struct {
		v         float64
		precision int
		want      float64
	}{
		{1234.56, 1, 1234.6},
		{987.6544, 3, 987.654},
		{84.4, 0, 84},
		{84.5, 0, 85},
	}
	for _, tc := range cases {
		if got := round(tc.v, tc.precision); got != tc.want {
			t.Errorf("round(%v, %d) = %v, want %v", tc.v, tc.precision, got, tc.want)
		}
	}
}
