package energymanager

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

// envelopeFromJSON decodes a test payload the way Client.Fetch does.
func envelopeFromJSON(t *testing.T, data string) *Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		t.Fatalf("unmarshal test payload: %v", err)
	}
	return &env
}

const fullPayload = `{
	"result": {
		"items": [
			{
				"guid": "em-guid-1",
				"deviceModel": [{"deviceClass": "com.kiwigrid.devices.em.EnergyManager"}],
				"tagValues": {
					"IdModelCode": {"tagName": "IdModelCode", "value": "EnergyManager Pro"},
					"IdFirmware": {"tagName": "IdFirmware", "value": "1.9.0"}
				}
			},
			{
				"guid": "loc-guid-1",
				"deviceModel": [{"deviceClass": "com.kiwigrid.devices.location.Location"}],
				"tagValues": {
					"PowerConsumed": {"tagName": "PowerConsumed", "value": 1234.5},
					"PowerIn": {"tagName": "PowerIn", "value": "250.0"},
					"PowerOut": {"tagName": "PowerOut", "value": 100},
					"WorkProduced": {"tagName": "WorkProduced", "value": "987654"}
				}
			},
			{
				"guid": "bat-guid-1",
				"deviceModel": [{"deviceClass": "com.kiwigrid.devices.batteryconverter.BatteryConverter"}],
				"tagValues": {
					"StateOfCharge": {"tagName": "StateOfCharge", "value": 84},
					"TemperatureBattery": {"tagName": "TemperatureBattery", "value": 21.5},
					"ModeConverter": {"tagName": "ModeConverter", "value": "MOC_NORMAL"}
				}
			}
		]
	}
}`

func TestDecodeReadingFlattensGroups(t *testing.T) {
	env := envelopeFromJSON(t, fullPayload)
	taken := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	reading, err := DecodeReading(env, taken)
	if err != nil {
		t.Fatal(err)
	}
	if !reading.Taken.Equal(taken) {
		t.Errorf("taken = %v, want %v", reading.Taken, taken)
	}

	want := map[string]float64{
		"location.power_consumed":     1234.5,
		"location.power_in":           250.0,
		"location.power_out":          100,
		"location.work_produced":      987654,
		"battery.state_of_charge":     84,
		"battery.temperature_battery": 21.5,
	}
	for key, val := range want {
		v, ok := reading.Values[key]
		if !ok {
			t.Errorf("key %q missing from reading", key)
			continue
		}
		if !v.Numeric || v.Number != val {
			t.Errorf("%s = %+v, want %v", key, v, val)
		}
	}

	// Textual mode tag is kept as a text value for the state catalog.
	mode, ok := reading.Values["battery.mode_converter"]
	if !ok {
		t.Error("mode_converter missing from reading")
	} else if mode.Numeric || mode.Text != "MOC_NORMAL" {
		t.Errorf("mode_converter = %+v, want text MOC_NORMAL", mode)
	}
	// Gateway identity tags never show up as metrics.
	for key := range reading.Values {
		if key == "em.id_model_code" || key == "em.id_firmware" {
			t.Errorf("identity tag %q leaked into reading", key)
		}
	}
}

func TestDecodeReadingDeterministic(t *testing.T) {
	env := envelopeFromJSON(t, fullPayload)
	taken := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	a, err := DecodeReading(env, taken)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DecodeReading(env, taken)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("decoding the same payload twice produced different readings")
	}
}

func TestDecodeReadingMissingGroupIsNotAnError(t *testing.T) {
	// Variant without a battery: the group is simply absent.
	env := envelopeFromJSON(t, `{
		"result": {
			"items": [
				{
					"guid": "loc-guid-1",
					"deviceModel": [{"deviceClass": "com.kiwigrid.devices.location.Location"}],
					"tagValues": {
						"PowerConsumed": {"tagName": "PowerConsumed", "value": 500}
					}
				}
			]
		}
	}`)

	reading, err := DecodeReading(env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	for key := range reading.Values {
		if key == "battery.state_of_charge" {
			t.Error("unexpected battery key in battery-less payload")
		}
	}
	if _, ok := reading.Values["location.power_consumed"]; !ok {
		t.Error("location.power_consumed missing")
	}
}

func TestDecodeReadingTypeMismatch(t *testing.T) {
	env := envelopeFromJSON(t, `{
		"result": {
			"items": [
				{
					"guid": "loc-guid-1",
					"deviceModel": [{"deviceClass": "com.kiwigrid.devices.location.Location"}],
					"tagValues": {
						"PowerConsumed": {"tagName": "PowerConsumed", "value": "garbage"}
					}
				}
			]
		}
	}`)

	_, err := DecodeReading(env, time.Now())
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if pe.Kind != KindTypeMismatch {
		t.Errorf("kind = %q, want %q", pe.Kind, KindTypeMismatch)
	}
	if pe.Key != "location.power_consumed" {
		t.Errorf("key = %q, want location.power_consumed", pe.Key)
	}
}

func TestDecodeReadingStructuralMismatch(t *testing.T) {
	for name, data := range map[string]string{
		"empty object": `{}`,
		"no items":     `{"result": {}}`,
	} {
		env := envelopeFromJSON(t, data)
		_, err := DecodeReading(env, time.Now())
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Kind != KindStructuralMismatch {
			t.Errorf("%s: err = %v, want structural mismatch", name, err)
		}
	}
}

func TestDecodeReadingUnknownDeviceClassKeepsTags(t *testing.T) {
	// Firmware additions surface under a derived namespace so the
	// registry can flag them as unknown keys instead of losing them.
	env := envelopeFromJSON(t, `{
		"result": {
			"items": [
				{
					"guid": "inv-guid-1",
					"deviceModel": [{"deviceClass": "com.kiwigrid.devices.inverter.Inverter"}],
					"tagValues": {
						"TemperatureHeatSink": {"tagName": "TemperatureHeatSink", "value": 41.2}
					}
				}
			]
		}
	}`)

	reading, err := DecodeReading(env, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	v, ok := reading.Values["inverter.temperature_heat_sink"]
	if !ok {
		t.Fatal("inverter tag missing from reading")
	}
	if !v.Numeric || v.Number != 41.2 {
		t.Errorf("value = %+v, want 41.2", v)
	}
}

func TestDecodeGatewayInfo(t *testing.T) {
	env := envelopeFromJSON(t, fullPayload)
	info, err := DecodeGatewayInfo(env)
	if err != nil {
		t.Fatal(err)
	}
	if info.GUID != "em-guid-1" {
		t.Errorf("guid = %q, want em-guid-1", info.GUID)
	}
	if info.Model != "EnergyManager Pro" {
		t.Errorf("model = %q", info.Model)
	}
	if info.Firmware != "1.9.0" {
		t.Errorf("firmware = %q", info.Firmware)
	}
}

func TestDecodeGatewayInfoMissing(t *testing.T) {
	env := envelopeFromJSON(t, `{"result": {"items": []}}`)
	_, err := DecodeGatewayInfo(env)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Kind != KindStructuralMismatch {
		t.Errorf("err = %v, want structural mismatch", err)
	}
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"PowerConsumedFromGrid": "power_consumed_from_grid",
		"PowerIn":               "power_in",
		"StateOfCharge":         "state_of_charge",
		"IdModelCode":           "id_model_code",
		"WorkSelfSupplied":      "work_self_supplied",
	}
	for in, want := range cases {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
