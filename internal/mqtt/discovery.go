package mqtt

import (
	"fmt"
	"strings"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/metrics"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/solarwatt_xxx/location_power_consumed/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a sensor discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Device            haDevice `json:"device"`
}

// gatewayDisplayName returns a display name for the gateway.
func gatewayDisplayName(gw energymanager.GatewayInfo) string {
	if gw.Model != "" {
		return "SOLARWATT " + gw.Model
	}
	if gw.GUID != "" {
		return "SOLARWATT EnergyManager " + gw.GUID
	}
	return "SOLARWATT EnergyManager"
}

// gatewayIdentifier returns the unique identifier for the HA device
// registry.
func gatewayIdentifier(gw energymanager.GatewayInfo) string {
	if gw.GUID != "" {
		return "solarwatt_" + sanitizeTopic(gw.GUID)
	}
	return "solarwatt_energymanager"
}

// gatewayTopicName returns the MQTT topic segment for the gateway.
func gatewayTopicName(gw energymanager.GatewayInfo) string {
	if gw.GUID != "" {
		return sanitizeTopic(gw.GUID)
	}
	return "energymanager"
}

// sanitizeTopic lowercases and keeps only safe chars for MQTT topics
// and HA object IDs.
func sanitizeTopic(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// buildMetricDiscovery generates the HA sensor discovery message for
// one catalog metric.
func buildMetricDiscovery(def metrics.Definition, gw energymanager.GatewayInfo, prefix string) discoveryMsg {
	nodeID := gatewayIdentifier(gw)
	objectID := sanitizeTopic(strings.ReplaceAll(def.Key, ".", "_"))
	stateTopic := prefix + "/" + gatewayTopicName(gw)

	payload := haDiscovery{
		Name:              def.Name,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: stateTopic + "/availability",
		ValueTemplate:     fmt.Sprintf("{{ value_json['%s'] }}", def.Key),
		UnitOfMeasurement: def.Unit,
		DeviceClass:       string(def.DeviceClass),
		StateClass:        string(def.StateClass),
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "SOLARWATT",
			Model:        gw.Model,
			SWVersion:    gw.Firmware,
			Name:         gatewayDisplayName(gw),
		},
	}
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
