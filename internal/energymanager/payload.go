package energymanager

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Envelope is the raw devices response. Shape:
//
//	result: { items: [ { guid, deviceModel: [{deviceClass}],
//	                     tagValues: { Name: {tagName, guid, value} } } ] }
//
// The schema is firmware-defined; decoding tolerates additive changes.
type Envelope struct {
	Result struct {
		Items []Item `json:"items"`
	} `json:"result"`
}

// Item is one kiwigrid device entry.
type Item struct {
	GUID        string `json:"guid"`
	DeviceModel []struct {
		DeviceClass string `json:"deviceClass"`
	} `json:"deviceModel"`
	TagValues map[string]TagValue `json:"tagValues"`
}

// TagValue is one tagged value of a device item.
type TagValue struct {
	TagName string `json:"tagName"`
	GUID    string `json:"guid"`
	Value   any    `json:"value"`
}

// Known kiwigrid device classes.
const (
	classLocation      = "com.kiwigrid.devices.location.Location"
	classBattery       = "com.kiwigrid.devices.batteryconverter.BatteryConverter"
	classEnergyManager = "com.kiwigrid.devices.em.EnergyManager"
)

// EnergyManager identity tags.
const (
	tagModel    = "IdModelCode"
	tagFirmware = "IdFirmware"
)

// ParseErrorKind classifies a decode failure.
type ParseErrorKind string

const (
	KindTypeMismatch       ParseErrorKind = "type_mismatch"
	KindStructuralMismatch ParseErrorKind = "structural_mismatch"
)

// ParseError is returned when the payload cannot be decoded. Key is
// set for KindTypeMismatch and names the offending reading key.
type ParseError struct {
	Kind ParseErrorKind
	Key  string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("energymanager: %s for %q: %s", e.Kind, e.Key, e.Msg)
	}
	return fmt.Sprintf("energymanager: %s: %s", e.Kind, e.Msg)
}

// Value is one decoded reading value. Numeric reports whether Number
// holds a coerced numeric value; otherwise Text holds the raw string.
type Value struct {
	Number  float64
	Text    string
	Numeric bool
}

// Reading is the flat decoded form of one device payload: namespaced
// key -> value, plus the capture timestamp. Owned by a single poll
// cycle and discarded after mapping.
type Reading struct {
	Taken  time.Time
	Values map[string]Value
}

// GatewayInfo identifies the EnergyManager gateway itself.
type GatewayInfo struct {
	GUID     string `json:"guid"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
}

// DecodeReading flattens the envelope into namespaced keys, e.g.
// "location.power_consumed" or "battery.state_of_charge". Decoding is
// pure: the same envelope and timestamp always yield the same reading.
//
// Device groups absent from the payload (a variant without a battery)
// are simply not present in the output. Numeric tags delivered as text
// are coerced; a non-numeric value for a numeric tag is a ParseError.
// String tags (modes, identifiers) are kept as text values; gateway
// identity is exposed via DecodeGatewayInfo.
func DecodeReading(env *Envelope, takenAt time.Time) (*Reading, error) {
	if env == nil || env.Result.Items == nil {
		return nil, &ParseError{Kind: KindStructuralMismatch, Msg: "missing result.items"}
	}

	reading := &Reading{Taken: takenAt, Values: make(map[string]Value)}
	for _, item := range env.Result.Items {
		ns := itemNamespace(item)
		if ns == "" || ns == "em" {
			// The EnergyManager item carries identity metadata only.
			continue
		}
		for name, tv := range item.TagValues {
			if tv.Value == nil {
				continue
			}
			key := ns + "." + snakeCase(name)
			num, ok := coerceNumber(tv.Value)
			switch {
			case ok:
				reading.Values[key] = Value{Number: num, Numeric: true}
			case numericTag(name):
				return nil, &ParseError{
					Kind: KindTypeMismatch,
					Key:  key,
					Msg:  fmt.Sprintf("cannot coerce %v to a number", tv.Value),
				}
			default:
				// Textual tag, e.g. a converter mode. Kept as text so
				// the catalog can expose it as a state metric.
				if s, isStr := tv.Value.(string); isStr && s != "" {
					reading.Values[key] = Value{Text: s}
				}
			}
		}
	}
	return reading, nil
}

// DecodeGatewayInfo extracts the EnergyManager identity item.
func DecodeGatewayInfo(env *Envelope) (*GatewayInfo, error) {
	if env == nil || env.Result.Items == nil {
		return nil, &ParseError{Kind: KindStructuralMismatch, Msg: "missing result.items"}
	}
	for _, item := range env.Result.Items {
		if !hasDeviceClass(item, classEnergyManager) {
			continue
		}
		info := &GatewayInfo{GUID: item.GUID}
		if tv, ok := item.TagValues[tagModel]; ok {
			info.Model = asText(tv.Value)
		}
		if tv, ok := item.TagValues[tagFirmware]; ok {
			info.Firmware = asText(tv.Value)
		}
		return info, nil
	}
	return nil, &ParseError{Kind: KindStructuralMismatch, Msg: "no EnergyManager device item present"}
}

// itemNamespace maps an item's device class to a reading namespace.
// Unrecognized classes keep their last class-path segment so firmware
// additions surface downstream as unknown keys instead of vanishing.
func itemNamespace(item Item) string {
	for _, m := range item.DeviceModel {
		switch m.DeviceClass {
		case classLocation:
			return "location"
		case classBattery:
			return "battery"
		case classEnergyManager:
			return "em"
		}
	}
	for _, m := range item.DeviceModel {
		if m.DeviceClass == "" {
			continue
		}
		seg := m.DeviceClass[strings.LastIndex(m.DeviceClass, ".")+1:]
		return strings.ToLower(seg)
	}
	return ""
}

func hasDeviceClass(item Item, class string) bool {
	for _, m := range item.DeviceModel {
		if m.DeviceClass == class {
			return true
		}
	}
	return false
}

// numericTag reports whether a tag name is numeric by schema. The
// kiwigrid naming convention prefixes instantaneous power with Power,
// cumulative energy with Work, percentages with StateOf and
// temperatures with Temperature.
func numericTag(name string) bool {
	for _, prefix := range []string{"Power", "Work", "StateOf", "Temperature"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

// snakeCase converts a kiwigrid CamelCase tag name to snake_case:
// "PowerConsumedFromGrid" -> "power_consumed_from_grid".
func snakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 8)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
