package metrics

// Units reported to sinks.
const (
	UnitWatt         = "W"
	UnitKilowattHour = "kWh"
	UnitPercent      = "%"
	UnitCelsius      = "°C"
)

// DeviceClass mirrors the Home Assistant sensor device class.
type DeviceClass string

const (
	ClassPower       DeviceClass = "power"
	ClassEnergy      DeviceClass = "energy"
	ClassBattery     DeviceClass = "battery"
	ClassTemperature DeviceClass = "temperature"
	ClassNone        DeviceClass = ""
)

// StateClass distinguishes instantaneous gauges from cumulative
// counters, again in Home Assistant terms.
type StateClass string

const (
	StateMeasurement     StateClass = "measurement"
	StateTotalIncreasing StateClass = "total_increasing"
)

// Definition is one immutable catalog entry. Scale is applied to the
// device value before rounding to Precision decimals; zero means no
// scaling. Net, when set, derives the value as the first operand key
// minus the second instead of reading Key from the device. Text marks
// a state metric carrying a string instead of a number.
type Definition struct {
	Key         string
	Name        string
	Unit        string
	DeviceClass DeviceClass
	StateClass  StateClass
	Precision   int
	Scale       float64
	Net         [2]string
	Text        bool
}

// The EnergyManager reports cumulative Work counters in Wh; sinks
// expect kWh rounded to three decimals.
const whToKwh = 0.001

func power(key, name string) Definition {
	return Definition{
		Key:         key,
		Name:        name,
		Unit:        UnitWatt,
		DeviceClass: ClassPower,
		StateClass:  StateMeasurement,
		Precision:   1,
	}
}

func work(key, name string) Definition {
	return Definition{
		Key:         key,
		Name:        name,
		Unit:        UnitKilowattHour,
		DeviceClass: ClassEnergy,
		StateClass:  StateTotalIncreasing,
		Precision:   3,
		Scale:       whToKwh,
	}
}

// Catalog returns the full metric catalog in publication order:
// location power gauges, the derived grid balance, location energy
// counters, then battery converter metrics. Variants without a
// battery simply report those entries as unavailable.
func Catalog() []Definition {
	return []Definition{
		power("location.power_buffered", "Power Buffered"),
		power("location.power_buffered_from_grid", "Power Buffered From Grid"),
		power("location.power_buffered_from_producers", "Power Buffered From Producers"),
		power("location.power_consumed", "Power Consumed"),
		power("location.power_consumed_from_grid", "Power Consumed From Grid"),
		power("location.power_consumed_from_producers", "Power Consumed From Producers"),
		power("location.power_consumed_from_storage", "Power Consumed From Storage"),
		power("location.power_in", "Power In"),
		power("location.power_out", "Power Out"),
		power("location.power_out_from_producers", "Power Out From Producers"),
		power("location.power_out_from_storage", "Power Out From Storage"),
		power("location.power_produced", "Power Produced"),
		power("location.power_released", "Power Released"),
		power("location.power_self_consumed", "Power Self Consumed"),
		power("location.power_self_supplied", "Power Self Supplied"),
		{
			Key:         "location.power_grid_net",
			Name:        "Power Grid Net",
			Unit:        UnitWatt,
			DeviceClass: ClassPower,
			StateClass:  StateMeasurement,
			Precision:   1,
			Net:         [2]string{"location.power_in", "location.power_out"},
		},
		{
			Key:         "location.power_net_buffered",
			Name:        "Power Net Buffered",
			Unit:        UnitWatt,
			DeviceClass: ClassPower,
			StateClass:  StateMeasurement,
			Precision:   1,
			Net:         [2]string{"location.power_buffered", "location.power_released"},
		},

		work("location.work_buffered", "Work Buffered"),
		work("location.work_buffered_from_grid", "Work Buffered From Grid"),
		work("location.work_buffered_from_producers", "Work Buffered From Producers"),
		work("location.work_consumed", "Work Consumed"),
		work("location.work_consumed_from_grid", "Work Consumed From Grid"),
		work("location.work_consumed_from_producers", "Work Consumed From Producers"),
		work("location.work_consumed_from_storage", "Work Consumed From Storage"),
		work("location.work_in", "Work In"),
		work("location.work_out", "Work Out"),
		work("location.work_out_from_producers", "Work Out From Producers"),
		work("location.work_out_from_storage", "Work Out From Storage"),
		work("location.work_produced", "Work Produced"),
		work("location.work_released", "Work Released"),
		work("location.work_self_consumed", "Work Self Consumed"),
		work("location.work_self_supplied", "Work Self Supplied"),

		{
			Key:         "battery.state_of_charge",
			Name:        "Battery State Of Charge",
			Unit:        UnitPercent,
			DeviceClass: ClassBattery,
			StateClass:  StateMeasurement,
		},
		{
			Key:        "battery.state_of_health",
			Name:       "Battery State Of Health",
			Unit:       UnitPercent,
			StateClass: StateMeasurement,
		},
		{
			Key:         "battery.temperature_battery",
			Name:        "Battery Temperature",
			Unit:        UnitCelsius,
			DeviceClass: ClassTemperature,
			StateClass:  StateMeasurement,
			Precision:   1,
		},
		{
			Key:  "battery.mode_converter",
			Name: "Battery Converter Mode",
			Text: true,
		},
	}
}
