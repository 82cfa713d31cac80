// Package devicemodel projects the raw data store into canonical device
// records (thermostat, temperature sensor, protect, camera/doorbell,
// weather) and runs the post-subscribe pipeline that turns store changes
// into ADD/UPDATE/REMOVE events for the home-automation host.
package devicemodel

// Kind identifies a canonical device record's family.
type Kind string

const (
	KindThermostat  Kind = "thermostat"
	KindTempSensor  Kind = "temperature_sensor"
	KindProtect     Kind = "protect"
	KindCamera      Kind = "camera"
	KindDoorbell    Kind = "doorbell"
	KindWeather     Kind = "weather"
)

// Device is one canonical, source-independent device record. Attributes
// holds kind-specific fields (hvac_mode, target_temperature, battery_level,
// ...); keeping it a map instead of one giant struct with every kind's
// fields as optional pointers matches how loosely the upstream sources
// describe a device, and lets the dispatcher's trait/REST write encoders
// read back exactly what the projector wrote.
type Device struct {
	ID           string
	Kind         Kind
	ConnectionID string
	Name         string
	Online       bool
	Attributes   map[string]any
}

// Event is one pipeline output: an add, update, or removal of a canonical
// device record.
type Event struct {
	Type   EventType
	Device *Device
	ID     string // set on Remove, where Device is nil
}

type EventType int

const (
	EventAdd EventType = iota
	EventUpdate
	EventRemove
)

func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}
