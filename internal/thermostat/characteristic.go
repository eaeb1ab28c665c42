package thermostat

// Characteristic identifies one of the five values a thermostat exposes.
type Characteristic int

const (
	CurrentHeatingCoolingState Characteristic = iota
	TargetHeatingCoolingState
	CurrentTemperature
	TargetTemperature
	TemperatureDisplayUnits
)

func (c Characteristic) String() string {
	switch c {
	case CurrentHeatingCoolingState:
		return "current_heating_cooling_state"
	case TargetHeatingCoolingState:
		return "target_heating_cooling_state"
	case CurrentTemperature:
		return "current_temperature"
	case TargetTemperature:
		return "target_temperature"
	case TemperatureDisplayUnits:
		return "temperature_display_units"
	default:
		return "unknown"
	}
}

// Publisher receives every value the adapter pushes. Integer
// characteristics are passed as whole floats.
type Publisher interface {
	UpdateCharacteristic(deviceID string, c Characteristic, value float64)
}

// Publishers fans a push out to several publishers. Nil entries are skipped.
type Publishers []Publisher

func (p Publishers) UpdateCharacteristic(deviceID string, c Characteristic, value float64) {
	for _, pub := range p {
		if pub != nil {
			pub.UpdateCharacteristic(deviceID, c, value)
		}
	}
}
