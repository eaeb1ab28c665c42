package sdm

import "fmt"

// Trait names as they appear in device resources and events.
const (
	TraitThermostatMode      = "sdm.devices.traits.ThermostatMode"
	TraitTemperature         = "sdm.devices.traits.Temperature"
	TraitThermostatHvac      = "sdm.devices.traits.ThermostatHvac"
	TraitTemperatureSetpoint = "sdm.devices.traits.ThermostatTemperatureSetpoint"
	TraitSettings            = "sdm.devices.traits.Settings"
)

// Traits is the subset of a thermostat's traits we read. A nil group was
// absent from the payload, which is normal for partial event updates.
type Traits struct {
	ThermostatMode      *ThermostatMode      `json:"sdm.devices.traits.ThermostatMode,omitempty"`
	Temperature         *Temperature         `json:"sdm.devices.traits.Temperature,omitempty"`
	ThermostatHvac      *ThermostatHvac      `json:"sdm.devices.traits.ThermostatHvac,omitempty"`
	TemperatureSetpoint *TemperatureSetpoint `json:"sdm.devices.traits.ThermostatTemperatureSetpoint,omitempty"`
	Settings            *Settings            `json:"sdm.devices.traits.Settings,omitempty"`
}

// ThermostatMode is the active mode and the modes the device supports.
type ThermostatMode struct {
	Mode           string   `json:"mode"`
	AvailableModes []string `json:"availableModes,omitempty"`
}

// Temperature is the ambient reading in Celsius.
type Temperature struct {
	AmbientTemperatureCelsius float64 `json:"ambientTemperatureCelsius"`
}

// ThermostatHvac reports whether the HVAC is heating, cooling or off.
type ThermostatHvac struct {
	Status string `json:"status"`
}

// TemperatureSetpoint carries only the setpoints the current mode uses:
// heatCelsius in HEAT, coolCelsius in COOL, both in HEATCOOL.
type TemperatureSetpoint struct {
	HeatCelsius *float64 `json:"heatCelsius,omitempty"`
	CoolCelsius *float64 `json:"coolCelsius,omitempty"`
}

// Settings holds the display scale chosen on the device.
type Settings struct {
	TemperatureScale string `json:"temperatureScale"`
}

// Complete returns an error naming the first thermostat trait missing from t.
func (t *Traits) Complete() error {
	switch {
	case t.ThermostatMode == nil:
		return fmt.Errorf("missing trait %s", TraitThermostatMode)
	case t.Temperature == nil:
		return fmt.Errorf("missing trait %s", TraitTemperature)
	case t.ThermostatHvac == nil:
		return fmt.Errorf("missing trait %s", TraitThermostatHvac)
	case t.TemperatureSetpoint == nil:
		return fmt.Errorf("missing trait %s", TraitTemperatureSetpoint)
	case t.Settings == nil:
		return fmt.Errorf("missing trait %s", TraitSettings)
	}
	return nil
}
