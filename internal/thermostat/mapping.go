package thermostat

// HVAC modes as HomeKit heating/cooling state values.
const (
	ModeOff  = 0
	ModeHeat = 1
	ModeCool = 2
	ModeAuto = 3
)

// HVAC activity as reported by the ThermostatHvac trait.
const (
	StatusOff     = 0
	StatusHeating = 1
	StatusCooling = 2
)

// Display units as HomeKit TemperatureDisplayUnits values.
const (
	UnitsCelsius    = 0
	UnitsFahrenheit = 1
)

// ModeToInt maps an SDM thermostat mode to its HomeKit value. SDM reports
// range mode as HEATCOOL; AUTO is accepted as well.
func ModeToInt(mode string) int {
	switch mode {
	case "OFF":
		return ModeOff
	case "HEAT":
		return ModeHeat
	case "COOL":
		return ModeCool
	case "AUTO", "HEATCOOL":
		return ModeAuto
	default:
		return ModeOff
	}
}

// ModeToString maps a HomeKit mode value to the SDM mode sent with SetMode.
func ModeToString(mode int) string {
	switch mode {
	case ModeOff:
		return "OFF"
	case ModeHeat:
		return "HEAT"
	case ModeCool:
		return "COOL"
	case ModeAuto:
		return "HEATCOOL"
	default:
		return "OFF"
	}
}

// HvacStatusToInt maps an SDM HVAC status to its numeric value.
func HvacStatusToInt(status string) int {
	switch status {
	case "HEATING":
		return StatusHeating
	case "COOLING":
		return StatusCooling
	default:
		return StatusOff
	}
}

// DisplayUnitsFromScale maps the Settings temperature scale to display units.
func DisplayUnitsFromScale(scale string) int {
	if scale == "FAHRENHEIT" {
		return UnitsFahrenheit
	}
	return UnitsCelsius
}
