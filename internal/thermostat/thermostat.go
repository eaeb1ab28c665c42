// Package thermostat adapts one SDM thermostat to the five HomeKit
// thermostat characteristics.
package thermostat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nestbridge/internal/config"
	"nestbridge/internal/events"
	"nestbridge/internal/sdm"

	"go.uber.org/zap"
)

// ErrInvalidMode is returned for a target mode outside OFF..AUTO.
var ErrInvalidMode = errors.New("invalid heating cooling mode")

// DeviceAPI reads and commands devices.
type DeviceAPI interface {
	DeviceName(deviceID string) string
	GetDevice(ctx context.Context, deviceID string) (*sdm.Traits, error)
	ExecuteCommand(ctx context.Context, deviceID string, cmd sdm.Command) error
}

// EventSubscriber delivers device events for a resource name.
type EventSubscriber interface {
	Subscribe(ctx context.Context, resourceName string, handler events.Handler) (events.Subscription, error)
}

// Options wires an adapter to its collaborators. Events and Publisher may be nil.
type Options struct {
	API       DeviceAPI
	Events    EventSubscriber
	Publisher Publisher

	// ApplyEvents applies device events to the state record. When false
	// events are only logged.
	ApplyEvents bool
}

// State is the local record of the five characteristics.
type State struct {
	CurrentMode        int     `json:"current_heating_cooling_state"`
	CurrentTemperature float64 `json:"current_temperature"`
	TargetMode         int     `json:"target_heating_cooling_state"`
	TargetTemperature  float64 `json:"target_temperature"`
	DisplayUnits       int     `json:"temperature_display_units"`
}

// DefaultState is the record before the first successful fetch.
func DefaultState() State {
	return State{
		CurrentMode:        ModeOff,
		CurrentTemperature: -270,
		TargetMode:         ModeOff,
		TargetTemperature:  10,
		DisplayUnits:       UnitsCelsius,
	}
}

// Snapshot is a copy of an adapter's state for status reporting.
type Snapshot struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	SerialNumber string    `json:"serial_number"`
	Connected    bool      `json:"connected"`
	LastEvent    time.Time `json:"last_event,omitempty"`
	State
}

type update struct {
	c     Characteristic
	value float64
}

// Thermostat is the adapter for one configured device.
type Thermostat struct {
	device      config.Thermostat
	api         DeviceAPI
	events      EventSubscriber
	applyEvents bool
	logger      *zap.Logger

	mu         sync.RWMutex
	state      State
	publishers Publishers
	connected  bool
	lastEvent  time.Time
	sub        events.Subscription
}

// New creates an adapter with the default state. Call Connect to fetch the
// device.
func New(device config.Thermostat, opts Options, logger *zap.Logger) *Thermostat {
	t := &Thermostat{
		device:      device,
		api:         opts.API,
		events:      opts.Events,
		applyEvents: opts.ApplyEvents,
		logger:      logger.Named("thermostat").With(zap.String("device_id", device.DeviceID)),
		state:       DefaultState(),
	}
	if opts.Publisher != nil {
		t.publishers = append(t.publishers, opts.Publisher)
	}
	return t
}

// Device returns the configured device descriptor.
func (t *Thermostat) Device() config.Thermostat {
	return t.device
}

// AddPublisher registers another receiver of characteristic pushes.
func (t *Thermostat) AddPublisher(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishers = append(t.publishers, p)
}

// Connect fetches the device, replaces the state record with its traits,
// pushes all five values and subscribes to device events. On failure the
// error is logged and returned and the state is left untouched.
func (t *Thermostat) Connect(ctx context.Context) error {
	traits, err := t.api.GetDevice(ctx, t.device.DeviceID)
	if err != nil {
		t.logger.Error("Unable to fetch device", zap.String("reason", reason(err)), zap.Error(err))
		return err
	}
	t.logger.Info("Device info fetched")

	t.mu.Lock()
	t.state.CurrentMode = ModeToInt(traits.ThermostatMode.Mode)
	t.state.CurrentTemperature = traits.Temperature.AmbientTemperatureCelsius
	t.state.TargetMode = HvacStatusToInt(traits.ThermostatHvac.Status)
	if target, ok := setpoint(traits.TemperatureSetpoint); ok {
		t.state.TargetTemperature = target
	}
	t.state.DisplayUnits = DisplayUnitsFromScale(traits.Settings.TemperatureScale)
	t.connected = true
	s := t.state
	t.mu.Unlock()

	t.push(
		update{CurrentHeatingCoolingState, float64(s.CurrentMode)},
		update{CurrentTemperature, s.CurrentTemperature},
		update{TargetHeatingCoolingState, float64(s.TargetMode)},
		update{TargetTemperature, s.TargetTemperature},
		update{TemperatureDisplayUnits, float64(s.DisplayUnits)},
	)
	t.logger.Info("Thermostat state set",
		zap.Int("current_mode", s.CurrentMode),
		zap.Float64("current_temperature", s.CurrentTemperature),
		zap.Int("target_mode", s.TargetMode),
		zap.Float64("target_temperature", s.TargetTemperature),
		zap.Int("display_units", s.DisplayUnits))

	t.subscribe(ctx)
	return nil
}

func (t *Thermostat) subscribe(ctx context.Context) {
	if t.events == nil {
		return
	}

	t.mu.RLock()
	subscribed := t.sub != nil
	t.mu.RUnlock()
	if subscribed {
		return
	}

	sub, err := t.events.Subscribe(ctx, t.api.DeviceName(t.device.DeviceID), t.handleEvent)
	if err != nil {
		t.logger.Error("Unable to subscribe to device events", zap.Error(err))
		return
	}

	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
}

// Close removes the event subscription.
func (t *Thermostat) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// CurrentMode returns the current heating/cooling state.
func (t *Thermostat) CurrentMode() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.CurrentMode
}

// TargetMode returns the target heating/cooling state.
func (t *Thermostat) TargetMode() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.TargetMode
}

// CurrentTemperature returns the ambient temperature in Celsius.
func (t *Thermostat) CurrentTemperature() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.CurrentTemperature
}

// TargetTemperature returns the setpoint in Celsius.
func (t *Thermostat) TargetTemperature() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.TargetTemperature
}

// DisplayUnits returns 0 for Celsius and 1 for Fahrenheit.
func (t *Thermostat) DisplayUnits() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.DisplayUnits
}

// SetTargetMode sends SetMode and, once the device accepts it, mirrors the
// value into both the current and target mode. Modes outside 0..3 are
// rejected without contacting the device.
func (t *Thermostat) SetTargetMode(ctx context.Context, mode int) error {
	if mode < ModeOff || mode > ModeAuto {
		t.logger.Error("Unable to set target heating cooling state",
			zap.Int("mode", mode),
			zap.String("reason", ErrInvalidMode.Error()))
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}

	cmd := sdm.Command{
		Name:   sdm.CommandSetMode,
		Params: map[string]interface{}{"mode": ModeToString(mode)},
	}
	if err := t.api.ExecuteCommand(ctx, t.device.DeviceID, cmd); err != nil {
		t.logger.Error("Unable to set target heating cooling state",
			zap.Int("mode", mode),
			zap.String("reason", reason(err)))
		return err
	}

	t.mu.Lock()
	t.state.CurrentMode = mode
	t.state.TargetMode = mode
	t.mu.Unlock()

	t.push(
		update{CurrentHeatingCoolingState, float64(mode)},
		update{TargetHeatingCoolingState, float64(mode)},
	)
	return nil
}

// SetTargetTemperature sends the setpoint command matching the current mode
// and, once the device accepts it, records the new target.
func (t *Thermostat) SetTargetTemperature(ctx context.Context, celsius float64) error {
	t.mu.RLock()
	cmd := temperatureCommand(t.state.CurrentMode, t.state.TargetMode, celsius)
	t.mu.RUnlock()

	t.logger.Info("Setting temperature",
		zap.Float64("celsius", celsius),
		zap.String("command", cmd.Name))
	if err := t.api.ExecuteCommand(ctx, t.device.DeviceID, cmd); err != nil {
		t.logger.Error("Unable to set target temperature",
			zap.Float64("celsius", celsius),
			zap.String("reason", reason(err)))
		return err
	}

	t.mu.Lock()
	t.state.TargetTemperature = celsius
	t.mu.Unlock()

	t.push(update{TargetTemperature, celsius})
	return nil
}

// SetDisplayUnits records the display units locally. Nothing is sent to the device.
func (t *Thermostat) SetDisplayUnits(units int) {
	t.mu.Lock()
	t.state.DisplayUnits = units
	t.mu.Unlock()

	t.push(update{TemperatureDisplayUnits, float64(units)})
}

// Snapshot returns a copy of the state record with the device identity.
func (t *Thermostat) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		DeviceID:     t.device.DeviceID,
		Name:         t.device.Name,
		SerialNumber: t.device.SerialNumber,
		Connected:    t.connected,
		LastEvent:    t.lastEvent,
		State:        t.state,
	}
}

func (t *Thermostat) handleEvent(ctx context.Context, event events.Event) {
	t.logger.Debug("Device event", zap.String("event_id", event.EventID))
	if t.applyEvents {
		t.ApplyEvent(event)
	}
}

// ApplyEvent applies the traits present in a resource update using the same
// mapping as Connect. Events older than the last applied one are ignored.
func (t *Thermostat) ApplyEvent(event events.Event) {
	if event.ResourceUpdate == nil {
		return
	}
	traits := event.ResourceUpdate.Traits

	t.mu.Lock()
	if !event.Timestamp.IsZero() && event.Timestamp.Before(t.lastEvent) {
		t.mu.Unlock()
		t.logger.Debug("Ignoring stale device event", zap.String("event_id", event.EventID))
		return
	}
	if event.Timestamp.After(t.lastEvent) {
		t.lastEvent = event.Timestamp
	}

	var updates []update
	if traits.ThermostatMode != nil {
		t.state.CurrentMode = ModeToInt(traits.ThermostatMode.Mode)
		updates = append(updates, update{CurrentHeatingCoolingState, float64(t.state.CurrentMode)})
	}
	if traits.Temperature != nil {
		t.state.CurrentTemperature = traits.Temperature.AmbientTemperatureCelsius
		updates = append(updates, update{CurrentTemperature, t.state.CurrentTemperature})
	}
	if traits.ThermostatHvac != nil {
		t.state.TargetMode = HvacStatusToInt(traits.ThermostatHvac.Status)
		updates = append(updates, update{TargetHeatingCoolingState, float64(t.state.TargetMode)})
	}
	if target, ok := setpoint(traits.TemperatureSetpoint); ok {
		t.state.TargetTemperature = target
		updates = append(updates, update{TargetTemperature, target})
	}
	if traits.Settings != nil {
		t.state.DisplayUnits = DisplayUnitsFromScale(traits.Settings.TemperatureScale)
		updates = append(updates, update{TemperatureDisplayUnits, float64(t.state.DisplayUnits)})
	}
	t.mu.Unlock()

	t.push(updates...)
}

func (t *Thermostat) push(updates ...update) {
	t.mu.RLock()
	publishers := make(Publishers, len(t.publishers))
	copy(publishers, t.publishers)
	t.mu.RUnlock()

	for _, u := range updates {
		publishers.UpdateCharacteristic(t.device.DeviceID, u.c, u.value)
	}
}

// temperatureCommand picks the setpoint command from the current mode,
// falling back to the target mode. Params follow the current mode only.
func temperatureCommand(currentMode, targetMode int, celsius float64) sdm.Command {
	cmd := sdm.Command{Params: map[string]interface{}{}}

	switch currentMode {
	case ModeHeat:
		cmd.Name = sdm.CommandSetHeat
	case ModeCool:
		cmd.Name = sdm.CommandSetCool
	case ModeAuto:
		cmd.Name = sdm.CommandSetRange
	default:
		switch targetMode {
		case ModeHeat:
			cmd.Name = sdm.CommandSetHeat
		case ModeCool:
			cmd.Name = sdm.CommandSetCool
		}
	}

	switch currentMode {
	case ModeHeat:
		cmd.Params["heatCelsius"] = celsius
	case ModeCool:
		cmd.Params["coolCelsius"] = celsius
	case ModeAuto:
		cmd.Params["heatCelsius"] = celsius
		cmd.Params["coolCelsius"] = celsius
	}
	return cmd
}

// setpoint returns coolCelsius, or heatCelsius when only that is reported.
func setpoint(sp *sdm.TemperatureSetpoint) (float64, bool) {
	switch {
	case sp == nil:
		return 0, false
	case sp.CoolCelsius != nil:
		return *sp.CoolCelsius, true
	case sp.HeatCelsius != nil:
		return *sp.HeatCelsius, true
	}
	return 0, false
}

func reason(err error) string {
	var cmdErr *sdm.DeviceCommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Message
	}
	return err.Error()
}
